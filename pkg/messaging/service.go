// Package messaging coordinates agents through the shared store: an agent
// registry, per-agent mailboxes, broadcasts, channels, progress reports and
// checkpoint relays. There is no in-process state shared between agents;
// every operation is one store transaction.
package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"diverga/pkg/protocol"
	"diverga/pkg/store"
)

// DefaultPollInterval is how often AwaitCheckpoint re-reads the mailbox when
// the backend has no change feed, or between change signals.
const DefaultPollInterval = 25 * time.Millisecond

// Service implements the messaging operations.
type Service struct {
	backend      store.Backend
	logger       zerolog.Logger
	nowFunc      func() time.Time
	orchestrator string
	pollInterval time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

// WithOrchestrator sets the recipient of progress reports.
func WithOrchestrator(id string) Option {
	return func(s *Service) {
		if id = protocol.NormalizeAgentID(id); id != "" {
			s.orchestrator = id
		}
	}
}

// WithPollInterval sets the AwaitCheckpoint poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New returns a Service backed by b.
func New(b store.Backend, opts ...Option) (*Service, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: messaging: nil backend", protocol.ErrInvalidArgument)
	}
	s := &Service{
		backend:      b,
		logger:       zerolog.Nop(),
		nowFunc:      time.Now,
		orchestrator: protocol.DefaultOrchestrator,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Orchestrator returns the agent progress reports are addressed to.
func (s *Service) Orchestrator() string { return s.orchestrator }

func (s *Service) now() string { return protocol.FormatTime(s.nowFunc()) }

func requireAgent(field, id string) (string, error) {
	id = protocol.NormalizeAgentID(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s is required", protocol.ErrInvalidArgument, field)
	}
	return id, nil
}

func requireName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: channel name is required", protocol.ErrInvalidArgument)
	}
	return name, nil
}
