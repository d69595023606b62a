package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"diverga/pkg/protocol"
)

type decodeFunc func(data []byte, v any) error

// readDoc decodes path into v. A missing file and a malformed file both
// leave v untouched and report false; malformed files are logged.
func (s *Store) readDoc(path string, v any, decode decodeFunc) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", path).Msg("unreadable document treated as empty")
		}
		return false
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return false
	}
	if err := decode(data, v); err != nil {
		s.logger.Warn().
			Err(fmt.Errorf("%w: %w", protocol.ErrCorrupt, err)).
			Str("path", path).
			Msg("malformed document treated as empty")
		return false
	}
	return true
}

// readResearchDoc reads research/<name>, falling back to the legacy
// .research/<name> only when the primary file does not exist.
func (s *Store) readResearchDoc(name string, v any) {
	primary := s.researchPath(name)
	if _, err := os.Stat(primary); err == nil {
		s.readDoc(primary, v, yaml.Unmarshal)
		return
	}
	s.readDoc(s.legacyPath(name), v, yaml.Unmarshal)
}

func marshalYAML(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// writeFileAtomic replaces path with data via a temp file in the same
// directory, so readers see either the old or the new document.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}

	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}

	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}

	cleanup = false
	return nil
}

// acquireFileLock takes the cross-process lock file. The file holds a token
// unique to this acquisition so release never removes a lock taken over by
// another process after a stale break.
func (s *Store) acquireFileLock(ctx context.Context) (func(), error) {
	path := s.systemPath(lockFileName)
	token := uuid.NewString()
	deadline := time.Now().Add(s.lockTimeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("%w: write lock file: %w", protocol.ErrStorage, errors.Join(werr, cerr))
			}
			return func() { s.releaseFileLock(path, token) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: create lock file: %w", protocol.ErrStorage, err)
		}

		s.breakStaleLock(path)

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: lock %s held longer than %s", protocol.ErrStorage, path, s.lockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire document lock: %w", ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

func (s *Store) releaseFileLock(path, token string) {
	data, err := os.ReadFile(path)
	if err != nil || string(data) != token {
		s.logger.Warn().Str("path", path).Msg("document lock lost before release")
		return
	}
	_ = os.Remove(path)
}

func (s *Store) breakStaleLock(path string) {
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) < s.staleAfter {
		return
	}
	observed, err := os.ReadFile(path)
	if err != nil {
		return
	}
	s.discardLock(path, observed)
}

// discardLock claims the lock at path by renaming it aside, so only one
// breaker can take a given lock file. When the claimed file is not the
// stale lock that was observed (another process broke it first and locked
// again), it is linked back into place.
func (s *Store) discardLock(path string, observed []byte) bool {
	aside := path + ".stale-" + uuid.NewString()
	if err := os.Rename(path, aside); err != nil {
		return false
	}
	defer func() { _ = os.Remove(aside) }()

	claimed, rerr := os.ReadFile(aside)
	info, serr := os.Stat(aside)
	if rerr == nil && serr == nil && bytes.Equal(claimed, observed) {
		if age := time.Since(info.ModTime()); age >= s.staleAfter {
			s.logger.Warn().Str("path", path).Dur("age", age).Msg("broke stale document lock")
			return true
		}
	}

	if err := os.Link(aside, path); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("live document lock could not be restored")
	}
	return false
}
