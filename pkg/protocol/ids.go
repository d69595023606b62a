package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Sequence names a store-wide id counter.
type Sequence string

const (
	SequenceDecision Sequence = "decision"
	SequenceMessage  Sequence = "message"
)

// Prefix returns the id prefix for the sequence.
func (s Sequence) Prefix() string {
	switch s {
	case SequenceDecision:
		return "DEV_"
	case SequenceMessage:
		return "msg_"
	}
	return string(s) + "_"
}

// Format renders n as an id of this sequence, e.g. DEV_007.
func (s Sequence) Format(n int) string {
	return fmt.Sprintf("%s%03d", s.Prefix(), n)
}

// Parse extracts the numeric part of an id of this sequence. It returns
// false for ids that were not issued by the sequence.
func (s Sequence) Parse(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, s.Prefix())
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// CompareIDs orders two ids of the same sequence numerically, falling back
// to string order for ids the sequence did not issue.
func (s Sequence) CompareIDs(a, b string) int {
	na, okA := s.Parse(a)
	nb, okB := s.Parse(b)
	if okA && okB {
		return na - nb
	}
	return strings.Compare(a, b)
}
