// Package study holds the counterbalancing arithmetic for participants:
// group assignment, per-phase mode order, and ticker rotation. Everything is
// a pure function of the participant id and the configured ticker list.
package study

import (
	"fmt"
	"strconv"
	"strings"

	"finrisk/internal/domain"
)

// PhaseCount is the fixed number of phases in a session.
const PhaseCount = 3

// ParseParticipantIndex extracts the numeric index from ids like "P01".
func ParseParticipantIndex(participantID string) (int, error) {
	if len(participantID) < 2 {
		return 0, fmt.Errorf("participant id %q too short", participantID)
	}
	n, err := strconv.Atoi(strings.TrimSpace(participantID[1:]))
	if err != nil {
		return 0, fmt.Errorf("participant id %q: %w", participantID, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("participant id %q must end in a positive number", participantID)
	}
	return n, nil
}

// GroupFor assigns odd participant numbers to group A, even to group B.
func GroupFor(participantID string) (domain.Group, error) {
	n, err := ParseParticipantIndex(participantID)
	if err != nil {
		return "", err
	}
	if n%2 == 1 {
		return domain.GroupA, nil
	}
	return domain.GroupB, nil
}

// PhaseModes returns the mode for each of the three phases, in order.
// Both groups start at baseline and end at hitl_full; the middle phase
// isolates the retrieval (A) or generation (B) checkpoint.
func PhaseModes(group domain.Group) []domain.Mode {
	if group == domain.GroupA {
		return []domain.Mode{domain.ModeBaseline, domain.ModeHITLR, domain.ModeHITLFull}
	}
	return []domain.Mode{domain.ModeBaseline, domain.ModeHITLG, domain.ModeHITLFull}
}

// ModeForPhase returns the mode for a 1-based phase number.
func ModeForPhase(group domain.Group, phase int) (domain.Mode, error) {
	modes := PhaseModes(group)
	if phase < 1 || phase > len(modes) {
		return "", fmt.Errorf("phase %d out of range", phase)
	}
	return modes[phase-1], nil
}

// TickerSequence rotates the ticker list so consecutive participant pairs
// start at consecutive offsets, and returns the three tickers for the
// participant's phases.
func TickerSequence(participantID string, tickers []string) ([]string, error) {
	n, err := ParseParticipantIndex(participantID)
	if err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("no tickers configured")
	}
	offset := ((n - 1) / 2) % len(tickers)
	seq := make([]string, PhaseCount)
	for i := 0; i < PhaseCount; i++ {
		seq[i] = tickers[(offset+i)%len(tickers)]
	}
	return seq, nil
}
