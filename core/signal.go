package core

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ValidateDescription checks that sd is a parseable session description of the wanted type.
func ValidateDescription(sd *webrtc.SessionDescription, want webrtc.SDPType) error {
	if sd == nil {
		return errors.Join(ErrInvalidSignal, errors.New("missing session description"))
	}
	if sd.Type != want {
		return errors.Join(ErrInvalidSignal, fmt.Errorf("expected %s, got %s", want, sd.Type))
	}
	if _, err := sd.Unmarshal(); err != nil {
		return errors.Join(ErrInvalidSignal, fmt.Errorf("parse sdp: %w", err))
	}
	return nil
}

// ValidateCandidate checks an ICE candidate before it is relayed.
// An empty candidate string is the end-of-candidates marker and is allowed.
func ValidateCandidate(c *webrtc.ICECandidateInit) error {
	if c == nil {
		return errors.Join(ErrInvalidSignal, errors.New("missing candidate"))
	}
	if c.Candidate != "" && c.SDPMid == nil && c.SDPMLineIndex == nil {
		return errors.Join(ErrInvalidSignal, errors.New("candidate has neither sdpMid nor sdpMLineIndex"))
	}
	return nil
}
