package mailbox

import (
	"encoding/json"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// FromSessionDescription converts a pion description into its stored form.
func FromSessionDescription(sd webrtc.SessionDescription) Description {
	return Description{Type: sd.Type.String(), SDP: sd.SDP}
}

// SessionDescription converts a stored description back into pion's type.
// It does not validate the SDP body; see ValidateDescription.
func (d Description) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

// ValidateDescription checks that d has the expected type and that its body
// parses as SDP with at least one media section.
func ValidateDescription(d *Description, want webrtc.SDPType) error {
	if d == nil {
		return fmt.Errorf("%w: missing %s", ErrInvalidRecord, want)
	}
	if got := webrtc.NewSDPType(d.Type); got != want {
		return fmt.Errorf("%w: description type %q, want %q", ErrInvalidRecord, d.Type, want)
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidRecord, want, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: %s has no media sections", ErrInvalidRecord, want)
	}
	return nil
}

// EncodeCandidate serializes a candidate for storage.
func EncodeCandidate(c webrtc.ICECandidateInit) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode candidate: %w", err)
	}
	return string(b), nil
}

// DecodeCandidate parses a stored candidate payload.
func DecodeCandidate(payload string) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("%w: decode candidate: %v", ErrInvalidRecord, err)
	}
	if c.Candidate == "" {
		return c, fmt.Errorf("%w: empty candidate", ErrInvalidRecord)
	}
	return c, nil
}
