// Package mailbox defines the shared per-call record the two peers use to
// exchange session descriptions and connectivity candidates.
package mailbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when no record exists for a call id.
	ErrNotFound = errors.New("mailbox: call not found")
	// ErrAlreadyExists is returned by AddCandidate when the same author has
	// already written the same candidate payload.
	ErrAlreadyExists = errors.New("mailbox: candidate already exists")
	// ErrInvalidRecord marks a description or candidate that fails to decode.
	ErrInvalidRecord = errors.New("mailbox: invalid record")
)

// Description is a session description as stored in the mailbox.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CallSession is the shared record for one call. Offer and Answer are fixed
// fields that are overwritten, never appended to. The generations count
// ICE-restart renegotiations and start at 1.
type CallSession struct {
	CallID           string       `json:"callId"`
	Offer            *Description `json:"offer,omitempty"`
	Answer           *Description `json:"answer,omitempty"`
	OfferCreatedAt   time.Time    `json:"offerCreatedAt,omitzero"`
	AnswerCreatedAt  time.Time    `json:"answerCreatedAt,omitzero"`
	OfferGeneration  int          `json:"offerGeneration,omitempty"`
	AnswerGeneration int          `json:"answerGeneration,omitempty"`
}

// Clone returns a deep copy so watchers never share a record with the store.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.Offer != nil {
		offer := *s.Offer
		out.Offer = &offer
	}
	if s.Answer != nil {
		answer := *s.Answer
		out.Answer = &answer
	}
	return &out
}

// CandidateRecord is one entry in a call's candidate list. Candidate holds a
// JSON-encoded webrtc.ICECandidateInit.
type CandidateRecord struct {
	ID        string    `json:"id"`
	Candidate string    `json:"candidate"`
	FromUser  string    `json:"fromUser"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the document-store contract every mailbox backend satisfies.
//
// Watch delivers the current record (if any) and then every change until
// cancel is called or ctx ends. WatchCandidates delivers each existing
// record once and then each newly added record once. Both channels are
// closed when the watch ends. Timestamps are assigned by the store.
type Store interface {
	Get(ctx context.Context, callID string) (*CallSession, error)
	SetOffer(ctx context.Context, callID string, d Description, generation int) error
	SetAnswer(ctx context.Context, callID string, d Description, generation int) error
	Watch(ctx context.Context, callID string) (<-chan *CallSession, func(), error)

	AddCandidate(ctx context.Context, callID string, rec CandidateRecord) error
	HasCandidate(ctx context.Context, callID, fromUser, candidate string) (bool, error)
	WatchCandidates(ctx context.Context, callID string) (<-chan CandidateRecord, func(), error)

	// Delete removes the record and all of its candidates.
	Delete(ctx context.Context, callID string) error
}

// Lister is implemented by stores that can enumerate a call's candidates
// outside of a watch. The mailbox server uses it for inspection.
type Lister interface {
	ListCandidates(ctx context.Context, callID string) ([]CandidateRecord, error)
}
