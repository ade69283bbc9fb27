// Package signaling serves the call mailbox over websocket and provides the
// matching client, so peers on different hosts can share one mailbox.
package signaling

import (
	"errors"

	"github.com/1ureka/duet/internal/mailbox"
)

// MessageType identifies the kind of message on the mailbox websocket.
type MessageType string

// Requests, sent by the client. Each carries a Seq echoed in the result.
const (
	MsgGet             MessageType = "get"
	MsgSetOffer        MessageType = "set-offer"
	MsgSetAnswer       MessageType = "set-answer"
	MsgWatch           MessageType = "watch"
	MsgWatchCandidates MessageType = "watch-candidates"
	MsgUnwatch         MessageType = "unwatch"
	MsgAddCandidate    MessageType = "add-candidate"
	MsgHasCandidate    MessageType = "has-candidate"
	MsgDelete          MessageType = "delete"
)

// Server to client. Events carry the Sub of the watch they belong to.
const (
	MsgResult    MessageType = "result"
	MsgSession   MessageType = "session"
	MsgCandidate MessageType = "candidate"
	MsgWatchEnd  MessageType = "watch-end"
)

// Error codes carried in a result so the client can restore the sentinel.
const (
	codeNotFound      = "not-found"
	codeAlreadyExists = "already-exists"
	codeInvalid       = "invalid"
)

// Message is the JSON structure exchanged over the websocket.
type Message struct {
	Type MessageType `json:"type"`
	Seq  uint32      `json:"seq,omitempty"`
	Sub  uint32      `json:"sub,omitempty"`

	CallID      string                   `json:"callId,omitempty"`
	Description *mailbox.Description     `json:"description,omitempty"`
	Generation  int                      `json:"generation,omitempty"`
	Record      *mailbox.CandidateRecord `json:"record,omitempty"`
	Session     *mailbox.CallSession     `json:"session,omitempty"`
	Exists      bool                     `json:"exists,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, mailbox.ErrNotFound):
		return codeNotFound
	case errors.Is(err, mailbox.ErrAlreadyExists):
		return codeAlreadyExists
	case errors.Is(err, mailbox.ErrInvalidRecord):
		return codeInvalid
	default:
		return ""
	}
}

// resultError rebuilds the error carried by a result message.
func resultError(m Message) error {
	if m.Error == "" {
		return nil
	}
	var sentinel error
	switch m.Code {
	case codeNotFound:
		sentinel = mailbox.ErrNotFound
	case codeAlreadyExists:
		sentinel = mailbox.ErrAlreadyExists
	case codeInvalid:
		sentinel = mailbox.ErrInvalidRecord
	default:
		return &RemoteError{Message: m.Error}
	}
	return errors.Join(sentinel, &RemoteError{Message: m.Error})
}

// RemoteError is a failure reported by the mailbox server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "mailbox server: " + e.Message }
