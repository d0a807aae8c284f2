// Package common holds the JSON messages exchanged over a document
// websocket. Binary payloads (fragments, snapshots) travel base64 encoded.
package common

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MsgType string

const (
	Sync      MsgType = "Sync"      // server -> client, full state on attach
	Update    MsgType = "Update"    // both ways, a CRDT fragment
	Awareness MsgType = "Awareness" // both ways, ephemeral presence
	Ack       MsgType = "Ack"       // server -> client, update merged
	Error     MsgType = "Error"     // server -> client, usually followed by close
)

// error codes
const (
	CodeUnauthorized  = "unauthorized"
	CodeReadOnly      = "read_only"
	CodeInvalidUpdate = "invalid_update"
	CodeBadMessage    = "bad_message"
	CodeSlowConsumer  = "slow_consumer"
	CodeReset         = "connection_reset"
	CodeShutdown      = "shutting_down"
	CodeUnavailable   = "room_unavailable"
)

type Message struct {
	Type MsgType `json:"type"`
	Seq  int     `json:"seq,omitempty"` // client numbering, echoed by Ack

	Update    []byte           `json:"update,omitempty"`
	Snapshot  []byte           `json:"snapshot,omitempty"`
	Awareness []AwarenessState `json:"awareness,omitempty"`
	Session   string           `json:"session,omitempty"` // id of the receiving session in Sync

	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AwarenessState is the presence of one session. A null State means the
// session left.
type AwarenessState struct {
	Session string          `json:"session"`
	User    string          `json:"user"`
	Clock   uint64          `json:"clock"`
	State   json.RawMessage `json:"state"`
}

func (a AwarenessState) Removed() bool {
	return len(a.State) == 0 || string(a.State) == "null"
}

var ErrBadMessage = errors.New("common: bad message")

// Check validates a message received from a client.
func (m *Message) Check() error {
	switch m.Type {
	case Update:
		if len(m.Update) == 0 {
			return fmt.Errorf("%w: empty update", ErrBadMessage)
		}
	case Awareness:
		if len(m.Awareness) != 1 {
			return fmt.Errorf("%w: awareness carries exactly one state", ErrBadMessage)
		}
	default:
		return fmt.Errorf("%w: unexpected type %q", ErrBadMessage, m.Type)
	}
	return nil
}

func NewError(code, reason string) Message {
	return Message{Type: Error, Code: code, Reason: reason}
}
