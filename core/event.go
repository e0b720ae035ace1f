package core

import (
	"encoding/json"
	"fmt"
	"io"
)

// Frame events exchanged on the realtime socket.
const (
	// client to server
	JoinEvent    = "join"
	LeaveEvent   = "leave"
	TrackEvent   = "track"
	UntrackEvent = "untrack"

	// server to client
	ReplyEvent         = "reply"
	PresenceStateEvent = "presence_state"
	ChangesEvent       = "postgres_changes"
)

// PresenceUserIDKey is the presence payload field the broker fills with the
// user of the socket. Clients cannot announce anyone else.
const PresenceUserIDKey = "user_id"

const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// Frame is the unit of the realtime protocol.
// Every frame belongs to a topic; one socket multiplexes many topics.
// Frames sent by the client carry a Ref that the server echoes in its reply.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     int             `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{Topic: %s, Event: %s, Ref: %d, Payload.Size: %d}", f.Topic, f.Event, f.Ref, len(f.Payload))
}

func NewFrame(topic, event string, ref int, payload any) (*Frame, error) {
	f := &Frame{Topic: topic, Event: event, Ref: ref}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal frame payload: %w", err)
		}
		f.Payload = b
	}
	return f, nil
}

func EncodeFrame(w io.Writer, f *Frame) error {
	if err := json.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

func DecodeFrame(r io.Reader, f *Frame) error {
	if err := json.NewDecoder(r).Decode(f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

type JoinPayload struct {
	Bindings []ChangeBinding `json:"bindings"`
}

type ReplyPayload struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ChangesPayload struct {
	// IDs are the binding IDs of the channel that matched the change.
	IDs    []int  `json:"ids"`
	Change Change `json:"change"`
}

// PresenceMeta is one tracked payload, for example {"user_id": "..."}.
type PresenceMeta map[string]any

// PresenceState maps a presence key, one per tracking connection, to its tracked payloads.
// It is always delivered whole, never as a diff.
type PresenceState map[string][]PresenceMeta
