package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"
)

type EventType string

const (
	EventNoteUpdated         EventType = "note_updated"
	EventChatMessage         EventType = "chat_message"
	EventNotificationReacted EventType = "notification_reacted"
)

// Event is one inbound change. The concrete types are NoteUpdated, ChatMessage
// and NotificationReacted.
type Event interface {
	EventType() EventType
}

type NoteDiff struct {
	Title *string `json:"title,omitempty" yaml:"title,omitempty"`
	Text  *string `json:"text,omitempty" yaml:"text,omitempty"`
}

type NoteUpdated struct {
	NoteID string   `json:"note_id" yaml:"note_id"`
	Diff   NoteDiff `json:"diff" yaml:"diff"`
}

func (NoteUpdated) EventType() EventType { return EventNoteUpdated }

type ChatDiff struct {
	Content string `json:"content" yaml:"content"`
	Role    string `json:"role" yaml:"role"`
}

type ChatMessage struct {
	ThreadID  string   `json:"thread_id" yaml:"thread_id"`
	MessageID string   `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	Diff      ChatDiff `json:"diff" yaml:"diff"`
}

func (ChatMessage) EventType() EventType { return EventChatMessage }

type NotificationReacted struct {
	NotificationID int64     `json:"notification_id" yaml:"notification_id"`
	ReactionText   *string   `json:"reaction_text,omitempty" yaml:"reaction_text,omitempty"`
	ReactedAt      time.Time `json:"reacted_at" yaml:"reacted_at"`
}

func (NotificationReacted) EventType() EventType { return EventNotificationReacted }

// Envelope carries an Event with its event_type tag on the wire.
type Envelope struct {
	Event Event
}

func Wrap(events ...Event) []Envelope {
	out := make([]Envelope, len(events))
	for i, ev := range events {
		out[i] = Envelope{Event: ev}
	}
	return out
}

func Unwrap(envs []Envelope) []Event {
	out := make([]Event, 0, len(envs))
	for _, env := range envs {
		if env.Event != nil {
			out = append(out, env.Event)
		}
	}
	return out
}

func newEvent(t EventType) (Event, error) {
	switch t {
	case EventNoteUpdated:
		return &NoteUpdated{}, nil
	case EventChatMessage:
		return &ChatMessage{}, nil
	case EventNotificationReacted:
		return &NotificationReacted{}, nil
	case "":
		return nil, fmt.Errorf("event_type is required")
	default:
		return nil, fmt.Errorf("unknown event_type %q", t)
	}
}

// deref stores value types in the envelope so type switches match on NoteUpdated, not *NoteUpdated.
func deref(ev Event) Event {
	switch v := ev.(type) {
	case *NoteUpdated:
		return *v
	case *ChatMessage:
		return *v
	case *NotificationReacted:
		return *v
	}
	return ev
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("marshal envelope: nil event")
	}
	raw, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(raw, "event_type", string(e.Event.EventType()))
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	ev, err := newEvent(EventType(gjson.GetBytes(data, "event_type").String()))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return fmt.Errorf("decode %s: %w", ev.EventType(), err)
	}
	e.Event = deref(ev)
	return nil
}

func (e Envelope) MarshalYAML() (any, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("marshal envelope: nil event")
	}
	var n yaml.Node
	if err := n.Encode(e.Event); err != nil {
		return nil, err
	}
	tag := []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "event_type"},
		{Kind: yaml.ScalarNode, Value: string(e.Event.EventType())},
	}
	n.Content = append(tag, n.Content...)
	return &n, nil
}

func (e *Envelope) UnmarshalYAML(node *yaml.Node) error {
	var probe struct {
		EventType EventType `yaml:"event_type"`
	}
	if err := node.Decode(&probe); err != nil {
		return err
	}
	ev, err := newEvent(probe.EventType)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if err := node.Decode(ev); err != nil {
		return fmt.Errorf("decode %s: %w", probe.EventType, err)
	}
	e.Event = deref(ev)
	return nil
}

type RunMode string

const (
	ModeSingle RunMode = "single"
	ModeBatch  RunMode = "batch"
)

const (
	EventBatchFileType      = "event_batch"
	EventBatchSchemaVersion = 1
)

// EventBatch is the on-disk inbox format and the UDS process payload.
type EventBatch struct {
	SchemaVersion int        `json:"schema_version,omitempty" yaml:"schema_version"`
	FileType      string     `json:"file_type,omitempty" yaml:"file_type"`
	WorkspaceID   int64      `json:"workspace_id" yaml:"workspace_id"`
	Mode          RunMode    `json:"mode,omitempty" yaml:"mode,omitempty"`
	Events        []Envelope `json:"events" yaml:"events"`
}
