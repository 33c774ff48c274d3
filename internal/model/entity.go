package model

import (
	"slices"
	"time"
)

type SourceType string

const (
	SourceNote SourceType = "note"
	SourceChat SourceType = "chat"
)

// SourceRef identifies the external content a task is derived from.
type SourceRef struct {
	Type SourceType `json:"source_type" yaml:"source_type"`
	ID   string     `json:"source_id" yaml:"source_id"`
}

func (r SourceRef) String() string {
	return string(r.Type) + ":" + r.ID
}

type Task struct {
	ID          int64      `json:"id" yaml:"id"`
	WorkspaceID int64      `json:"workspace_id" yaml:"workspace_id"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description" yaml:"description"`
	SourceType  SourceType `json:"source_type" yaml:"source_type"`
	SourceID    string     `json:"source_id" yaml:"source_id"`
	Assignees   []int64    `json:"assignee_member_ids" yaml:"assignee_member_ids"`
	Status      TaskStatus `json:"status" yaml:"status"`
	Deadline    *time.Time `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at"`
}

func (t Task) Source() SourceRef {
	return SourceRef{Type: t.SourceType, ID: t.SourceID}
}

func (t Task) AssignedTo(memberID int64) bool {
	return slices.Contains(t.Assignees, memberID)
}

// ReactionChoices distinguishes three shapes: nil (no reaction requested),
// empty (free-text reaction) and a fixed option list.
type ReactionChoices []string

func (c ReactionChoices) Requested() bool { return c != nil }

// Notification has exactly one recipient. WorkspaceMemberID never changes after creation.
//
// ReactedAt holds the expected reaction deadline while the row is scheduled and the
// actual reaction time once ReactionText has been recorded.
type Notification struct {
	ID                int64              `json:"id" yaml:"id"`
	TaskID            int64              `json:"task_id" yaml:"task_id"`
	WorkspaceID       int64              `json:"workspace_id" yaml:"workspace_id"`
	WorkspaceMemberID int64              `json:"workspace_member_id" yaml:"workspace_member_id"`
	Title             string             `json:"title" yaml:"title"`
	Body              string             `json:"body" yaml:"body"`
	DueDate           time.Time          `json:"due_date" yaml:"due_date"`
	ReactionChoices   ReactionChoices    `json:"reaction_choices" yaml:"reaction_choices"`
	ReactionText      *string            `json:"reaction_text,omitempty" yaml:"reaction_text,omitempty"`
	ReactedAt         *time.Time         `json:"reacted_at,omitempty" yaml:"reacted_at,omitempty"`
	Status            NotificationStatus `json:"status" yaml:"status"`
	CreatedAt         time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" yaml:"updated_at"`
}

type WorkingMemory struct {
	ID          int64     `json:"id" yaml:"id"`
	WorkspaceID int64     `json:"workspace_id" yaml:"workspace_id"`
	Content     string    `json:"content" yaml:"content"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

type WorkspaceMember struct {
	ID          int64  `json:"id" yaml:"id"`
	WorkspaceID int64  `json:"workspace_id" yaml:"workspace_id"`
	UserID      string `json:"user_id" yaml:"user_id"`
	Role        string `json:"role" yaml:"role"`
	Name        string `json:"name" yaml:"name"`
}

// NoteVersion is one saved revision of a note, as seen by the sync poller.
type NoteVersion struct {
	NoteID      string    `json:"note_id" yaml:"note_id"`
	WorkspaceID int64     `json:"workspace_id" yaml:"workspace_id"`
	Title       string    `json:"title" yaml:"title"`
	Text        string    `json:"text" yaml:"text"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// SourceDiff is a normalized incremental change from a note or chat thread.
type SourceDiff struct {
	SourceType SourceType `json:"source_type" yaml:"source_type"`
	SourceID   string     `json:"source_id" yaml:"source_id"`
	Title      *string    `json:"title,omitempty" yaml:"title,omitempty"`
	Content    *string    `json:"content,omitempty" yaml:"content,omitempty"`
}

func (d SourceDiff) Source() SourceRef {
	return SourceRef{Type: d.SourceType, ID: d.SourceID}
}

// Reaction is a user's response to a delivered notification. A nil ReactionText means ignored.
type Reaction struct {
	NotificationID    int64   `json:"notification_id" yaml:"notification_id"`
	TaskID            int64   `json:"task_id" yaml:"task_id"`
	NotificationTitle string  `json:"notification_title,omitempty" yaml:"notification_title,omitempty"`
	ReactionText      *string `json:"reaction_text,omitempty" yaml:"reaction_text,omitempty"`
}
