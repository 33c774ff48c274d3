// Package oracle defines the decision oracle consulted once per pipeline stage.
//
// Every identifier in an oracle reply is untrusted; callers validate it against
// their own candidate sets before mutating anything.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/cogno/internal/model"
)

// ErrMalformed marks a reply that is not valid JSON or lacks required fields.
var ErrMalformed = errors.New("malformed oracle reply")

// HistoryEntry is one past reaction to a notification of a task.
type HistoryEntry struct {
	NotificationID int64
	Title          string
	ReactionText   string
	ReactedAt      time.Time
}

type ResolveInput struct {
	Now       time.Time
	Members   []model.WorkspaceMember
	Memory    string
	Diffs     []model.SourceDiff
	Tasks     []model.Task
	Orphans   []model.SourceRef
	Reactions []model.Reaction
	History   map[int64][]HistoryEntry
}

type TaskUpdate struct {
	TaskID            int64   `json:"task_id"`
	NewTitle          *string `json:"new_title"`
	NewDescription    string  `json:"new_description"`
	AssigneeMemberIDs []int64 `json:"assignee_member_ids"`
	Deadline          *string `json:"deadline"`
}

type TaskCreate struct {
	SourceType        string  `json:"source_type"`
	SourceID          string  `json:"source_id"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	AssigneeMemberIDs []int64 `json:"assignee_member_ids"`
	Deadline          *string `json:"deadline"`
}

func (c TaskCreate) Source() model.SourceRef {
	return model.SourceRef{Type: model.SourceType(c.SourceType), ID: c.SourceID}
}

type Resolution struct {
	Updates []TaskUpdate `json:"updates"`
	Creates []TaskCreate `json:"creates"`
}

// Rules are the scheduling constraints described to the generator. They are enforced
// again locally whatever the reply says.
type Rules struct {
	Timezone       string
	MinLeadMin     int
	QuietStartHour int
	QuietEndHour   int
	SpacingMin     int
	MaxPerTask     int
	MaxPerRun      int
}

type GenerateInput struct {
	Now    time.Time
	Memory string
	Tasks  []model.Task
	Rules  Rules
}

type Draft struct {
	TaskID          int64                 `json:"task_id"`
	Title           string                `json:"title"`
	Body            string                `json:"body"`
	DueDate         string                `json:"due_date"`
	ReactionChoices model.ReactionChoices `json:"reaction_choices"`
	ReactedAt       *string               `json:"reacted_at"`
}

type Drafts struct {
	Notifications []Draft `json:"notifications"`
}

type ConsolidateInput struct {
	Now      time.Time
	Memory   string
	Existing []model.Notification
	New      []model.Notification
}

type Deletion struct {
	NotificationID int64  `json:"notification_id"`
	Reason         string `json:"reason"`
}

type Merge struct {
	NotificationID int64   `json:"notification_id"`
	AbsorbIDs      []int64 `json:"absorb_ids"`
	NewTitle       string  `json:"new_title"`
	NewBody        string  `json:"new_body"`
	NewDueDate     *string `json:"new_due_date"`
	Reason         string  `json:"reason"`
}

type Consolidation struct {
	Delete        []Deletion `json:"delete"`
	MergeOrUpdate []Merge    `json:"merge_or_update"`
}

// MemberRollup is a member with the open tasks assigned to them.
type MemberRollup struct {
	Member model.WorkspaceMember
	Tasks  []model.Task
	More   int // assigned tasks not listed
}

type SummarizeInput struct {
	Now          time.Time
	Current      string
	Members      []MemberRollup
	Events       string
	Schedule     []model.Notification
	TasksCreated int
	TasksUpdated int
	MaxChars     int
}

type Summary struct {
	Content string `json:"content"`
}

type TaskResolver interface {
	ResolveTasks(ctx context.Context, in ResolveInput) (Resolution, error)
}

type NotificationGenerator interface {
	GenerateNotifications(ctx context.Context, in GenerateInput) (Drafts, error)
}

type NotificationConsolidator interface {
	ConsolidateNotifications(ctx context.Context, in ConsolidateInput) (Consolidation, error)
}

type MemorySummarizer interface {
	SummarizeMemory(ctx context.Context, in SummarizeInput) (Summary, error)
}

// Set bundles the four stage oracles handed to the pipeline.
type Set struct {
	Resolver     TaskResolver
	Generator    NotificationGenerator
	Consolidator NotificationConsolidator
	Summarizer   MemorySummarizer
}

// NewSet uses one implementation for every stage.
func NewSet[T interface {
	TaskResolver
	NotificationGenerator
	NotificationConsolidator
	MemorySummarizer
}](impl T) Set {
	return Set{Resolver: impl, Generator: impl, Consolidator: impl, Summarizer: impl}
}
