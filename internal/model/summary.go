package model

import "time"

type RunStatus string

const (
	RunStatusOK       RunStatus = "ok"
	RunStatusNoop     RunStatus = "noop"
	RunStatusDegraded RunStatus = "degraded"
)

type Stage string

const (
	StageNormalize   Stage = "normalize"
	StageResolve     Stage = "resolve"
	StageGenerate    Stage = "generate"
	StageConsolidate Stage = "consolidate"
	StageSummarize   Stage = "summarize"
)

type IssueKind string

const (
	IssueInvalidRef   IssueKind = "invalid_ref"
	IssueCrossMember  IssueKind = "cross_member"
	IssueFallback     IssueKind = "fallback"
	IssueOracle       IssueKind = "oracle_error"
	IssuePersistence  IssueKind = "persistence"
	IssueNoMembers    IssueKind = "no_members"
	IssueDroppedDraft IssueKind = "dropped_draft"
	IssueTruncated    IssueKind = "truncated"
)

// Issue records an item the pipeline corrected, skipped or failed to persist.
type Issue struct {
	Stage   Stage     `json:"stage" yaml:"stage"`
	Kind    IssueKind `json:"kind" yaml:"kind"`
	Ref     string    `json:"ref,omitempty" yaml:"ref,omitempty"`
	Message string    `json:"message" yaml:"message"`
}

type TaskAction string

const (
	TaskCreated TaskAction = "created"
	TaskUpdated TaskAction = "updated"
)

type TaskDetail struct {
	TaskID     int64      `json:"task_id" yaml:"task_id"`
	Action     TaskAction `json:"action" yaml:"action"`
	Title      string     `json:"title" yaml:"title"`
	SourceType SourceType `json:"source_type" yaml:"source_type"`
	SourceID   string     `json:"source_id" yaml:"source_id"`
	Assignees  []int64    `json:"assignee_member_ids" yaml:"assignee_member_ids"`
	Status     TaskStatus `json:"status" yaml:"status"`
}

type NotificationDetail struct {
	NotificationID    int64     `json:"notification_id" yaml:"notification_id"`
	TaskID            int64     `json:"task_id" yaml:"task_id"`
	WorkspaceMemberID int64     `json:"workspace_member_id" yaml:"workspace_member_id"`
	Title             string    `json:"title" yaml:"title"`
	Body              string    `json:"body" yaml:"body"`
	DueDate           time.Time `json:"due_date" yaml:"due_date"`
}

type DeletionDetail struct {
	NotificationID int64  `json:"notification_id" yaml:"notification_id"`
	Reason         string `json:"reason" yaml:"reason"`
}

type UpdateDetail struct {
	NotificationID int64     `json:"notification_id" yaml:"notification_id"`
	AbsorbedIDs    []int64   `json:"absorbed_ids,omitempty" yaml:"absorbed_ids,omitempty"`
	Title          string    `json:"title" yaml:"title"`
	Body           string    `json:"body" yaml:"body"`
	DueDate        time.Time `json:"due_date" yaml:"due_date"`
	Reason         string    `json:"reason" yaml:"reason"`
}

// RunSummary is the aggregate result of one pipeline run.
type RunSummary struct {
	RunID                string               `json:"run_id" yaml:"run_id"`
	WorkspaceID          int64                `json:"workspace_id" yaml:"workspace_id"`
	Mode                 RunMode              `json:"mode" yaml:"mode"`
	Status               RunStatus            `json:"status" yaml:"status"`
	TasksCreated         int                  `json:"tasks_created" yaml:"tasks_created"`
	TasksUpdated         int                  `json:"tasks_updated" yaml:"tasks_updated"`
	NotificationsCreated int                  `json:"notifications_created" yaml:"notifications_created"`
	NotificationsDeleted int                  `json:"notifications_deleted" yaml:"notifications_deleted"`
	NotificationsUpdated int                  `json:"notifications_updated" yaml:"notifications_updated"`
	MemoryUpdated        bool                 `json:"memory_updated" yaml:"memory_updated"`
	TaskDetails          []TaskDetail         `json:"task_details,omitempty" yaml:"task_details,omitempty"`
	CreatedDetails       []NotificationDetail `json:"created_details,omitempty" yaml:"created_details,omitempty"`
	DeletedDetails       []DeletionDetail     `json:"deleted_details,omitempty" yaml:"deleted_details,omitempty"`
	UpdatedDetails       []UpdateDetail       `json:"updated_details,omitempty" yaml:"updated_details,omitempty"`
	FinalSchedule        []NotificationDetail `json:"final_schedule,omitempty" yaml:"final_schedule,omitempty"`
	Issues               []Issue              `json:"issues,omitempty" yaml:"issues,omitempty"`
	MemoryContent        string               `json:"memory_content,omitempty" yaml:"memory_content,omitempty"`
	StartedAt            time.Time            `json:"started_at" yaml:"started_at"`
	FinishedAt           time.Time            `json:"finished_at" yaml:"finished_at"`
}

func (s *RunSummary) AddIssue(stage Stage, kind IssueKind, ref, msg string) {
	s.Issues = append(s.Issues, Issue{Stage: stage, Kind: kind, Ref: ref, Message: msg})
}
