package pipeline

import (
	"errors"
	"fmt"

	"github.com/msageha/cogno/internal/model"
)

var (
	// ErrEmptyEvent means normalization produced neither diffs nor reactions.
	ErrEmptyEvent = errors.New("no source diffs or reactions to process")
	// ErrNoMembers means the workspace has no members to assign tasks to.
	ErrNoMembers = errors.New("workspace has no members")
)

// ReferenceError is an oracle-returned identifier outside the stage's candidate set.
type ReferenceError struct {
	Stage  model.Stage
	Field  string // e.g. "task_id", "source", "notification_id"
	Value  string
	Reason string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("%s: invalid %s %s: %s", e.Stage, e.Field, e.Value, e.Reason)
}

// OracleError is a failed or malformed oracle call. The stage yields nothing.
type OracleError struct {
	Stage model.Stage
	Err   error
}

func (e *OracleError) Error() string { return fmt.Sprintf("%s: oracle: %v", e.Stage, e.Err) }

func (e *OracleError) Unwrap() error { return e.Err }

// CrossMemberError is a merge that would combine notifications of different recipients.
type CrossMemberError struct {
	TargetID     int64
	TargetMember int64
	AbsorbID     int64
	AbsorbMember int64
}

func (e *CrossMemberError) Error() string {
	return fmt.Sprintf("merge into notification %d (member %d) would absorb notification %d of member %d",
		e.TargetID, e.TargetMember, e.AbsorbID, e.AbsorbMember)
}

// PersistenceError is a failed store write or read for one item.
type PersistenceError struct {
	Stage model.Stage
	Op    string
	Ref   string
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Stage, e.Op, e.Ref, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
