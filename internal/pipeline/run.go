package pipeline

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/msageha/cogno/internal/model"
)

// run is the mutable state of one pipeline execution. It is only touched by
// the goroutine executing the run.
type run struct {
	id          string
	workspaceID int64
	mode        model.RunMode
	now         time.Time
	members     []model.WorkspaceMember
	memory      string
	summary     *model.RunSummary
	metrics     *Metrics
	degraded    bool
}

// reject records a corrected or dropped oracle decision.
func (r *run) reject(stage model.Stage, kind model.IssueKind, ref, msg string) {
	r.summary.AddIssue(stage, kind, ref, msg)
	r.metrics.rejectedRef(stage, kind)
}

// fail records a stage or item failure. The run finishes degraded.
func (r *run) fail(stage model.Stage, err error) {
	kind := model.IssuePersistence
	ref := ""
	switch e := err.(type) {
	case *OracleError:
		kind = model.IssueOracle
		r.metrics.oracleFailed(stage)
	case *PersistenceError:
		ref = e.Ref
	}
	if errors.Is(err, ErrNoMembers) {
		kind = model.IssueNoMembers
	}
	r.summary.AddIssue(stage, kind, ref, err.Error())
	r.degraded = true
}

func (r *run) member(id int64) (model.WorkspaceMember, bool) {
	for _, m := range r.members {
		if m.ID == id {
			return m, true
		}
	}
	return model.WorkspaceMember{}, false
}

// callOracle bounds one oracle call by timeout and wraps any failure in an OracleError.
func callOracle[T any](ctx context.Context, stage model.Stage, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, &OracleError{Stage: stage, Err: err}
	}
	return out, nil
}

func idRef(id int64) string { return strconv.FormatInt(id, 10) }
