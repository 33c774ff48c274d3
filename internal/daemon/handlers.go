package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/pipeline"
	"github.com/msageha/cogno/internal/store"
	"github.com/msageha/cogno/internal/uds"
)

// pipelineCommandTimeout matches the client's default wait.
const pipelineCommandTimeout = 5 * time.Minute

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(uds.PingResult{Version: Version, StartedAt: d.startedAt, DataDir: d.dataDir})
	})
	d.server.Handle(uds.CommandShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.log(pipeline.LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	// Pipeline commands may wait behind another run of the same workspace.
	long := uds.WithTimeout(pipelineCommandTimeout)
	d.server.Handle(uds.CommandProcess, d.guard(d.handleProcess), long)
	d.server.Handle(uds.CommandReact, d.guard(d.handleReact), long)
	d.server.Handle(uds.CommandMemoryGet, d.guard(d.handleMemoryGet))
	d.server.Handle(uds.CommandMemoryPut, d.guard(d.handleMemoryPut))
	d.server.Handle(uds.CommandSync, d.guard(d.handleSync), long)
	d.server.Handle(uds.CommandMemberPut, d.guard(d.handleMemberPut))
	d.server.Handle(uds.CommandNotePut, d.guard(d.handleNotePut))
}

// guard rejects work once shutdown has begun.
func (d *Daemon) guard(h uds.HandlerFunc) uds.HandlerFunc {
	return func(ctx context.Context, req *uds.Request) *uds.Response {
		if d.ctx.Err() != nil {
			return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
		}
		return h(ctx, req)
	}
}

func validation(format string, args ...any) *uds.Response {
	return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf(format, args...))
}

// errorResponse maps store sentinels onto protocol error codes.
func errorResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}

func (d *Daemon) handleProcess(ctx context.Context, req *uds.Request) *uds.Response {
	var batch model.EventBatch
	if err := req.DecodeParams(&batch); err != nil {
		return validation("%v", err)
	}
	if batch.WorkspaceID <= 0 {
		return validation("workspace_id is required")
	}
	switch batch.Mode {
	case "", model.ModeSingle, model.ModeBatch:
	default:
		return validation("unknown mode %q", batch.Mode)
	}
	summary, err := d.orch.Run(ctx, pipeline.Request{
		WorkspaceID: batch.WorkspaceID,
		Mode:        batch.Mode,
		Events:      model.Unwrap(batch.Events),
		Trigger:     "uds",
	})
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(summary)
}

func (d *Daemon) handleReact(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.ReactParams
	if err := req.DecodeParams(&params); err != nil {
		return validation("%v", err)
	}
	if params.NotificationID <= 0 {
		return validation("notification_id is required")
	}
	var at time.Time
	if params.ReactedAt != nil {
		at = *params.ReactedAt
	}
	summary, err := d.orch.React(ctx, params.NotificationID, params.ReactionText, at, "uds")
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(summary)
}

func (d *Daemon) handleMemoryGet(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.MemoryParams
	if err := req.DecodeParams(&params); err != nil {
		return validation("%v", err)
	}
	if params.WorkspaceID <= 0 {
		return validation("workspace_id is required")
	}
	mem, err := d.orch.Memory(ctx, params.WorkspaceID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(uds.MemoryResult{Memory: mem})
}

func (d *Daemon) handleMemoryPut(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.MemoryParams
	if err := req.DecodeParams(&params); err != nil {
		return validation("%v", err)
	}
	if params.WorkspaceID <= 0 {
		return validation("workspace_id is required")
	}
	mem, truncated, err := d.orch.PutMemory(ctx, params.WorkspaceID, params.Content)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(uds.MemoryResult{Memory: mem, Truncated: truncated})
}

func (d *Daemon) handleSync(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.SyncParams
	if err := req.DecodeParams(&params); err != nil {
		return validation("%v", err)
	}
	if params.LookbackMin < 0 {
		return validation("lookback_min must not be negative")
	}
	report, err := d.runSync(ctx, params.LookbackMin)
	if err != nil {
		return errorResponse(err)
	}
	d.writeStatus()
	return uds.SuccessResponse(report)
}

func (d *Daemon) handleMemberPut(ctx context.Context, req *uds.Request) *uds.Response {
	var m model.WorkspaceMember
	if err := req.DecodeParams(&m); err != nil {
		return validation("%v", err)
	}
	if m.WorkspaceID <= 0 {
		return validation("workspace_id is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return validation("name is required")
	}
	if m.Role == "" {
		m.Role = "member"
	}
	saved, err := d.store.PutMember(ctx, m)
	if err != nil {
		return errorResponse(err)
	}
	d.log(pipeline.LogLevelInfo, "member_put workspace=%d member=%d name=%q", saved.WorkspaceID, saved.ID, saved.Name)
	return uds.SuccessResponse(saved)
}

// NotePutResult is the note_put response; Summary is set when the pipeline ran.
type NotePutResult struct {
	Version model.NoteVersion `json:"version"`
	Summary *model.RunSummary `json:"summary,omitempty"`
}

func (d *Daemon) handleNotePut(ctx context.Context, req *uds.Request) *uds.Response {
	var params uds.NotePutParams
	if err := req.DecodeParams(&params); err != nil {
		return validation("%v", err)
	}
	v := params.Version
	if v.WorkspaceID <= 0 || v.NoteID == "" {
		return validation("version.workspace_id and version.note_id are required")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if err := d.store.RecordNoteVersion(ctx, v); err != nil {
		return errorResponse(err)
	}
	result := NotePutResult{Version: v}
	if params.Process {
		title, text := v.Title, v.Text
		summary, err := d.orch.Run(ctx, pipeline.Request{
			WorkspaceID: v.WorkspaceID,
			Mode:        model.ModeSingle,
			Events:      []model.Event{model.NoteUpdated{NoteID: v.NoteID, Diff: model.NoteDiff{Title: &title, Text: &text}}},
			Trigger:     "uds",
		})
		if err != nil {
			return errorResponse(err)
		}
		result.Summary = summary
	}
	return uds.SuccessResponse(result)
}
