// Package uds is the length-prefixed JSON protocol between the cogno CLI and daemon.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/msageha/cogno/internal/model"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the data directory.
const DefaultSocketName = "cogno.sock"

const maxFrameSize = 10 * 1024 * 1024

const (
	CommandPing      = "ping"
	CommandProcess   = "process" // params: model.EventBatch
	CommandReact     = "react"
	CommandMemoryGet = "memory_get"
	CommandMemoryPut = "memory_put"
	CommandSync      = "sync"
	CommandMemberPut = "member_put" // params: model.WorkspaceMember
	CommandNotePut   = "note_put"
	CommandShutdown  = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string { return e.Code + ": " + e.Message }

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
)

// ReactParams records a reaction; a nil ReactionText means the notification was ignored.
type ReactParams struct {
	NotificationID int64      `json:"notification_id"`
	ReactionText   *string    `json:"reaction_text,omitempty"`
	ReactedAt      *time.Time `json:"reacted_at,omitempty"`
}

type MemoryParams struct {
	WorkspaceID int64  `json:"workspace_id"`
	Content     string `json:"content,omitempty"`
}

type MemoryResult struct {
	Memory    model.WorkingMemory `json:"memory"`
	Truncated bool                `json:"truncated,omitempty"`
}

type SyncParams struct {
	// LookbackMin overrides sync.lookback_min when positive.
	LookbackMin int `json:"lookback_min,omitempty"`
}

type NotePutParams struct {
	Version model.NoteVersion `json:"version"`
	// Process also runs the pipeline for the new version.
	Process bool `json:"process,omitempty"`
}

type PingResult struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	DataDir   string    `json:"data_dir"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request params into v. Missing params leave v untouched.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

// WriteFrame writes [4-byte big-endian length][JSON payload].
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
