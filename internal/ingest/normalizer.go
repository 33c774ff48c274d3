// Package ingest turns inbound events into the source diffs and reactions a pipeline run consumes.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/store"
)

// ChatRoleUser is the only chat role that carries user intent.
const ChatRoleUser = "user"

// Batch is the normalized input of one run.
type Batch struct {
	Diffs     []model.SourceDiff
	Reactions []model.Reaction
	// Dropped lists events that were skipped, in human readable form.
	Dropped []string
}

func (b Batch) Empty() bool { return len(b.Diffs) == 0 && len(b.Reactions) == 0 }

type Normalizer struct {
	notifications store.NotificationStore
}

func NewNormalizer(notifications store.NotificationStore) *Normalizer {
	return &Normalizer{notifications: notifications}
}

// Normalize classifies events into diffs and reactions. Diffs of one source are
// coalesced in arrival order: note fields are overwritten by later events, chat
// contents are joined line by line. A repeated reaction to the same notification
// keeps the last one. Reactions to unknown notifications, or to notifications of
// another workspace, are dropped.
func (n *Normalizer) Normalize(ctx context.Context, workspaceID int64, events []model.Event) (Batch, error) {
	var batch Batch
	diffIndex := make(map[model.SourceRef]int)
	var reacted []model.NotificationReacted
	reactionIndex := make(map[int64]int)

	for _, ev := range events {
		switch e := ev.(type) {
		case model.NoteUpdated:
			if e.NoteID == "" || (e.Diff.Title == nil && e.Diff.Text == nil) {
				batch.Dropped = append(batch.Dropped, "note_updated without note_id or diff")
				continue
			}
			ref := model.SourceRef{Type: model.SourceNote, ID: e.NoteID}
			i, ok := diffIndex[ref]
			if !ok {
				i = len(batch.Diffs)
				diffIndex[ref] = i
				batch.Diffs = append(batch.Diffs, model.SourceDiff{SourceType: ref.Type, SourceID: ref.ID})
			}
			if e.Diff.Title != nil {
				batch.Diffs[i].Title = ptr(*e.Diff.Title)
			}
			if e.Diff.Text != nil {
				batch.Diffs[i].Content = ptr(*e.Diff.Text)
			}
		case model.ChatMessage:
			if e.Diff.Role != ChatRoleUser {
				batch.Dropped = append(batch.Dropped, fmt.Sprintf("chat_message thread=%s role=%q", e.ThreadID, e.Diff.Role))
				continue
			}
			if e.ThreadID == "" || strings.TrimSpace(e.Diff.Content) == "" {
				batch.Dropped = append(batch.Dropped, "chat_message without thread_id or content")
				continue
			}
			ref := model.SourceRef{Type: model.SourceChat, ID: e.ThreadID}
			i, ok := diffIndex[ref]
			if !ok {
				diffIndex[ref] = len(batch.Diffs)
				batch.Diffs = append(batch.Diffs, model.SourceDiff{SourceType: ref.Type, SourceID: ref.ID, Content: ptr(e.Diff.Content)})
				continue
			}
			joined := *batch.Diffs[i].Content + "\n" + e.Diff.Content
			batch.Diffs[i].Content = &joined
		case model.NotificationReacted:
			if i, ok := reactionIndex[e.NotificationID]; ok {
				reacted[i] = e
				continue
			}
			reactionIndex[e.NotificationID] = len(reacted)
			reacted = append(reacted, e)
		case nil:
			batch.Dropped = append(batch.Dropped, "nil event")
		default:
			batch.Dropped = append(batch.Dropped, fmt.Sprintf("unsupported event %T", ev))
		}
	}

	if len(reacted) == 0 {
		return batch, nil
	}
	ids := make([]int64, len(reacted))
	for i, r := range reacted {
		ids[i] = r.NotificationID
	}
	found, err := n.notifications.FindNotificationsByIDs(ctx, ids)
	if err != nil {
		return Batch{}, fmt.Errorf("look up reacted notifications: %w", err)
	}
	byID := make(map[int64]model.Notification, len(found))
	for _, ntf := range found {
		byID[ntf.ID] = ntf
	}
	for _, r := range reacted {
		ntf, ok := byID[r.NotificationID]
		if !ok || ntf.WorkspaceID != workspaceID {
			batch.Dropped = append(batch.Dropped, fmt.Sprintf("notification_reacted notification_id=%d: unknown notification", r.NotificationID))
			continue
		}
		var text *string
		if r.ReactionText != nil {
			text = ptr(*r.ReactionText)
		}
		batch.Reactions = append(batch.Reactions, model.Reaction{
			NotificationID:    ntf.ID,
			TaskID:            ntf.TaskID,
			NotificationTitle: ntf.Title,
			ReactionText:      text,
		})
	}
	return batch, nil
}

func ptr[T any](v T) *T { return &v }
