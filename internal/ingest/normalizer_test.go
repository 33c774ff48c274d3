package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/store"
	"github.com/msageha/cogno/internal/store/memstore"
)

func strp(s string) *string { return &s }

func seed(t *testing.T, s *memstore.Store, ws int64) model.Notification {
	t.Helper()
	ctx := context.Background()
	task, _, err := s.CreateTask(ctx, model.Task{WorkspaceID: ws, Title: "t", SourceType: model.SourceNote, SourceID: "n1"})
	require.NoError(t, err)
	n, err := s.CreateNotification(ctx, model.Notification{
		TaskID: task.ID, WorkspaceID: ws, WorkspaceMemberID: 10, Title: "Did you book?", DueDate: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return n
}

func TestNormalize(t *testing.T) {
	s := memstore.New()
	ntf := seed(t, s, 1)
	foreign := seed(t, s, 2)
	now := time.Now()

	events := []model.Event{
		model.NoteUpdated{NoteID: "n1", Diff: model.NoteDiff{Title: strp("Trip"), Text: strp("v1")}},
		model.ChatMessage{ThreadID: "c1", Diff: model.ChatDiff{Content: "book flights", Role: "user"}},
		model.ChatMessage{ThreadID: "c1", Diff: model.ChatDiff{Content: "Sure!", Role: "assistant"}},
		model.NoteUpdated{NoteID: "n1", Diff: model.NoteDiff{Text: strp("v2")}},
		model.ChatMessage{ThreadID: "c1", Diff: model.ChatDiff{Content: "and a hotel", Role: "user"}},
		model.NotificationReacted{NotificationID: ntf.ID, ReactionText: strp("not yet"), ReactedAt: now},
		model.NotificationReacted{NotificationID: ntf.ID, ReactionText: strp("done"), ReactedAt: now},
		model.NotificationReacted{NotificationID: 9999, ReactionText: strp("?"), ReactedAt: now},
		model.NotificationReacted{NotificationID: foreign.ID, ReactedAt: now},
	}

	batch, err := NewNormalizer(s).Normalize(context.Background(), 1, events)
	require.NoError(t, err)
	require.Len(t, batch.Diffs, 2)

	note := batch.Diffs[0]
	assert.Equal(t, model.SourceRef{Type: model.SourceNote, ID: "n1"}, note.Source())
	assert.Equal(t, "Trip", *note.Title)
	assert.Equal(t, "v2", *note.Content)

	chat := batch.Diffs[1]
	assert.Equal(t, model.SourceRef{Type: model.SourceChat, ID: "c1"}, chat.Source())
	assert.Nil(t, chat.Title)
	assert.Equal(t, "book flights\nand a hotel", *chat.Content)

	require.Len(t, batch.Reactions, 1)
	r := batch.Reactions[0]
	assert.Equal(t, ntf.ID, r.NotificationID)
	assert.Equal(t, ntf.TaskID, r.TaskID)
	assert.Equal(t, "Did you book?", r.NotificationTitle)
	assert.Equal(t, "done", *r.ReactionText)

	assert.Len(t, batch.Dropped, 3)
	assert.False(t, batch.Empty())
}

func TestNormalize_EmptyBatches(t *testing.T) {
	tests := []struct {
		name   string
		events []model.Event
	}{
		{"no events", nil},
		{"assistant only", []model.Event{model.ChatMessage{ThreadID: "c", Diff: model.ChatDiff{Content: "hi", Role: "assistant"}}}},
		{"blank user message", []model.Event{model.ChatMessage{ThreadID: "c", Diff: model.ChatDiff{Content: "  ", Role: "user"}}}},
		{"note without diff", []model.Event{model.NoteUpdated{NoteID: "n"}}},
		{"unknown reaction", []model.Event{model.NotificationReacted{NotificationID: 42}}},
		{"nil event", []model.Event{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := NewNormalizer(memstore.New()).Normalize(context.Background(), 1, tt.events)
			require.NoError(t, err)
			assert.True(t, batch.Empty())
		})
	}
}

func TestNormalize_IgnoredReactionKeepsNilText(t *testing.T) {
	s := memstore.New()
	ntf := seed(t, s, 1)
	batch, err := NewNormalizer(s).Normalize(context.Background(), 1, []model.Event{
		model.NotificationReacted{NotificationID: ntf.ID, ReactedAt: time.Now()},
	})
	require.NoError(t, err)
	require.Len(t, batch.Reactions, 1)
	assert.Nil(t, batch.Reactions[0].ReactionText)
}

type failingLookup struct{ store.NotificationStore }

func (failingLookup) FindNotificationsByIDs(context.Context, []int64) ([]model.Notification, error) {
	return nil, errors.New("db down")
}

func TestNormalize_LookupFailure(t *testing.T) {
	_, err := NewNormalizer(failingLookup{}).Normalize(context.Background(), 1, []model.Event{
		model.NotificationReacted{NotificationID: 1},
	})
	assert.ErrorContains(t, err, "db down")
}
