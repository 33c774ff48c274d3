package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cogno/internal/ingest"
	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/oracle"
	"github.com/msageha/cogno/internal/oracle/oracletest"
)

func TestResolveAssignees(t *testing.T) {
	members := []model.WorkspaceMember{{ID: 10}, {ID: 11}, {ID: 12}}
	tests := []struct {
		name         string
		proposed     []int64
		wantIDs      []int64
		wantDropped  []int64
		wantFellBack bool
	}{
		{"all valid keep proposal order", []int64{12, 10}, []int64{12, 10}, nil, false},
		{"duplicates removed", []int64{11, 11, 10}, []int64{11, 10}, nil, false},
		{"non-members dropped", []int64{10, 99}, []int64{10}, []int64{99}, false},
		{"none valid falls back to all", []int64{98, 99}, []int64{10, 11, 12}, []int64{98, 99}, true},
		{"empty falls back to all", nil, []int64{10, 11, 12}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, dropped, fellBack := ResolveAssignees(tt.proposed, members)
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantDropped, dropped)
			assert.Equal(t, tt.wantFellBack, fellBack)
		})
	}

	ids, _, fellBack := ResolveAssignees([]int64{1}, nil)
	assert.Empty(t, ids)
	assert.True(t, fellBack)
}

func TestMergeDescription(t *testing.T) {
	line1 := `- #1 "Book flights" -> done`
	line2 := `- #2 "Pack" -> (ignored)`
	existing := "Book flights by Friday\n\n" + HistoryHeading + "\n" + line1

	tests := []struct {
		name     string
		current  string
		proposed string
		lines    []string
		want     string
	}{
		{"no history", "old", "new", nil, "new"},
		{"blank proposal keeps body", "old\n", "  ", nil, "old"},
		{"new line appended", "old", "", []string{line1}, "old\n\n" + HistoryHeading + "\n" + line1},
		{"rewrite keeps history", existing, "Flights booked", []string{line2},
			"Flights booked\n\n" + HistoryHeading + "\n" + line1 + "\n" + line2},
		{"repeated line is idempotent", existing, "", []string{line1}, existing},
		{"history only", "", "", []string{line2}, HistoryHeading + "\n" + line2},
		{"proposal carrying history is merged", existing,
			"Rewritten\n\n" + HistoryHeading + "\n" + line1 + "\n" + line2 + "\n\n# Notes\nsee doc", nil,
			"Rewritten\n\n# Notes\nsee doc\n\n" + HistoryHeading + "\n" + line1 + "\n" + line2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeDescription(tt.current, tt.proposed, tt.lines))
		})
	}
}

func TestHistoryLine(t *testing.T) {
	assert.Equal(t, `- #5 "Call Bob" -> done`,
		HistoryLine(model.Reaction{NotificationID: 5, NotificationTitle: "Call Bob", ReactionText: str(" done ")}))
	assert.Equal(t, `- #6 "Call Bob" -> (ignored)`,
		HistoryLine(model.Reaction{NotificationID: 6, NotificationTitle: "Call Bob"}))
}

func TestTruncateMemory(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		max       int
		want      string
		truncated bool
	}{
		{"under cap", "short", 10, "short", false},
		{"no cap", "anything", 0, "anything", false},
		{"hard cut", "abcdefghij", 4, "abcd", true},
		{"prefers late newline", "aaaa\nbbbb\ncccc", 12, "aaaa\nbbbb", true},
		{"ignores early newline", "a\nbcdefghij", 8, "a\nbcdefg", true},
		{"counts runes", "日本語のメモ", 3, "日本語", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated := TruncateMemory(tt.content, tt.max)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.truncated, truncated)
		})
	}
}

func TestDescribeEvents(t *testing.T) {
	assert.Equal(t, "No events", DescribeEvents(ingest.Batch{}))

	got := DescribeEvents(ingest.Batch{
		Diffs: []model.SourceDiff{
			{SourceType: model.SourceNote, SourceID: "42", Title: str("Trip"), Content: str("Book flights")},
			{SourceType: model.SourceChat, SourceID: "t1", Content: str("hello")},
		},
		Reactions: []model.Reaction{
			{NotificationID: 7, ReactionText: str("done")},
			{NotificationID: 8},
		},
	})
	want := strings.Join([]string{
		"Source updated (note, id=42)\n  Title: Trip\n  Content: Book flights",
		"Source updated (chat, id=t1)\n  Content: hello",
		"Notification reaction (id=7)\n  Reaction: \"done\"",
		"Notification reaction (id=8)\n  Reaction: ignored (no reaction)",
	}, "\n\n")
	assert.Equal(t, want, got)
}

func TestRollup(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	members := []model.WorkspaceMember{{ID: 1, Name: "Aki"}, {ID: 2, Name: "Ben"}, {ID: 3, Name: "Cho"}}
	var tasks []model.Task
	for i := 0; i < 7; i++ {
		tasks = append(tasks, model.Task{ID: int64(100 + i), Assignees: []int64{1}, Status: model.TaskStatusOpen, UpdatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	tasks = append(tasks,
		model.Task{ID: 200, Assignees: []int64{2}, Status: model.TaskStatusCompleted},
		model.Task{ID: 201, Assignees: []int64{1, 2}, Status: model.TaskStatusOpen, UpdatedAt: base},
	)

	got := Rollup(members, tasks, 5)
	require.Len(t, got, 3)

	assert.Len(t, got[0].Tasks, 5)
	assert.Equal(t, 3, got[0].More)
	assert.Equal(t, int64(106), got[0].Tasks[0].ID)

	require.Len(t, got[1].Tasks, 1)
	assert.Equal(t, int64(201), got[1].Tasks[0].ID)
	assert.Zero(t, got[1].More)

	assert.Empty(t, got[2].Tasks)
}

// Every identifier the oracle returns is random; whatever it says, persisted rows
// must stay consistent with the workspace.
func TestRun_ReferenceIntegrity(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			pick := func() int64 { return int64(rng.Intn(40)) - 5 }
			randIDs := func() []int64 {
				out := make([]int64, rng.Intn(4))
				for i := range out {
					out[i] = pick()
				}
				return out
			}

			// Candidate owners and the last decision, as seen by the consolidation oracle.
			var owner map[int64]int64
			var decision oracle.Consolidation

			script := &oracletest.Script{
				Resolve: func(in oracle.ResolveInput) (oracle.Resolution, error) {
					var res oracle.Resolution
					for i := rng.Intn(4); i > 0; i-- {
						res.Updates = append(res.Updates, oracle.TaskUpdate{TaskID: pick(), NewDescription: "u", AssigneeMemberIDs: randIDs()})
					}
					for i := rng.Intn(4); i > 0; i-- {
						res.Creates = append(res.Creates, oracle.TaskCreate{
							SourceType: []string{"note", "chat", "mail"}[rng.Intn(3)], SourceID: fmt.Sprint(rng.Intn(6)),
							Title: "c", AssigneeMemberIDs: randIDs(),
						})
					}
					return res, nil
				},
				Generate: func(in oracle.GenerateInput) (oracle.Drafts, error) {
					var d oracle.Drafts
					for i := rng.Intn(7); i > 0; i-- {
						due := in.Now.Add(time.Duration(rng.Intn(48*60)-60) * time.Minute).Format(time.RFC3339)
						d.Notifications = append(d.Notifications, oracle.Draft{TaskID: pick(), Title: "d", DueDate: due})
					}
					return d, nil
				},
				Consolidate: func(in oracle.ConsolidateInput) (oracle.Consolidation, error) {
					for _, n := range append(slices.Clone(in.Existing), in.New...) {
						owner[n.ID] = n.WorkspaceMemberID
					}
					var c oracle.Consolidation
					defer func() { decision = c }()
					for i := rng.Intn(3); i > 0; i-- {
						c.Delete = append(c.Delete, oracle.Deletion{NotificationID: pick()})
					}
					for i := rng.Intn(3); i > 0; i-- {
						c.MergeOrUpdate = append(c.MergeOrUpdate, oracle.Merge{NotificationID: pick(), AbsorbIDs: randIDs(), NewTitle: "m"})
					}
					return c, nil
				},
			}
			f := newFixture(t, script)
			existing := f.seedTask(t, "1", 1, 2)
			f.seedNotification(t, existing, 1, f.now.Add(time.Hour))
			f.seedNotification(t, existing, 1, f.now.Add(2*time.Hour))
			f.seedNotification(t, existing, 2, f.now.Add(90*time.Minute))
			f.seedNotification(t, existing, 2, f.now.Add(3*time.Hour))

			for run := 0; run < 3; run++ {
				owner = make(map[int64]int64)
				decision = oracle.Consolidation{}
				summary, err := f.orch.Run(context.Background(), Request{
					WorkspaceID: testWorkspace,
					Mode:        model.ModeBatch,
					Events:      []model.Event{noteEvent("1", "a"), noteEvent(fmt.Sprint(rng.Intn(6)), "b")},
				})
				require.NoError(t, err)
				assertMemberIsolation(t, f, summary, owner, decision)
			}

			memberIDs := []int64{f.members[0].ID, f.members[1].ID}
			tasks, err := f.st.FindTasksByWorkspace(context.Background(), testWorkspace)
			require.NoError(t, err)
			seen := make(map[model.SourceRef]bool)
			taskIDs := make(map[int64]bool)
			for _, task := range tasks {
				assert.False(t, seen[task.Source()], "duplicate task for %s", task.Source())
				seen[task.Source()] = true
				taskIDs[task.ID] = true
				assert.Equal(t, model.SourceNote, task.SourceType)
				assert.NotEmpty(t, task.Assignees)
				for _, a := range task.Assignees {
					assert.Contains(t, memberIDs, a)
				}
			}
			policy := f.orch.Policy()
			for _, n := range f.notifications(t) {
				assert.True(t, taskIDs[n.TaskID], "notification %d references unknown task %d", n.ID, n.TaskID)
				assert.True(t, slices.Contains(memberIDs, n.WorkspaceMemberID))
				assert.False(t, policy.InQuiet(n.DueDate))
			}
		})
	}
}

// assertMemberIsolation checks that a merge never absorbed another member's
// notification, and that one offered across members survived unless the same
// decision removed it some other way.
func assertMemberIsolation(t *testing.T, f *fixture, summary *model.RunSummary, owner map[int64]int64, decision oracle.Consolidation) {
	t.Helper()
	for _, u := range summary.UpdatedDetails {
		for _, id := range u.AbsorbedIDs {
			assert.Equal(t, owner[u.NotificationID], owner[id], "notification %d absorbed %d across members", u.NotificationID, id)
		}
	}

	removable := make(map[int64]bool)
	for _, d := range decision.Delete {
		removable[d.NotificationID] = true
	}
	for _, m := range decision.MergeOrUpdate {
		for _, id := range m.AbsorbIDs {
			if member, ok := owner[id]; ok && member == owner[m.NotificationID] {
				removable[id] = true
			}
		}
	}
	var kept []int64
	for _, m := range decision.MergeOrUpdate {
		target, ok := owner[m.NotificationID]
		if !ok {
			continue
		}
		for _, id := range m.AbsorbIDs {
			if member, ok := owner[id]; ok && member != target && !removable[id] {
				kept = append(kept, id)
			}
		}
	}
	if len(kept) == 0 {
		return
	}
	found, err := f.st.FindNotificationsByIDs(context.Background(), kept)
	require.NoError(t, err)
	present := make(map[int64]bool, len(found))
	for _, n := range found {
		present[n.ID] = true
	}
	for _, id := range kept {
		assert.True(t, present[id], "notification %d of member %d removed by a cross-member merge", id, owner[id])
	}
}
