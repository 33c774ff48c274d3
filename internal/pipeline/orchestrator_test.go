package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cogno/internal/events"
	"github.com/msageha/cogno/internal/lock"
	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/oracle"
	"github.com/msageha/cogno/internal/oracle/oracletest"
	"github.com/msageha/cogno/internal/store"
	"github.com/msageha/cogno/internal/store/memstore"
)

const testWorkspace int64 = 1

type fixture struct {
	st      *memstore.Store
	script  *oracletest.Script
	orch    *Orchestrator
	now     time.Time
	loc     *time.Location
	members []model.WorkspaceMember
	audit   *recordingAudit
	metrics *Metrics
}

type recordingAudit struct {
	mu      sync.Mutex
	records []events.RunRecord
}

func (a *recordingAudit) Append(rec events.RunRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAudit) all() []events.RunRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]events.RunRecord(nil), a.records...)
}

// newFixture seeds two members (ids 1 and 2) in workspace 1 and fixes the clock at
// Monday 2026-03-02 10:00 Asia/Tokyo.
func newFixture(t *testing.T, script *oracletest.Script) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	st := memstore.New()
	ctx := context.Background()
	var members []model.WorkspaceMember
	for _, name := range []string{"Aki", "Ben"} {
		m, err := st.PutMember(ctx, model.WorkspaceMember{WorkspaceID: testWorkspace, Name: name, Role: "member"})
		require.NoError(t, err)
		members = append(members, m)
	}

	f := &fixture{
		st:      st,
		script:  script,
		now:     time.Date(2026, 3, 2, 10, 0, 0, 0, loc),
		loc:     loc,
		members: members,
		audit:   &recordingAudit{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.orch, err = New(Options{
		Store:    st,
		Oracle:   script.Set(),
		Location: loc,
		Audit:    f.audit,
		Metrics:  f.metrics,
		Clock:    func() time.Time { return f.now },
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) seedTask(t *testing.T, sourceID string, assignees ...int64) model.Task {
	t.Helper()
	task, created, err := f.st.CreateTask(context.Background(), model.Task{
		WorkspaceID: testWorkspace,
		Title:       "task " + sourceID,
		Description: "initial",
		SourceType:  model.SourceNote,
		SourceID:    sourceID,
		Assignees:   assignees,
		Status:      model.TaskStatusOpen,
	})
	require.NoError(t, err)
	require.True(t, created)
	return task
}

func (f *fixture) seedNotification(t *testing.T, task model.Task, member int64, due time.Time) model.Notification {
	t.Helper()
	n, err := f.st.CreateNotification(context.Background(), model.Notification{
		TaskID:            task.ID,
		WorkspaceID:       testWorkspace,
		WorkspaceMemberID: member,
		Title:             "reminder for " + task.Title,
		Body:              "body",
		DueDate:           due,
		Status:            model.NotificationStatusScheduled,
	})
	require.NoError(t, err)
	return n
}

func (f *fixture) notifications(t *testing.T) []model.Notification {
	t.Helper()
	out, err := f.st.FindScheduledInWindow(context.Background(), testWorkspace, f.now.Add(-time.Hour), f.now.Add(30*24*time.Hour))
	require.NoError(t, err)
	return out
}

func noteEvent(id, text string) model.Event {
	return model.NoteUpdated{NoteID: id, Diff: model.NoteDiff{Text: &text}}
}

func str(s string) *string { return &s }

func issuesOf(s *model.RunSummary, kind model.IssueKind) []model.Issue {
	var out []model.Issue
	for _, is := range s.Issues {
		if is.Kind == kind {
			out = append(out, is)
		}
	}
	return out
}

func TestRun_ScenarioA_NewNoteCreatesTaskAndReminders(t *testing.T) {
	script := &oracletest.Script{
		Resolve: func(in oracle.ResolveInput) (oracle.Resolution, error) {
			return oracle.Resolution{Creates: []oracle.TaskCreate{{
				SourceType:        "note",
				SourceID:          "42",
				Title:             "Book flights",
				Description:       "Book flights by Friday",
				AssigneeMemberIDs: []int64{1},
			}}}, nil
		},
		Generate: func(in oracle.GenerateInput) (oracle.Drafts, error) {
			id := in.Tasks[0].ID
			return oracle.Drafts{Notifications: []oracle.Draft{
				{TaskID: id, Title: "Flights tonight?", Body: "Late check", DueDate: "2026-03-02T23:30:00"},
				{TaskID: id, Title: "Book flights", Body: "Compare fares", DueDate: "2026-03-02T12:00:00", ReactionChoices: model.ReactionChoices{"done", "later"}},
			}}, nil
		},
	}
	f := newFixture(t, script)

	summary, err := f.orch.Run(context.Background(), Request{
		WorkspaceID: testWorkspace,
		Events:      []model.Event{noteEvent("42", "Book flights by Friday")},
		Trigger:     "test",
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusOK, summary.Status)
	assert.Equal(t, 1, summary.TasksCreated)
	assert.Equal(t, 2, summary.NotificationsCreated)
	assert.True(t, summary.MemoryUpdated)
	assert.Contains(t, summary.MemoryContent, "Source updated (note, id=42)")

	require.Len(t, script.ResolveCalls(), 1)
	assert.Equal(t, []model.SourceRef{{Type: model.SourceNote, ID: "42"}}, script.ResolveCalls()[0].Orphans)

	tasks, err := f.st.FindTasksByWorkspace(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "42", tasks[0].SourceID)
	assert.Equal(t, []int64{1}, tasks[0].Assignees)

	policy := f.orch.Policy()
	notifs := f.notifications(t)
	require.Len(t, notifs, 2)
	for _, n := range notifs {
		assert.Equal(t, tasks[0].ID, n.TaskID)
		assert.Equal(t, int64(1), n.WorkspaceMemberID)
		assert.False(t, policy.InQuiet(n.DueDate), "due %s is in quiet hours", n.DueDate.In(f.loc))
		assert.True(t, n.DueDate.After(f.now.Add(policy.MinLead)))
	}
	// The 23:30 draft moves to the next morning.
	assert.Equal(t, time.Date(2026, 3, 2, 12, 0, 0, 0, f.loc), notifs[0].DueDate.In(f.loc))
	assert.Equal(t, time.Date(2026, 3, 3, 7, 30, 0, 0, f.loc), notifs[1].DueDate.In(f.loc))

	require.NotNil(t, notifs[0].ReactedAt)
	assert.True(t, notifs[0].ReactedAt.After(notifs[0].DueDate))
	assert.Nil(t, notifs[1].ReactedAt)

	records := f.audit.all()
	require.Len(t, records, 1)
	assert.Equal(t, summary.RunID, records[0].RunID)
	assert.Equal(t, "test", records[0].Trigger)
}

func TestRun_ScenarioB_SameMemberNotificationsMerge(t *testing.T) {
	script := &oracletest.Script{}
	f := newFixture(t, script)
	task := f.seedTask(t, "7", 1)
	keep := f.seedNotification(t, task, 1, f.now.Add(2*time.Hour))
	absorbed := f.seedNotification(t, task, 1, f.now.Add(150*time.Minute))
	other := f.seedNotification(t, task, 2, f.now.Add(3*time.Hour))

	script.Consolidate = func(in oracle.ConsolidateInput) (oracle.Consolidation, error) {
		return oracle.Consolidation{MergeOrUpdate: []oracle.Merge{{
			NotificationID: keep.ID,
			AbsorbIDs:      []int64{absorbed.ID},
			NewTitle:       "Combined reminder",
			NewBody:        "Both items",
			Reason:         "same topic within an hour",
		}}}, nil
	}

	before := countFor(f.notifications(t), 1)
	summary, err := f.orch.Run(context.Background(), Request{
		WorkspaceID: testWorkspace,
		Events:      []model.Event{noteEvent("7", "minor edit")},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusOK, summary.Status)
	assert.Equal(t, 1, summary.NotificationsDeleted)
	assert.Equal(t, 1, summary.NotificationsUpdated)
	require.Len(t, summary.UpdatedDetails, 1)
	assert.Equal(t, []int64{absorbed.ID}, summary.UpdatedDetails[0].AbsorbedIDs)
	assert.Equal(t, "merged into #"+idRef(keep.ID), summary.DeletedDetails[0].Reason)

	after := f.notifications(t)
	assert.Equal(t, before-1, countFor(after, 1))
	assert.Equal(t, 1, countFor(after, 2))
	ids := make([]int64, 0, len(after))
	for _, n := range after {
		ids = append(ids, n.ID)
		if n.ID == keep.ID {
			assert.Equal(t, "Combined reminder", n.Title)
			assert.Equal(t, keep.DueDate, n.DueDate)
		}
	}
	assert.ElementsMatch(t, []int64{keep.ID, other.ID}, ids)

	// No affected task, so no drafts were requested.
	assert.Empty(t, script.GenerateCalls())
	require.Len(t, script.ConsolidateCalls(), 1)
	assert.Len(t, script.ConsolidateCalls()[0].Existing, 3)
	assert.Len(t, summary.FinalSchedule, 2)
}

func countFor(ns []model.Notification, member int64) int {
	n := 0
	for _, x := range ns {
		if x.WorkspaceMemberID == member {
			n++
		}
	}
	return n
}

func TestRun_ScenarioC_DoneReactionCompletesTask(t *testing.T) {
	script := &oracletest.Script{}
	f := newFixture(t, script)
	task := f.seedTask(t, "9", 1)
	n := f.seedNotification(t, task, 1, f.now.Add(-30*time.Minute))

	summary, err := f.orch.React(context.Background(), n.ID, str("done"), f.now, "test")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusOK, summary.Status)
	assert.Equal(t, 1, summary.TasksUpdated)
	assert.Zero(t, summary.NotificationsCreated)
	assert.Empty(t, script.GenerateCalls())

	got, err := f.st.FindTasksByIDs(context.Background(), testWorkspace, []int64{task.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.TaskStatusCompleted, got[0].Status)
	assert.Contains(t, got[0].Description, HistoryHeading)
	assert.Contains(t, got[0].Description, fmt.Sprintf("- #%d %q -> done", n.ID, n.Title))

	// A later rewrite by the oracle keeps the history and does not reopen the task.
	script.Resolve = func(in oracle.ResolveInput) (oracle.Resolution, error) {
		return oracle.Resolution{Updates: []oracle.TaskUpdate{{
			TaskID:            task.ID,
			NewDescription:    "Rewritten description",
			AssigneeMemberIDs: []int64{1},
		}}}, nil
	}
	script.Generate = func(in oracle.GenerateInput) (oracle.Drafts, error) {
		t.Fatalf("generator called for completed tasks: %v", in.Tasks)
		return oracle.Drafts{}, nil
	}
	summary, err = f.orch.Run(context.Background(), Request{
		WorkspaceID: testWorkspace,
		Events:      []model.Event{noteEvent("9", "follow-up")},
	})
	require.NoError(t, err)
	assert.Zero(t, summary.NotificationsCreated)

	got, err = f.st.FindTasksByIDs(context.Background(), testWorkspace, []int64{task.ID})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got[0].Description, "Rewritten description"))
	assert.Contains(t, got[0].Description, fmt.Sprintf("- #%d", n.ID))
	assert.Equal(t, model.TaskStatusCompleted, got[0].Status)

	history := script.ResolveCalls()[1].History[task.ID]
	require.Len(t, history, 1)
	assert.Equal(t, "done", history[0].ReactionText)
}

func TestRun_ScenarioD_CrossMemberMergeRejected(t *testing.T) {
	script := &oracletest.Script{}
	f := newFixture(t, script)
	task := f.seedTask(t, "11", 1, 2)
	a := f.seedNotification(t, task, 1, f.now.Add(2*time.Hour))
	b := f.seedNotification(t, task, 2, f.now.Add(2*time.Hour))

	script.Consolidate = func(in oracle.ConsolidateInput) (oracle.Consolidation, error) {
		return oracle.Consolidation{MergeOrUpdate: []oracle.Merge{{
			NotificationID: a.ID,
			AbsorbIDs:      []int64{b.ID},
			NewTitle:       "Merged",
			NewBody:        "Merged",
		}}}, nil
	}

	summary, err := f.orch.Run(context.Background(), Request{
		WorkspaceID: testWorkspace,
		Events:      []model.Event{noteEvent("11", "edit")},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusOK, summary.Status)
	assert.Zero(t, summary.NotificationsDeleted)
	assert.Zero(t, summary.NotificationsUpdated)
	require.Len(t, issuesOf(summary, model.IssueCrossMember), 1)

	after := f.notifications(t)
	require.Len(t, after, 2)
	for _, n := range after {
		assert.Equal(t, "reminder for "+task.Title, n.Title)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.rejected.WithLabelValues("consolidate", "cross_member")))
}

func TestRun_EmptyBatchIsNoop(t *testing.T) {
	tests := []struct {
		name   string
		events []model.Event
	}{
		{"no events", nil},
		{"assistant chat only", []model.Event{model.ChatMessage{ThreadID: "t1", Diff: model.ChatDiff{Role: "assistant", Content: "hi"}}}},
		{"reaction to unknown notification", []model.Event{model.NotificationReacted{NotificationID: 404, ReactionText: str("ok")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := &oracletest.Script{}
			f := newFixture(t, script)

			summary, err := f.orch.Run(context.Background(), Request{WorkspaceID: testWorkspace, Mode: model.ModeBatch, Events: tt.events})
			require.NoError(t, err)
			assert.Equal(t, model.RunStatusNoop, summary.Status)
			assert.Zero(t, script.TotalCalls())
			assert.False(t, summary.MemoryUpdated)
			_, found, err := f.st.FindMemory(context.Background(), testWorkspace)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestRun_OracleFailureDegrades(t *testing.T) {
	boom := errors.New("upstream 503")
	script := &oracletest.Script{
		Resolve: func(oracle.ResolveInput) (oracle.Resolution, error) { return oracle.Resolution{}, boom },
	}
	f := newFixture(t, script)

	summary, err := f.orch.Run(context.Background(), Request{
		WorkspaceID: testWorkspace,
		Events:      []model.Event{noteEvent("1", "text")},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDegraded, summary.Status)
	require.Len(t, issuesOf(summary, model.IssueOracle), 1)
	assert.Equal(t, model.StageResolve, issuesOf(summary, model.IssueOracle)[0].Stage)
	// The remaining stages still run; the summarizer records the event.
	assert.True(t, summary.MemoryUpdated)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.oracleFailures.WithLabelValues("resolve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.runs.WithLabelValues("single", "degraded")))
}

func TestRun_NoMembersDegrades(t *testing.T) {
	script := &oracletest.Script{}
	f := newFixture(t, script)

	summary, err := f.orch.Run(context.Background(), Request{
		WorkspaceID: 2,
		Events:      []model.Event{noteEvent("1", "text")},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDegraded, summary.Status)
	assert.Len(t, issuesOf(summary, model.IssueNoMembers), 1)
	assert.Empty(t, script.ResolveCalls())
}

func TestRun_SummaryTruncatedToCap(t *testing.T) {
	long := strings.Repeat("line of memory\n", 400)
	script := &oracletest.Script{
		Summarize: func(oracle.SummarizeInput) (oracle.Summary, error) { return oracle.Summary{Content: long}, nil },
	}
	f := newFixture(t, script)

	summary, err := f.orch.Run(context.Background(), Request{
		WorkspaceID: testWorkspace,
		Events:      []model.Event{noteEvent("1", "text")},
	})
	require.NoError(t, err)
	mem, found, err := f.st.FindMemory(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.True(t, found)
	assert.LessOrEqual(t, len([]rune(mem.Content)), 4000)
	assert.True(t, strings.HasSuffix(mem.Content, "line of memory"))
	assert.Len(t, issuesOf(summary, model.IssueTruncated), 1)
	assert.Equal(t, model.RunStatusOK, summary.Status)
}

func TestRun_BlankSummaryKeepsMemory(t *testing.T) {
	script := &oracletest.Script{
		Summarize: func(oracle.SummarizeInput) (oracle.Summary, error) { return oracle.Summary{Content: "  "}, nil },
	}
	f := newFixture(t, script)
	_, err := f.st.UpsertMemory(context.Background(), testWorkspace, "previous")
	require.NoError(t, err)

	summary, err := f.orch.Run(context.Background(), Request{
		WorkspaceID: testWorkspace,
		Events:      []model.Event{noteEvent("1", "text")},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDegraded, summary.Status)
	mem, _, err := f.st.FindMemory(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Equal(t, "previous", mem.Content)
	assert.Equal(t, "previous", script.SummarizeCalls()[0].Current)
}

func TestRun_IdempotentTaskCreation(t *testing.T) {
	script := &oracletest.Script{
		Resolve: func(in oracle.ResolveInput) (oracle.Resolution, error) {
			return oracle.Resolution{Creates: []oracle.TaskCreate{
				{SourceType: "note", SourceID: "42", Title: "first", AssigneeMemberIDs: []int64{1}},
				{SourceType: "note", SourceID: "42", Title: "duplicate", AssigneeMemberIDs: []int64{1}},
			}}, nil
		},
	}
	f := newFixture(t, script)
	req := Request{WorkspaceID: testWorkspace, Events: []model.Event{noteEvent("42", "text")}}

	first, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.TasksCreated)
	assert.Len(t, issuesOf(first, model.IssueInvalidRef), 1)

	second, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, second.TasksCreated)
	assert.Len(t, issuesOf(second, model.IssueInvalidRef), 2)

	tasks, err := f.st.FindTasksByWorkspace(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "first", tasks[0].Title)
}

func TestRun_AssigneesOutsideWorkspaceFallBack(t *testing.T) {
	script := &oracletest.Script{
		Resolve: func(in oracle.ResolveInput) (oracle.Resolution, error) {
			return oracle.Resolution{Creates: []oracle.TaskCreate{
				{SourceType: "note", SourceID: "5", Title: "t", AssigneeMemberIDs: []int64{99, 100}},
			}}, nil
		},
		Generate: func(in oracle.GenerateInput) (oracle.Drafts, error) {
			return oracle.Drafts{Notifications: []oracle.Draft{{TaskID: in.Tasks[0].ID, Title: "r", DueDate: "2026-03-02T14:00:00"}}}, nil
		},
	}
	f := newFixture(t, script)

	summary, err := f.orch.Run(context.Background(), Request{WorkspaceID: testWorkspace, Events: []model.Event{noteEvent("5", "x")}})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusOK, summary.Status)
	assert.NotEmpty(t, issuesOf(summary, model.IssueFallback))
	require.Len(t, summary.TaskDetails, 1)
	assert.Equal(t, []int64{1, 2}, summary.TaskDetails[0].Assignees)

	// One notification per assignee, each with its own recipient.
	notifs := f.notifications(t)
	require.Len(t, notifs, 2)
	assert.ElementsMatch(t, []int64{1, 2}, []int64{notifs[0].WorkspaceMemberID, notifs[1].WorkspaceMemberID})
}

func TestRun_GeneratorLimits(t *testing.T) {
	script := &oracletest.Script{
		Resolve: func(in oracle.ResolveInput) (oracle.Resolution, error) {
			return oracle.Resolution{Creates: []oracle.TaskCreate{{SourceType: "note", SourceID: "8", Title: "t", AssigneeMemberIDs: []int64{1}}}}, nil
		},
		Generate: func(in oracle.GenerateInput) (oracle.Drafts, error) {
			var drafts []oracle.Draft
			for i := 0; i < 5; i++ {
				drafts = append(drafts, oracle.Draft{TaskID: in.Tasks[0].ID, Title: fmt.Sprintf("r%d", i), DueDate: "2026-03-02T11:00:00"})
			}
			// Unknown task ids fall back to the first affected task.
			drafts = append(drafts, oracle.Draft{TaskID: 777, Title: "stray", DueDate: "2026-03-02T11:00:00"})
			return oracle.Drafts{Notifications: drafts}, nil
		},
	}
	f := newFixture(t, script)

	summary, err := f.orch.Run(context.Background(), Request{WorkspaceID: testWorkspace, Events: []model.Event{noteEvent("8", "x")}})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.NotificationsCreated)
	assert.Len(t, issuesOf(summary, model.IssueDroppedDraft), 3)
	assert.Len(t, issuesOf(summary, model.IssueFallback), 1)

	notifs := f.notifications(t)
	require.Len(t, notifs, 3)
	policy := f.orch.Policy()
	for i := 1; i < len(notifs); i++ {
		assert.GreaterOrEqual(t, notifs[i].DueDate.Sub(notifs[i-1].DueDate), policy.Spacing)
	}
	rules := script.GenerateCalls()[0].Rules
	assert.Equal(t, "Asia/Tokyo", rules.Timezone)
	assert.Equal(t, 3, rules.MaxPerTask)
}

func TestRun_ConsolidatorRejectsUnknownIDs(t *testing.T) {
	script := &oracletest.Script{}
	f := newFixture(t, script)
	task := f.seedTask(t, "3", 1)
	n1 := f.seedNotification(t, task, 1, f.now.Add(time.Hour))
	n2 := f.seedNotification(t, task, 1, f.now.Add(2*time.Hour))
	far := f.seedNotification(t, task, 1, f.now.Add(72*time.Hour))

	script.Consolidate = func(in oracle.ConsolidateInput) (oracle.Consolidation, error) {
		return oracle.Consolidation{
			Delete: []oracle.Deletion{
				{NotificationID: 9999, Reason: "hallucinated"},
				{NotificationID: far.ID, Reason: "outside window"},
				{NotificationID: n2.ID, Reason: "duplicate"},
				{NotificationID: n2.ID, Reason: "again"},
			},
			MergeOrUpdate: []oracle.Merge{
				{NotificationID: n2.ID, NewTitle: "gone already"},
				{NotificationID: n1.ID, AbsorbIDs: []int64{n2.ID, 4242}, NewTitle: "kept", NewDueDate: str("2026-03-02T23:50:00")},
			},
		}, nil
	}

	summary, err := f.orch.Run(context.Background(), Request{WorkspaceID: testWorkspace, Events: []model.Event{noteEvent("3", "x")}})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusOK, summary.Status)
	assert.Len(t, issuesOf(summary, model.IssueInvalidRef), 3)
	assert.Equal(t, 1, summary.NotificationsDeleted)
	assert.Equal(t, 1, summary.NotificationsUpdated)

	got, err := f.st.FindNotificationsByIDs(context.Background(), []int64{n1.ID, n2.ID, far.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "kept", got[0].Title)
	// 23:50 is in quiet hours and moves to 07:50.
	assert.Equal(t, time.Date(2026, 3, 3, 7, 50, 0, 0, f.loc), got[0].DueDate.In(f.loc))
	assert.Equal(t, far.ID, got[1].ID)
}

func TestRun_SerializesPerWorkspace(t *testing.T) {
	var inside, maxInside atomic.Int32
	enter := func() {
		n := inside.Add(1)
		for {
			cur := maxInside.Load()
			if n <= cur || maxInside.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	script := &oracletest.Script{
		Resolve: func(oracle.ResolveInput) (oracle.Resolution, error) {
			enter()
			return oracle.Resolution{}, nil
		},
		Summarize: func(in oracle.SummarizeInput) (oracle.Summary, error) {
			inside.Add(-1)
			return oracle.Summary{Content: in.Events}, nil
		},
	}
	f := newFixture(t, script)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.Run(context.Background(), Request{
				WorkspaceID: testWorkspace,
				Events:      []model.Event{noteEvent(fmt.Sprint(i), "x")},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Len(t, script.ResolveCalls(), 8)
}

func TestRun_LockWaitHonorsContext(t *testing.T) {
	script := &oracletest.Script{}
	locks := lock.NewMutexMap()
	f := newFixture(t, script)
	orch, err := New(Options{Store: f.st, Oracle: script.Set(), Location: f.loc, Locks: locks, Clock: func() time.Time { return f.now }})
	require.NoError(t, err)

	locks.Lock(LockKey(testWorkspace))
	defer locks.Unlock(LockKey(testWorkspace))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = orch.Run(ctx, Request{WorkspaceID: testWorkspace, Events: []model.Event{noteEvent("1", "x")}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, script.TotalCalls())
}

func TestRun_PublishesLifecycle(t *testing.T) {
	script := &oracletest.Script{}
	f := newFixture(t, script)
	bus := events.NewBus(16)
	defer bus.Close()
	orch, err := New(Options{Store: f.st, Oracle: script.Set(), Location: f.loc, Bus: bus, Clock: func() time.Time { return f.now }})
	require.NoError(t, err)

	got := make(chan events.Event, 16)
	unsubscribe := bus.Subscribe(func(e events.Event) { got <- e })
	defer unsubscribe()

	summary, err := orch.Run(context.Background(), Request{WorkspaceID: testWorkspace, Events: []model.Event{noteEvent("1", "x")}})
	require.NoError(t, err)

	var types []events.EventType
	timeout := time.After(2 * time.Second)
	for len(types) < 7 {
		select {
		case e := <-got:
			assert.Equal(t, summary.RunID, e.RunID)
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("received only %v", types)
		}
	}
	assert.Equal(t, events.EventRunStarted, types[0])
	assert.Equal(t, events.EventRunCompleted, types[6])
}

func TestRun_RejectsUnknownMode(t *testing.T) {
	f := newFixture(t, &oracletest.Script{})
	_, err := f.orch.Run(context.Background(), Request{WorkspaceID: testWorkspace, Mode: "stream"})
	require.Error(t, err)
}

func TestPutMemory_Truncates(t *testing.T) {
	f := newFixture(t, &oracletest.Script{})
	mem, truncated, err := f.orch.PutMemory(context.Background(), testWorkspace, strings.Repeat("あ", 4100))
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, 4000, len([]rune(mem.Content)))

	got, err := f.orch.Memory(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Equal(t, mem.Content, got.Content)

	empty, err := f.orch.Memory(context.Background(), 99)
	require.NoError(t, err)
	assert.Empty(t, empty.Content)
}

func TestReact_UnknownNotification(t *testing.T) {
	f := newFixture(t, &oracletest.Script{})
	_, err := f.orch.React(context.Background(), 12345, str("ok"), time.Time{}, "test")
	require.Error(t, err)
}

func TestReact_WaitsForRunningPipeline(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	script := &oracletest.Script{}
	f := newFixture(t, script)
	task := f.seedTask(t, "5", 1)
	n := f.seedNotification(t, task, 1, f.now.Add(2*time.Hour))

	var first atomic.Bool
	script.Consolidate = func(oracle.ConsolidateInput) (oracle.Consolidation, error) {
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
			return oracle.Consolidation{Delete: []oracle.Deletion{{NotificationID: n.ID, Reason: "stale"}}}, nil
		}
		return oracle.Consolidation{}, nil
	}

	runErr := make(chan error, 1)
	go func() {
		_, err := f.orch.Run(context.Background(), Request{WorkspaceID: testWorkspace, Events: []model.Event{noteEvent("5", "x")}})
		runErr <- err
	}()
	<-entered

	reactErr := make(chan error, 1)
	go func() {
		_, err := f.orch.React(context.Background(), n.ID, str("done"), f.now, "test")
		reactErr <- err
	}()

	select {
	case err := <-reactErr:
		t.Fatalf("react finished while a run held the workspace: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	got, err := f.st.FindNotificationsByIDs(context.Background(), []int64{n.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].ReactedAt)
	assert.Equal(t, model.NotificationStatusScheduled, got[0].Status)

	close(release)
	require.NoError(t, <-runErr)
	// The run it waited for deleted the notification.
	require.ErrorIs(t, <-reactErr, store.ErrNotFound)
	assert.Len(t, script.ConsolidateCalls(), 1)

	tasks, err := f.st.FindTasksByIDs(context.Background(), testWorkspace, []int64{task.ID})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusOpen, tasks[0].Status)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateIdle, StateNormalized))
	assert.NoError(t, ValidateTransition(StateNormalized, StateDone))
	assert.Error(t, ValidateTransition(StateIdle, StateResolved))
	assert.Error(t, ValidateTransition(StateDone, StateIdle))
	assert.Equal(t, "consolidated", StateConsolidated.String())
}
