package processors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/synclog"
	"spira-tfs-sync/internal/testutil"
	"spira-tfs-sync/internal/tfs"
	"spira-tfs-sync/internal/translate"
)

func newInboundFixture(t *testing.T, opts Options) (*Env, *testutil.FakeSpira, *testutil.FakeTFS) {
	t.Helper()
	if opts.TaskTypes == nil {
		opts.TaskTypes = []string{"Task"}
	}
	if opts.RequirementTypes == nil {
		opts.RequirementTypes = []string{"User Story"}
	}

	sp := testutil.NewFakeSpira()
	tf := testutil.NewFakeTFS()

	sp.FieldTables[mapping.FieldTaskStatus] = []mapping.Entry{
		{ProjectID: 7, InternalID: 3, ExternalKey: "Done", Primary: true},
	}
	sp.FieldTables[mapping.FieldTaskPriority] = []mapping.Entry{
		{ProjectID: 7, InternalID: 1, ExternalKey: "1", Primary: true},
	}
	sp.FieldTables[mapping.FieldRequirementStatus] = []mapping.Entry{
		{ProjectID: 7, InternalID: 4, ExternalKey: "Active", Primary: true},
	}
	sp.FieldTables[mapping.FieldRequirementImportance] = []mapping.Entry{
		{ProjectID: 7, InternalID: 2, ExternalKey: "2", Primary: true},
	}
	sp.FieldTables[mapping.FieldIncidentStatus] = []mapping.Entry{
		{ProjectID: 7, InternalID: 1, ExternalKey: "Active+New", Primary: true},
	}
	sp.FieldTables[mapping.FieldIncidentPriority] = []mapping.Entry{
		{ProjectID: 7, InternalID: 2, ExternalKey: "2", Primary: true},
	}
	userTable := []mapping.Entry{
		{ProjectID: 7, InternalID: 9, ExternalKey: "Jane Doe", Primary: true},
	}

	store := mapping.NewStore(sp)
	users := translate.NewUsers(false, userTable, sp, nil)
	env := NewEnv(7, "Web", sp, tf, store, users, synclog.NewRecorder(), opts)
	return env, sp, tf
}

func TestClassify(t *testing.T) {
	env, _, _ := newInboundFixture(t, Options{})

	tests := []struct {
		workItemType string
		want         int
	}{
		{"Task", mapping.ArtifactTypeTask},
		{"task", mapping.ArtifactTypeTask},
		{"User Story", mapping.ArtifactTypeRequirement},
		{"Bug", mapping.ArtifactTypeIncident},
		{"Issue", mapping.ArtifactTypeIncident}, // unknown types fall back to incident
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, env.Classify(tt.workItemType), tt.workItemType)
	}
}

func TestCreateInbound_Task(t *testing.T) {
	env, sp, _ := newInboundFixture(t, Options{TimeOffsetHours: 5})

	wi := &tfs.WorkItem{ID: 210, Fields: tfs.FieldSet{
		tfs.FieldWorkItemType:  "Task",
		tfs.FieldTitle:         "Wire up login",
		tfs.FieldState:         "Done",
		tfs.FieldPriority:      float64(1),
		tfs.FieldCreatedBy:     "Jane Doe",
		tfs.FieldAssignedTo:    "Jane Doe",
		tfs.FieldCreatedDate:   "2024-03-01T11:00:00Z",
		tfs.FieldCompletedWork: 2.5,
	}}

	require.NoError(t, env.CreateInbound(wi))
	require.Len(t, sp.CreatedTasks, 1)

	task := sp.CreatedTasks[0]
	assert.Equal(t, "Wire up login", task.Name)
	assert.Equal(t, EmptyDescription, task.Description)
	require.NotNil(t, task.TaskStatusID)
	assert.Equal(t, 3, *task.TaskStatusID)
	require.NotNil(t, task.ActualEffort)
	assert.Equal(t, 150, *task.ActualEffort, "2.5 hours = 150 minutes")
	require.NotNil(t, task.CreatorID)
	assert.Equal(t, 9, *task.CreatorID)
	// Local 11:00 + 5h offset = 16:00 UTC.
	assert.Equal(t, 16, task.CreationDate.Hour())

	pending := env.Store.PendingAdds(7, mapping.ArtifactTypeTask)
	require.Len(t, pending, 1)
	assert.Equal(t, task.TaskID, pending[0].InternalID)
	assert.Equal(t, "210", pending[0].ExternalKey)
}

func TestCreateInbound_Requirement(t *testing.T) {
	env, sp, _ := newInboundFixture(t, Options{})

	wi := &tfs.WorkItem{ID: 211, Fields: tfs.FieldSet{
		tfs.FieldWorkItemType: "User Story",
		tfs.FieldTitle:        "As a user I can log in",
		tfs.FieldDescription:  "<div>Account holders sign in</div>",
		tfs.FieldState:        "Active",
		tfs.FieldPriority:     float64(2),
	}}

	require.NoError(t, env.CreateInbound(wi))
	require.Len(t, sp.CreatedReqs, 1)

	req := sp.CreatedReqs[0]
	assert.Equal(t, "As a user I can log in", req.Name)
	assert.Contains(t, req.Description, "Account holders sign in")
	require.NotNil(t, req.StatusID)
	assert.Equal(t, 4, *req.StatusID)
	require.NotNil(t, req.ImportanceID)
	assert.Equal(t, 2, *req.ImportanceID)
}

func TestCreateInbound_UnknownTypeBecomesIncident(t *testing.T) {
	env, sp, _ := newInboundFixture(t, Options{})

	wi := &tfs.WorkItem{ID: 212, Fields: tfs.FieldSet{
		tfs.FieldWorkItemType: "Issue",
		tfs.FieldTitle:        "Crash on startup",
		tfs.FieldState:        "Active",
		tfs.FieldReason:       "New",
	}}

	require.NoError(t, env.CreateInbound(wi))
	require.Len(t, sp.CreatedIncidents, 1)

	inc := sp.CreatedIncidents[0]
	require.NotNil(t, inc.IncidentStatusID)
	assert.Equal(t, 1, *inc.IncidentStatusID)
	assert.Equal(t, EmptyDescription, inc.Description)
}

func TestCreateInbound_UnmappedStatusStillCreates(t *testing.T) {
	env, sp, _ := newInboundFixture(t, Options{})

	wi := &tfs.WorkItem{ID: 213, Fields: tfs.FieldSet{
		tfs.FieldWorkItemType: "Bug",
		tfs.FieldTitle:        "Odd state",
		tfs.FieldState:        "Triaged",
		tfs.FieldReason:       "Investigating",
	}}

	require.NoError(t, env.CreateInbound(wi))
	require.Len(t, sp.CreatedIncidents, 1)
	assert.Nil(t, sp.CreatedIncidents[0].IncidentStatusID)
	assert.Equal(t, synclog.StatusWarning, env.Recorder.Status())
}

func TestCreateInbound_AlreadyMappedSkipped(t *testing.T) {
	env, sp, _ := newInboundFixture(t, Options{})
	sp.ArtifactMaps[mapping.ArtifactTypeTask] = []mapping.Entry{
		{ProjectID: 7, InternalID: 60, ExternalKey: "210", Primary: true},
	}

	wi := &tfs.WorkItem{ID: 210, Fields: tfs.FieldSet{
		tfs.FieldWorkItemType: "Task",
		tfs.FieldTitle:        "Already synced",
	}}

	require.NoError(t, env.CreateInbound(wi))
	assert.Empty(t, sp.CreatedTasks)
}

func TestCreateInbound_WritesArtifactIDBack(t *testing.T) {
	env, sp, tf := newInboundFixture(t, Options{ArtifactIDField: "Custom.SpiraId"})

	wi := &tfs.WorkItem{ID: 214, Fields: tfs.FieldSet{
		tfs.FieldWorkItemType: "Task",
		tfs.FieldTitle:        "Tag me",
		tfs.FieldState:        "Done",
	}}
	tf.WorkItems[214] = wi

	require.NoError(t, env.CreateInbound(wi))
	require.Len(t, sp.CreatedTasks, 1)

	want := PrefixedID(mapping.ArtifactTypeTask, sp.CreatedTasks[0].TaskID)
	assert.Equal(t, want, tf.WorkItems[214].Fields.String("Custom.SpiraId"))
}

func TestCreateInbound_RevisionsBecomeComments(t *testing.T) {
	env, sp, tf := newInboundFixture(t, Options{TimeOffsetHours: 5})

	wi := &tfs.WorkItem{ID: 215, Fields: tfs.FieldSet{
		tfs.FieldWorkItemType: "Task",
		tfs.FieldTitle:        "With history",
		tfs.FieldState:        "Done",
	}}
	tf.Revisions[215] = []tfs.Revision{
		{Rev: 2, Fields: tfs.FieldSet{
			tfs.FieldHistory:     "Second note",
			tfs.FieldChangedBy:   "Jane Doe",
			tfs.FieldChangedDate: "2024-03-02T09:00:00Z",
		}},
		{Rev: 1, Fields: tfs.FieldSet{
			tfs.FieldHistory:     "First note",
			tfs.FieldChangedBy:   "Jane Doe",
			tfs.FieldChangedDate: "2024-03-01T09:00:00Z",
		}},
		{Rev: 3, Fields: tfs.FieldSet{}}, // no history, skipped
	}

	require.NoError(t, env.CreateInbound(wi))
	require.Len(t, sp.CreatedComments, 2)

	// Ordered by changed date ascending despite list order.
	assert.Equal(t, "First note", sp.CreatedComments[0].Text)
	assert.Equal(t, "Second note", sp.CreatedComments[1].Text)
	require.NotNil(t, sp.CreatedComments[0].UserID)
	assert.Equal(t, 9, *sp.CreatedComments[0].UserID)
	require.NotNil(t, sp.CreatedComments[0].CreationDate)
	assert.Equal(t, 14, sp.CreatedComments[0].CreationDate.Hour(), "9:00 local + 5h = 14:00 UTC")
}

func TestUpdateTask_DirtyFlagSuppressesCleanSave(t *testing.T) {
	env, sp, tf := newInboundFixture(t, Options{})
	sp.ArtifactMaps[mapping.ArtifactTypeTask] = []mapping.Entry{
		{ProjectID: 7, InternalID: 60, ExternalKey: "210", Primary: true},
	}
	status := 3
	sp.Tasks[60] = &spira.Task{
		TaskID:       60,
		ProjectID:    7,
		Name:         "Wire up login",
		Description:  "Steps",
		TaskStatusID: &status,
	}
	tf.WorkItems[210] = &tfs.WorkItem{ID: 210, Fields: tfs.FieldSet{
		tfs.FieldWorkItemType: "Task",
		tfs.FieldTitle:        "Wire up login",
		tfs.FieldDescription:  "Steps",
		tfs.FieldState:        "Done",
	}}

	require.NoError(t, env.UpdateTask(60, "210"))
	assert.Empty(t, sp.UpdatedTasks, "identical sides must not write")

	tf.WorkItems[210].Fields[tfs.FieldTitle] = "Wire up login v2"
	require.NoError(t, env.UpdateTask(60, "210"))
	require.Len(t, sp.UpdatedTasks, 1)
	assert.Equal(t, "Wire up login v2", sp.UpdatedTasks[0].Name)
}

func TestPullRevisionComments_Dedup(t *testing.T) {
	env, sp, tf := newInboundFixture(t, Options{})
	sp.Comments[testCommentsKey(mapping.ArtifactTypeIncident, 42)] = []spira.Comment{
		{ArtifactID: 42, Text: "  Fixed in build 14.  "},
	}
	tf.Revisions[101] = []tfs.Revision{
		{Rev: 1, Fields: tfs.FieldSet{
			tfs.FieldHistory:     "Fixed in build 14.",
			tfs.FieldChangedDate: "2024-03-01T09:00:00Z",
		}},
	}

	require.NoError(t, env.pullRevisionComments(mapping.ArtifactTypeIncident, 42, 101))
	assert.Empty(t, sp.CreatedComments, "identical trimmed text must not duplicate")
}

func TestPushComments_Dedup(t *testing.T) {
	env, sp, tf := newInboundFixture(t, Options{})
	sp.Comments[testCommentsKey(mapping.ArtifactTypeIncident, 42)] = []spira.Comment{
		{ArtifactID: 42, Text: "Fixed in build 14."},
	}
	tf.WorkItems[101] = &tfs.WorkItem{ID: 101, Fields: tfs.FieldSet{}}
	tf.Revisions[101] = []tfs.Revision{
		{Rev: 1, Fields: tfs.FieldSet{tfs.FieldHistory: "  Fixed in build 14.  "}},
	}

	require.NoError(t, env.pushComments(mapping.ArtifactTypeIncident, 42, 101))
	assert.Empty(t, tf.Updates[101], "identical trimmed text must not duplicate")
}

func testCommentsKey(artifactTypeID, artifactID int) string {
	return testutil.CommentsKey(artifactTypeID, artifactID)
}
