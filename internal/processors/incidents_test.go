package processors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/synclog"
	"spira-tfs-sync/internal/testutil"
	"spira-tfs-sync/internal/tfs"
	"spira-tfs-sync/internal/translate"
)

func intp(n int) *int { return &n }

func newEnvFixture(t *testing.T, opts Options) (*Env, *testutil.FakeSpira, *testutil.FakeTFS) {
	t.Helper()
	sp := testutil.NewFakeSpira()
	tf := testutil.NewFakeTFS()

	sp.FieldTables[mapping.FieldIncidentPriority] = []mapping.Entry{
		{ProjectID: 7, InternalID: 2, ExternalKey: "2", Primary: true},
	}
	sp.FieldTables[mapping.FieldIncidentStatus] = []mapping.Entry{
		{ProjectID: 7, InternalID: 1, ExternalKey: "Active+New", Primary: true},
		{ProjectID: 7, InternalID: 2, ExternalKey: "Resolved+Fixed", Primary: true},
	}
	sp.FieldTables[mapping.FieldIncidentType] = []mapping.Entry{
		{ProjectID: 7, InternalID: 3, ExternalKey: "Bug", Primary: true},
	}
	userTable := []mapping.Entry{
		{ProjectID: 7, InternalID: 9, ExternalKey: "Jane Doe", Primary: true},
	}

	tf.Types["Bug"] = &tfs.WorkItemType{Name: "Bug", Fields: []tfs.FieldDefinition{
		{ReferenceName: tfs.FieldTitle},
		{ReferenceName: tfs.FieldReproSteps},
		{ReferenceName: tfs.FieldPriority},
		{ReferenceName: tfs.FieldAssignedTo},
	}}

	store := mapping.NewStore(sp)
	users := translate.NewUsers(false, userTable, sp, nil)
	env := NewEnv(7, "Web", sp, tf, store, users, synclog.NewRecorder(), opts)
	return env, sp, tf
}

func scenarioIncident() *spira.Incident {
	return &spira.Incident{
		IncidentID:       42,
		ProjectID:        7,
		Name:             "Login fails",
		Description:      "<p>Steps</p>",
		PriorityID:       intp(2),
		IncidentStatusID: intp(1),
		IncidentTypeID:   intp(3),
		OwnerID:          intp(9),
		CreationDate:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		LastUpdateDate:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestCreateOutboundIncident(t *testing.T) {
	env, _, tf := newEnvFixture(t, Options{})
	inc := scenarioIncident()

	require.NoError(t, env.CreateOutboundIncident(inc))
	require.Len(t, tf.Created, 1)

	wi := tf.WorkItems[tf.Created[0].ID]
	assert.Equal(t, "Bug", wi.Fields.String(tfs.FieldWorkItemType))
	assert.Equal(t, "Login fails", wi.Fields.String(tfs.FieldTitle))
	assert.Contains(t, wi.Fields.String(tfs.FieldReproSteps), "Steps")
	assert.Equal(t, 2, wi.Fields[tfs.FieldPriority])
	assert.Equal(t, "Jane Doe", wi.Fields.String(tfs.FieldAssignedTo))

	// State set in the second save, not on creation.
	assert.Equal(t, "Active", wi.Fields.String(tfs.FieldState))
	assert.Equal(t, "New", wi.Fields.String(tfs.FieldReason))

	// Back-reference hyperlink.
	require.Len(t, wi.Relations, 1)
	assert.Equal(t, tfs.RelHyperlink, wi.Relations[0].Rel)

	pending := env.Store.PendingAdds(7, mapping.ArtifactTypeIncident)
	require.Len(t, pending, 1)
	assert.Equal(t, 42, pending[0].InternalID)

	// Once mapped (and flushed), the incident is never created again.
	require.NoError(t, env.Store.Flush())
	require.NoError(t, env.CreateOutboundIncident(inc))
	assert.Len(t, tf.Created, 1)
}

func TestCreateOutboundIncident_UnmappedStatusIsFatalForArtifact(t *testing.T) {
	env, _, tf := newEnvFixture(t, Options{})
	inc := scenarioIncident()
	inc.IncidentStatusID = intp(99)

	err := env.CreateOutboundIncident(inc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmapped status")
	assert.Empty(t, tf.Created)
	assert.Empty(t, env.Store.PendingAdds(7, mapping.ArtifactTypeIncident))
}

func TestCreateOutboundIncident_UnmappedPriorityIsWarning(t *testing.T) {
	env, _, tf := newEnvFixture(t, Options{})
	inc := scenarioIncident()
	inc.PriorityID = intp(55)

	require.NoError(t, env.CreateOutboundIncident(inc))
	require.Len(t, tf.Created, 1)
	wi := tf.WorkItems[tf.Created[0].ID]
	assert.False(t, wi.Fields.Has(tfs.FieldPriority), "priority must be omitted, not zeroed")
	assert.Equal(t, synclog.StatusWarning, env.Recorder.Status())
}

func TestCreateOutboundIncident_RecoversOrphanedWorkItem(t *testing.T) {
	env, _, tf := newEnvFixture(t, Options{ArtifactIDField: "Custom.SpiraId"})
	tf.QueryIDs = []int{777}

	require.NoError(t, env.CreateOutboundIncident(scenarioIncident()))

	assert.Empty(t, tf.Created, "existing work item must be re-mapped, not duplicated")
	pending := env.Store.PendingAdds(7, mapping.ArtifactTypeIncident)
	require.Len(t, pending, 1)
	assert.Equal(t, "777", pending[0].ExternalKey)
}

func TestCreateOutboundIncident_IterationFromRelease(t *testing.T) {
	env, sp, tf := newEnvFixture(t, Options{})
	sp.Releases[5] = &spira.Release{ReleaseID: 5, VersionNumber: "v1.2"}
	inc := scenarioIncident()
	inc.DetectedReleaseID = intp(5)

	require.NoError(t, env.CreateOutboundIncident(inc))
	require.Len(t, tf.Created, 1)

	wi := tf.WorkItems[tf.Created[0].ID]
	iterationID, ok := wi.Fields.Int(tfs.FieldIterationID)
	require.True(t, ok)
	assert.NotNil(t, tf.Tree.FindByID(iterationID))

	pending := env.Store.PendingAdds(7, mapping.ArtifactTypeRelease)
	require.Len(t, pending, 1)
	assert.Equal(t, 5, pending[0].InternalID)
}

func mappedPairFixture(t *testing.T) (*Env, *testutil.FakeSpira, *testutil.FakeTFS) {
	t.Helper()
	env, sp, tf := newEnvFixture(t, Options{TimeOffsetHours: 5})
	sp.ArtifactMaps[mapping.ArtifactTypeIncident] = []mapping.Entry{
		{ProjectID: 7, InternalID: 42, ExternalKey: "101", Primary: true},
	}
	sp.Incidents[42] = scenarioIncident()
	tf.WorkItems[101] = &tfs.WorkItem{ID: 101, Fields: tfs.FieldSet{
		tfs.FieldWorkItemType: "Bug",
		tfs.FieldTitle:        "Login fails",
		tfs.FieldReproSteps:   "<p>Steps</p>",
		tfs.FieldPriority:     float64(2),
		tfs.FieldAssignedTo:   "Jane Doe",
		tfs.FieldState:        "Active",
		tfs.FieldReason:       "New",
	}}
	return env, sp, tf
}

func TestUpdateIncident_TFSNewerWins(t *testing.T) {
	env, sp, tf := mappedPairFixture(t)

	// Spira last update 10:00 UTC; TFS changed 11:00 local at offset 5
	// means 16:00 UTC. TFS wins.
	sp.Incidents[42].LastUpdateDate = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	wi := tf.WorkItems[101]
	wi.Fields[tfs.FieldChangedDate] = "2024-03-01T11:00:00Z"
	wi.Fields[tfs.FieldTitle] = "Login fails on Safari"
	wi.Fields[tfs.FieldState] = "Resolved"
	wi.Fields[tfs.FieldReason] = "Fixed"

	require.NoError(t, env.UpdateIncident(42, "101"))

	require.Len(t, sp.UpdatedIncidents, 1)
	updated := sp.UpdatedIncidents[0]
	assert.Equal(t, "Login fails on Safari", updated.Name)
	require.NotNil(t, updated.IncidentStatusID)
	assert.Equal(t, 2, *updated.IncidentStatusID)

	assert.Empty(t, tf.Updates[101], "no write back to the winning side")
}

func TestUpdateIncident_SpiraNewerWins(t *testing.T) {
	env, sp, tf := mappedPairFixture(t)

	sp.Incidents[42].LastUpdateDate = time.Date(2024, 3, 2, 18, 0, 0, 0, time.UTC)
	sp.Incidents[42].Name = "Login fails everywhere"
	tf.WorkItems[101].Fields[tfs.FieldChangedDate] = "2024-03-01T11:00:00Z"

	require.NoError(t, env.UpdateIncident(42, "101"))

	require.NotEmpty(t, tf.Updates[101])
	assert.Equal(t, "Login fails everywhere", tf.WorkItems[101].Fields.String(tfs.FieldTitle))
	assert.Empty(t, sp.UpdatedIncidents)

	// Second cycle with no external changes writes nothing.
	updateCount := len(tf.Updates[101])
	require.NoError(t, env.UpdateIncident(42, "101"))
	assert.Len(t, tf.Updates[101], updateCount)
	assert.Empty(t, sp.UpdatedIncidents)
}

func TestUpdateIncident_TieBreaksToTFS(t *testing.T) {
	env, sp, tf := mappedPairFixture(t)

	// Equal instants: Spira 16:00 UTC, TFS 11:00 local + 5h offset.
	sp.Incidents[42].LastUpdateDate = time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	wi := tf.WorkItems[101]
	wi.Fields[tfs.FieldChangedDate] = "2024-03-01T11:00:00Z"
	wi.Fields[tfs.FieldTitle] = "Tie goes to TFS"

	require.NoError(t, env.UpdateIncident(42, "101"))

	require.Len(t, sp.UpdatedIncidents, 1)
	assert.Equal(t, "Tie goes to TFS", sp.UpdatedIncidents[0].Name)
	assert.Empty(t, tf.Updates[101])
}

func TestUpdateIncident_DeletedCounterpartSkipped(t *testing.T) {
	env, sp, _ := mappedPairFixture(t)
	sp.ArtifactMaps[mapping.ArtifactTypeIncident] = []mapping.Entry{
		{ProjectID: 7, InternalID: 42, ExternalKey: "999", Primary: true},
	}

	require.NoError(t, env.UpdateIncident(42, "999"))
	assert.Empty(t, sp.UpdatedIncidents)
}
