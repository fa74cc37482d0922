// Package testutil provides in-memory fakes of the Spira and TFS clients for
// processor and engine tests.
package testutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/tfs"
)

// FakeSpira is an in-memory spira.Client.
type FakeSpira struct {
	AuthErr   error
	AuthCalls int

	Project   int
	Incidents map[int]*spira.Incident
	Tasks     map[int]*spira.Task
	Reqs      map[int]*spira.Requirement
	Releases  map[int]*spira.Release
	Users     map[int]*spira.User
	Comments  map[string][]spira.Comment

	CustomProps map[int][]spira.CustomPropertyDefinition
	PropMaps    map[string]*mapping.Entry
	PropValues  map[string][]mapping.Entry

	ProjectTable  []mapping.Entry
	UserTable     []mapping.Entry
	ArtifactMaps  map[int][]mapping.Entry
	FieldTables   map[int][]mapping.Entry
	AddedMappings map[int][]mapping.Entry

	CreatedIncidents []*spira.Incident
	UpdatedIncidents []*spira.Incident
	CreatedTasks     []*spira.Task
	UpdatedTasks     []*spira.Task
	CreatedReqs      []*spira.Requirement
	UpdatedReqs      []*spira.Requirement
	CreatedComments  []spira.Comment
	CreatedReleases  []*spira.Release

	NextID int
}

// NewFakeSpira returns an empty fake with all maps allocated.
func NewFakeSpira() *FakeSpira {
	return &FakeSpira{
		Incidents:     make(map[int]*spira.Incident),
		Tasks:         make(map[int]*spira.Task),
		Reqs:          make(map[int]*spira.Requirement),
		Releases:      make(map[int]*spira.Release),
		Users:         make(map[int]*spira.User),
		Comments:      make(map[string][]spira.Comment),
		CustomProps:   make(map[int][]spira.CustomPropertyDefinition),
		PropMaps:      make(map[string]*mapping.Entry),
		PropValues:    make(map[string][]mapping.Entry),
		ArtifactMaps:  make(map[int][]mapping.Entry),
		FieldTables:   make(map[int][]mapping.Entry),
		AddedMappings: make(map[int][]mapping.Entry),
		NextID:        1000,
	}
}

// CommentsKey is the FakeSpira.Comments map key for one artifact.
func CommentsKey(artifactTypeID, artifactID int) string {
	return fmt.Sprintf("%d/%d", artifactTypeID, artifactID)
}

func propKey(artifactTypeID, customPropertyID int) string {
	return fmt.Sprintf("%d/%d", artifactTypeID, customPropertyID)
}

func (f *FakeSpira) Authenticate() error {
	f.AuthCalls++
	return f.AuthErr
}

func (f *FakeSpira) ConnectProject(projectID int) error {
	if f.AuthErr != nil {
		return f.AuthErr
	}
	f.Project = projectID
	return nil
}

func (f *FakeSpira) ProjectID() int { return f.Project }

func (f *FakeSpira) ArtifactURL(artifactTypeID, artifactID int) string {
	return fmt.Sprintf("https://spira.example.com/%d/artifact/%d/%d", f.Project, artifactTypeID, artifactID)
}

func (f *FakeSpira) ListIncidentsCreatedAfter(since time.Time, startRow, pageSize int) ([]spira.Incident, error) {
	var all []spira.Incident
	for _, inc := range f.Incidents {
		if !inc.CreationDate.Before(since) {
			all = append(all, *inc)
		}
	}
	sortIncidents(all)
	if startRow-1 >= len(all) {
		return nil, nil
	}
	all = all[startRow-1:]
	if len(all) > pageSize {
		all = all[:pageSize]
	}
	return all, nil
}

func (f *FakeSpira) ListIncidentsUpdatedAfter(since time.Time) ([]spira.Incident, error) {
	var out []spira.Incident
	for _, inc := range f.Incidents {
		if !inc.LastUpdateDate.Before(since) {
			out = append(out, *inc)
		}
	}
	sortIncidents(out)
	return out, nil
}

func sortIncidents(list []spira.Incident) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].IncidentID < list[j-1].IncidentID; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}

func (f *FakeSpira) GetIncident(id int) (*spira.Incident, error) {
	if inc, ok := f.Incidents[id]; ok {
		copied := *inc
		return &copied, nil
	}
	return nil, spira.ErrNotFound
}

func (f *FakeSpira) CreateIncident(inc *spira.Incident) (*spira.Incident, error) {
	created := *inc
	created.IncidentID = f.NextID
	f.NextID++
	f.Incidents[created.IncidentID] = &created
	f.CreatedIncidents = append(f.CreatedIncidents, &created)
	return &created, nil
}

func (f *FakeSpira) UpdateIncident(inc *spira.Incident) error {
	copied := *inc
	f.Incidents[inc.IncidentID] = &copied
	f.UpdatedIncidents = append(f.UpdatedIncidents, &copied)
	return nil
}

func (f *FakeSpira) GetTask(id int) (*spira.Task, error) {
	if t, ok := f.Tasks[id]; ok {
		copied := *t
		return &copied, nil
	}
	return nil, spira.ErrNotFound
}

func (f *FakeSpira) CreateTask(t *spira.Task) (*spira.Task, error) {
	created := *t
	created.TaskID = f.NextID
	f.NextID++
	f.Tasks[created.TaskID] = &created
	f.CreatedTasks = append(f.CreatedTasks, &created)
	return &created, nil
}

func (f *FakeSpira) UpdateTask(t *spira.Task) error {
	copied := *t
	f.Tasks[t.TaskID] = &copied
	f.UpdatedTasks = append(f.UpdatedTasks, &copied)
	return nil
}

func (f *FakeSpira) GetRequirement(id int) (*spira.Requirement, error) {
	if r, ok := f.Reqs[id]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, spira.ErrNotFound
}

func (f *FakeSpira) CreateRequirement(r *spira.Requirement) (*spira.Requirement, error) {
	created := *r
	created.RequirementID = f.NextID
	f.NextID++
	f.Reqs[created.RequirementID] = &created
	f.CreatedReqs = append(f.CreatedReqs, &created)
	return &created, nil
}

func (f *FakeSpira) UpdateRequirement(r *spira.Requirement) error {
	copied := *r
	f.Reqs[r.RequirementID] = &copied
	f.UpdatedReqs = append(f.UpdatedReqs, &copied)
	return nil
}

func (f *FakeSpira) ListComments(artifactTypeID, artifactID int) ([]spira.Comment, error) {
	return f.Comments[CommentsKey(artifactTypeID, artifactID)], nil
}

func (f *FakeSpira) CreateComment(artifactTypeID int, c *spira.Comment) error {
	key := CommentsKey(artifactTypeID, c.ArtifactID)
	f.Comments[key] = append(f.Comments[key], *c)
	f.CreatedComments = append(f.CreatedComments, *c)
	return nil
}

func (f *FakeSpira) ListAttachments(artifactTypeID, artifactID int) ([]spira.Attachment, error) {
	return nil, nil
}

func (f *FakeSpira) DownloadAttachment(attachmentID int) ([]byte, error) {
	return nil, spira.ErrNotFound
}

func (f *FakeSpira) UploadFileAttachment(artifactTypeID, artifactID int, filename string, authorID *int, data []byte) (*spira.Attachment, error) {
	return &spira.Attachment{AttachmentID: f.NextID, FilenameOrURL: filename}, nil
}

func (f *FakeSpira) UploadURLAttachment(artifactTypeID, artifactID int, target string, authorID *int) (*spira.Attachment, error) {
	return &spira.Attachment{AttachmentID: f.NextID, FilenameOrURL: target}, nil
}

func (f *FakeSpira) ListAssociations(artifactTypeID, artifactID int) ([]spira.Association, error) {
	return nil, nil
}

func (f *FakeSpira) CreateAssociation(a *spira.Association) error { return nil }

func (f *FakeSpira) GetRelease(id int) (*spira.Release, error) {
	if r, ok := f.Releases[id]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, spira.ErrNotFound
}

func (f *FakeSpira) CreateRelease(r *spira.Release) (*spira.Release, error) {
	created := *r
	created.ReleaseID = f.NextID
	f.NextID++
	f.Releases[created.ReleaseID] = &created
	f.CreatedReleases = append(f.CreatedReleases, &created)
	return &created, nil
}

func (f *FakeSpira) GetUserByID(id int) (*spira.User, error) {
	if u, ok := f.Users[id]; ok {
		return u, nil
	}
	return nil, spira.ErrNotFound
}

func (f *FakeSpira) GetUserByLogin(login string) (*spira.User, error) {
	for _, u := range f.Users {
		if strings.EqualFold(u.UserName, login) {
			return u, nil
		}
	}
	return nil, spira.ErrNotFound
}

func (f *FakeSpira) ListCustomProperties(artifactTypeID int) ([]spira.CustomPropertyDefinition, error) {
	return f.CustomProps[artifactTypeID], nil
}

func (f *FakeSpira) DataSyncProjectMappings() ([]mapping.Entry, error) {
	return f.ProjectTable, nil
}

func (f *FakeSpira) DataSyncUserMappings() ([]mapping.Entry, error) {
	return f.UserTable, nil
}

func (f *FakeSpira) DataSyncArtifactMappings(projectID, artifactTypeID int) ([]mapping.Entry, error) {
	return f.ArtifactMaps[artifactTypeID], nil
}

func (f *FakeSpira) DataSyncFieldValueMappings(projectID, artifactFieldID int) ([]mapping.Entry, error) {
	return f.FieldTables[artifactFieldID], nil
}

func (f *FakeSpira) DataSyncCustomPropertyMapping(projectID, artifactTypeID, customPropertyID int) (*mapping.Entry, error) {
	return f.PropMaps[propKey(artifactTypeID, customPropertyID)], nil
}

func (f *FakeSpira) DataSyncCustomPropertyValueMappings(projectID, artifactTypeID, customPropertyID int) ([]mapping.Entry, error) {
	return f.PropValues[propKey(artifactTypeID, customPropertyID)], nil
}

func (f *FakeSpira) AddDataSyncArtifactMappings(projectID, artifactTypeID int, entries []mapping.Entry) error {
	f.ArtifactMaps[artifactTypeID] = append(f.ArtifactMaps[artifactTypeID], entries...)
	f.AddedMappings[artifactTypeID] = append(f.AddedMappings[artifactTypeID], entries...)
	return nil
}

func (f *FakeSpira) RemoveDataSyncArtifactMappings(projectID, artifactTypeID int, entries []mapping.Entry) error {
	kept := f.ArtifactMaps[artifactTypeID][:0]
	for _, existing := range f.ArtifactMaps[artifactTypeID] {
		retired := false
		for _, e := range entries {
			if existing.InternalID == e.InternalID && existing.ProjectID == e.ProjectID {
				retired = true
			}
		}
		if !retired {
			kept = append(kept, existing)
		}
	}
	f.ArtifactMaps[artifactTypeID] = kept
	return nil
}

// FakeTFS is an in-memory tfs.Client. UpdateWorkItem applies field operations
// so tests can assert the resulting state.
type FakeTFS struct {
	AuthErr   error
	AuthCalls int

	Projects   []tfs.Project
	WorkItems  map[int]*tfs.WorkItem
	Types      map[string]*tfs.WorkItemType
	Identities []tfs.Identity
	Revisions  map[int][]tfs.Revision
	Tree       tfs.ClassificationNode

	// QueryIDs serves QueryWorkItemIDs; QueryErrs is consumed first, one
	// error per call, letting tests simulate the result-cap failure.
	QueryIDs  []int
	QueryErrs []error
	Queries   []string

	Created []*tfs.WorkItem
	Updates map[int][][]tfs.PatchOperation

	CreateErr error
	UpdateErr error
	NextID    int

	// Stamp is written as the created/changed date of new work items.
	Stamp string
}

// NewFakeTFS returns an empty fake with all maps allocated.
func NewFakeTFS() *FakeTFS {
	return &FakeTFS{
		WorkItems: make(map[int]*tfs.WorkItem),
		Types:     make(map[string]*tfs.WorkItemType),
		Revisions: make(map[int][]tfs.Revision),
		Updates:   make(map[int][][]tfs.PatchOperation),
		Tree:      tfs.ClassificationNode{ID: 1, Name: "Root"},
		NextID:    100,
		Stamp:     "2024-01-01T00:00:00Z",
	}
}

func (f *FakeTFS) Authenticate() error {
	f.AuthCalls++
	return f.AuthErr
}

func (f *FakeTFS) ListProjects() ([]tfs.Project, error) {
	return f.Projects, f.AuthErr
}

func (f *FakeTFS) QueryWorkItemIDs(project, wiql string) ([]int, error) {
	f.Queries = append(f.Queries, wiql)
	if len(f.QueryErrs) > 0 {
		err := f.QueryErrs[0]
		f.QueryErrs = f.QueryErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.QueryIDs, nil
}

func (f *FakeTFS) GetWorkItems(ids []int) ([]tfs.WorkItem, error) {
	var out []tfs.WorkItem
	for _, id := range ids {
		if wi, ok := f.WorkItems[id]; ok {
			out = append(out, *wi)
		}
	}
	return out, nil
}

func (f *FakeTFS) GetWorkItem(id int) (*tfs.WorkItem, error) {
	if wi, ok := f.WorkItems[id]; ok {
		copied := *wi
		copied.Fields = cloneFields(wi.Fields)
		return &copied, nil
	}
	return nil, tfs.ErrNotFound
}

func cloneFields(fields tfs.FieldSet) tfs.FieldSet {
	out := make(tfs.FieldSet, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (f *FakeTFS) CreateWorkItem(project, workItemType string, ops []tfs.PatchOperation) (*tfs.WorkItem, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	wi := &tfs.WorkItem{ID: f.NextID, Fields: tfs.FieldSet{
		tfs.FieldWorkItemType: workItemType,
		tfs.FieldCreatedDate:  f.Stamp,
		tfs.FieldChangedDate:  f.Stamp,
	}}
	f.NextID++
	applyOps(wi, ops)
	f.WorkItems[wi.ID] = wi
	f.Created = append(f.Created, wi)
	copied := *wi
	return &copied, nil
}

func (f *FakeTFS) UpdateWorkItem(id int, ops []tfs.PatchOperation) (*tfs.WorkItem, error) {
	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}
	wi, ok := f.WorkItems[id]
	if !ok {
		return nil, tfs.ErrNotFound
	}
	applyOps(wi, ops)
	f.Updates[id] = append(f.Updates[id], ops)
	copied := *wi
	return &copied, nil
}

func applyOps(wi *tfs.WorkItem, ops []tfs.PatchOperation) {
	for _, op := range ops {
		if strings.HasPrefix(op.Path, "/fields/") {
			wi.Fields[strings.TrimPrefix(op.Path, "/fields/")] = op.Value
		}
		if op.Path == "/relations/-" {
			if rel, ok := op.Value.(tfs.Relation); ok {
				wi.Relations = append(wi.Relations, rel)
			}
		}
	}
}

func (f *FakeTFS) ListRevisions(id int) ([]tfs.Revision, error) {
	return f.Revisions[id], nil
}

func (f *FakeTFS) GetWorkItemType(project, name string) (*tfs.WorkItemType, error) {
	if t, ok := f.Types[name]; ok {
		return t, nil
	}
	return nil, tfs.ErrNotFound
}

func (f *FakeTFS) ListIdentities() ([]tfs.Identity, error) {
	return f.Identities, nil
}

func (f *FakeTFS) GetIterationTree(project string) (*tfs.ClassificationNode, error) {
	copied := f.Tree
	return &copied, nil
}

func (f *FakeTFS) CreateIteration(project, name string) (*tfs.ClassificationNode, error) {
	node := tfs.ClassificationNode{ID: f.NextID, Name: name}
	f.NextID++
	f.Tree.Children = append(f.Tree.Children, node)
	return &node, nil
}

func (f *FakeTFS) UploadAttachment(filename string, data []byte) (string, error) {
	return "https://tfs.example.com/att/" + filename, nil
}

func (f *FakeTFS) DownloadAttachment(attachmentURL string) ([]byte, error) {
	return nil, tfs.ErrNotFound
}

func (f *FakeTFS) WorkItemURL(project string, id int) string {
	return "https://tfs.example.com/" + project + "/_workitems/edit/" + strconv.Itoa(id)
}
