// Package spira is a REST client for the SpiraTeam project-management API,
// covering the artifact, document, association, user and data-sync mapping
// surfaces the synchronization engine consumes.
package spira

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"spira-tfs-sync/internal/mapping"
)

// Sentinel errors surfaced to the engine's error taxonomy.
var (
	// ErrAuthentication marks a 401/403 or an expired session. Fatal for the
	// current project.
	ErrAuthentication = errors.New("spira: authentication failed")
	// ErrNotFound marks a missing artifact, typically a deleted counterpart.
	ErrNotFound = errors.New("spira: not found")
)

// Config holds the connection settings for the Spira server.
type Config struct {
	BaseURL  string
	Login    string
	Password string
	PlugInID int
}

// Client is the interface the sync engine uses to talk to Spira.
type Client interface {
	Authenticate() error
	ConnectProject(projectID int) error
	ProjectID() int
	ArtifactURL(artifactTypeID, artifactID int) string

	ListIncidentsCreatedAfter(since time.Time, startRow, pageSize int) ([]Incident, error)
	ListIncidentsUpdatedAfter(since time.Time) ([]Incident, error)
	GetIncident(id int) (*Incident, error)
	CreateIncident(inc *Incident) (*Incident, error)
	UpdateIncident(inc *Incident) error

	GetTask(id int) (*Task, error)
	CreateTask(t *Task) (*Task, error)
	UpdateTask(t *Task) error

	GetRequirement(id int) (*Requirement, error)
	CreateRequirement(r *Requirement) (*Requirement, error)
	UpdateRequirement(r *Requirement) error

	ListComments(artifactTypeID, artifactID int) ([]Comment, error)
	CreateComment(artifactTypeID int, c *Comment) error

	ListAttachments(artifactTypeID, artifactID int) ([]Attachment, error)
	DownloadAttachment(attachmentID int) ([]byte, error)
	UploadFileAttachment(artifactTypeID, artifactID int, filename string, authorID *int, data []byte) (*Attachment, error)
	UploadURLAttachment(artifactTypeID, artifactID int, target string, authorID *int) (*Attachment, error)

	ListAssociations(artifactTypeID, artifactID int) ([]Association, error)
	CreateAssociation(a *Association) error

	GetRelease(id int) (*Release, error)
	CreateRelease(r *Release) (*Release, error)

	GetUserByID(id int) (*User, error)
	GetUserByLogin(login string) (*User, error)

	ListCustomProperties(artifactTypeID int) ([]CustomPropertyDefinition, error)

	// Data-sync mapping tables, scoped server-side by the configured plug-in id.
	DataSyncProjectMappings() ([]mapping.Entry, error)
	DataSyncUserMappings() ([]mapping.Entry, error)
	DataSyncArtifactMappings(projectID, artifactTypeID int) ([]mapping.Entry, error)
	DataSyncFieldValueMappings(projectID, artifactFieldID int) ([]mapping.Entry, error)
	DataSyncCustomPropertyMapping(projectID, artifactTypeID, customPropertyID int) (*mapping.Entry, error)
	DataSyncCustomPropertyValueMappings(projectID, artifactTypeID, customPropertyID int) ([]mapping.Entry, error)
	AddDataSyncArtifactMappings(projectID, artifactTypeID int, entries []mapping.Entry) error
	RemoveDataSyncArtifactMappings(projectID, artifactTypeID int, entries []mapping.Entry) error
}

type restClient struct {
	cfg        Config
	httpClient *http.Client

	sessionID string
	projectID int
}

// NewClient creates a new Spira client. The client is stateful: Authenticate
// captures a session and ConnectProject selects the active project, mirroring
// how the server scopes most endpoints.
func NewClient(cfg Config) Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &restClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

func (c *restClient) svcURL(format string, args ...interface{}) string {
	return c.cfg.BaseURL + "/services/v5_0/RestService.svc/" + fmt.Sprintf(format, args...)
}

// doRequest performs one authenticated call and decodes the JSON response
// into out (out may be nil for calls without a body).
func (c *restClient) doRequest(method, requestURL string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, requestURL, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionID != "" {
		req.Header.Set("Session-Id", c.sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w (status %d)", ErrAuthentication, resp.StatusCode)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, requestURL)
		default:
			return fmt.Errorf("Spira API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode Spira response: %w", err)
	}
	return nil
}

// Authenticate opens a session. The session can time out between sync phases;
// the engine re-authenticates at each phase boundary.
func (c *restClient) Authenticate() error {
	payload := map[string]string{
		"Login":    c.cfg.Login,
		"Password": c.cfg.Password,
	}
	var result struct {
		SessionID string `json:"SessionId"`
	}
	c.sessionID = ""
	if err := c.doRequest("POST", c.svcURL("sessions"), payload, &result); err != nil {
		return err
	}
	if result.SessionID == "" {
		return fmt.Errorf("%w: empty session", ErrAuthentication)
	}
	c.sessionID = result.SessionID
	log.Debug().Str("login", c.cfg.Login).Msg("Authenticated against Spira")
	return nil
}

// ConnectProject selects the active project for subsequent calls.
func (c *restClient) ConnectProject(projectID int) error {
	var project Project
	if err := c.doRequest("GET", c.svcURL("projects/%d", projectID), nil, &project); err != nil {
		return fmt.Errorf("connecting to project %d: %w", projectID, err)
	}
	c.projectID = projectID
	log.Debug().Int("project", projectID).Str("name", project.Name).Msg("Connected to Spira project")
	return nil
}

func (c *restClient) ProjectID() int {
	return c.projectID
}

// ArtifactURL returns the browser URL for an artifact, used for the
// back-reference hyperlink placed on created work items.
func (c *restClient) ArtifactURL(artifactTypeID, artifactID int) string {
	page := map[int]string{
		mapping.ArtifactTypeIncident:    "Incident",
		mapping.ArtifactTypeTask:        "Task",
		mapping.ArtifactTypeRequirement: "Requirement",
		mapping.ArtifactTypeRelease:     "Release",
	}[artifactTypeID]
	return fmt.Sprintf("%s/%d/%s/%d.aspx", c.cfg.BaseURL, c.projectID, page, artifactID)
}

func artifactPath(artifactTypeID int) string {
	switch artifactTypeID {
	case mapping.ArtifactTypeIncident:
		return "incidents"
	case mapping.ArtifactTypeTask:
		return "tasks"
	case mapping.ArtifactTypeRequirement:
		return "requirements"
	case mapping.ArtifactTypeRelease:
		return "releases"
	default:
		return "artifacts"
	}
}

func (c *restClient) ListIncidentsCreatedAfter(since time.Time, startRow, pageSize int) ([]Incident, error) {
	params := url.Values{}
	params.Set("creation_date", FormatTime(since))
	params.Set("start_row", fmt.Sprintf("%d", startRow))
	params.Set("number_rows", fmt.Sprintf("%d", pageSize))

	var incidents []Incident
	u := c.svcURL("projects/%d/incidents/recent?%s", c.projectID, params.Encode())
	if err := c.doRequest("GET", u, nil, &incidents); err != nil {
		return nil, err
	}
	return incidents, nil
}

func (c *restClient) ListIncidentsUpdatedAfter(since time.Time) ([]Incident, error) {
	params := url.Values{}
	params.Set("last_update_date", FormatTime(since))

	var incidents []Incident
	u := c.svcURL("projects/%d/incidents?%s", c.projectID, params.Encode())
	if err := c.doRequest("GET", u, nil, &incidents); err != nil {
		return nil, err
	}
	return incidents, nil
}

func (c *restClient) GetIncident(id int) (*Incident, error) {
	var inc Incident
	if err := c.doRequest("GET", c.svcURL("projects/%d/incidents/%d", c.projectID, id), nil, &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

func (c *restClient) CreateIncident(inc *Incident) (*Incident, error) {
	var created Incident
	if err := c.doRequest("POST", c.svcURL("projects/%d/incidents", c.projectID), inc, &created); err != nil {
		return nil, fmt.Errorf("creating incident %q: %w", inc.Name, err)
	}
	return &created, nil
}

func (c *restClient) UpdateIncident(inc *Incident) error {
	return c.doRequest("PUT", c.svcURL("projects/%d/incidents/%d", c.projectID, inc.IncidentID), inc, nil)
}

func (c *restClient) GetTask(id int) (*Task, error) {
	var t Task
	if err := c.doRequest("GET", c.svcURL("projects/%d/tasks/%d", c.projectID, id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *restClient) CreateTask(t *Task) (*Task, error) {
	var created Task
	if err := c.doRequest("POST", c.svcURL("projects/%d/tasks", c.projectID), t, &created); err != nil {
		return nil, fmt.Errorf("creating task %q: %w", t.Name, err)
	}
	return &created, nil
}

func (c *restClient) UpdateTask(t *Task) error {
	return c.doRequest("PUT", c.svcURL("projects/%d/tasks/%d", c.projectID, t.TaskID), t, nil)
}

func (c *restClient) GetRequirement(id int) (*Requirement, error) {
	var r Requirement
	if err := c.doRequest("GET", c.svcURL("projects/%d/requirements/%d", c.projectID, id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *restClient) CreateRequirement(r *Requirement) (*Requirement, error) {
	var created Requirement
	if err := c.doRequest("POST", c.svcURL("projects/%d/requirements", c.projectID), r, &created); err != nil {
		return nil, fmt.Errorf("creating requirement %q: %w", r.Name, err)
	}
	return &created, nil
}

func (c *restClient) UpdateRequirement(r *Requirement) error {
	return c.doRequest("PUT", c.svcURL("projects/%d/requirements/%d", c.projectID, r.RequirementID), r, nil)
}

func (c *restClient) ListComments(artifactTypeID, artifactID int) ([]Comment, error) {
	var comments []Comment
	u := c.svcURL("projects/%d/%s/%d/comments", c.projectID, artifactPath(artifactTypeID), artifactID)
	if err := c.doRequest("GET", u, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

func (c *restClient) CreateComment(artifactTypeID int, comment *Comment) error {
	u := c.svcURL("projects/%d/%s/%d/comments", c.projectID, artifactPath(artifactTypeID), comment.ArtifactID)
	return c.doRequest("POST", u, comment, nil)
}

func (c *restClient) ListAttachments(artifactTypeID, artifactID int) ([]Attachment, error) {
	params := url.Values{}
	params.Set("artifact_type_id", fmt.Sprintf("%d", artifactTypeID))
	params.Set("artifact_id", fmt.Sprintf("%d", artifactID))

	var attachments []Attachment
	u := c.svcURL("projects/%d/documents?%s", c.projectID, params.Encode())
	if err := c.doRequest("GET", u, nil, &attachments); err != nil {
		return nil, err
	}
	return attachments, nil
}

func (c *restClient) DownloadAttachment(attachmentID int) ([]byte, error) {
	req, err := http.NewRequest("GET", c.svcURL("projects/%d/documents/%d/open", c.projectID, attachmentID), nil)
	if err != nil {
		return nil, err
	}
	if c.sessionID != "" {
		req.Header.Set("Session-Id", c.sessionID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading attachment %d: %w", attachmentID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Spira API returned status %d for attachment %d", resp.StatusCode, attachmentID)
	}
	return io.ReadAll(resp.Body)
}

func (c *restClient) UploadFileAttachment(artifactTypeID, artifactID int, filename string, authorID *int, data []byte) (*Attachment, error) {
	payload := map[string]interface{}{
		"FilenameOrUrl":    filename,
		"AttachmentTypeId": AttachmentFile,
		"AuthorId":         authorID,
		"BinaryData":       data, // base64-encoded by encoding/json
		"AttachedArtifacts": []map[string]int{
			{"ArtifactTypeId": artifactTypeID, "ArtifactId": artifactID},
		},
	}
	var created Attachment
	if err := c.doRequest("POST", c.svcURL("projects/%d/documents/file", c.projectID), payload, &created); err != nil {
		return nil, fmt.Errorf("uploading attachment %q: %w", filename, err)
	}
	return &created, nil
}

func (c *restClient) UploadURLAttachment(artifactTypeID, artifactID int, target string, authorID *int) (*Attachment, error) {
	payload := map[string]interface{}{
		"FilenameOrUrl":    target,
		"AttachmentTypeId": AttachmentURL,
		"AuthorId":         authorID,
		"AttachedArtifacts": []map[string]int{
			{"ArtifactTypeId": artifactTypeID, "ArtifactId": artifactID},
		},
	}
	var created Attachment
	if err := c.doRequest("POST", c.svcURL("projects/%d/documents/url", c.projectID), payload, &created); err != nil {
		return nil, fmt.Errorf("attaching URL %q: %w", target, err)
	}
	return &created, nil
}

func (c *restClient) ListAssociations(artifactTypeID, artifactID int) ([]Association, error) {
	params := url.Values{}
	params.Set("artifact_type_id", fmt.Sprintf("%d", artifactTypeID))
	params.Set("artifact_id", fmt.Sprintf("%d", artifactID))

	var associations []Association
	u := c.svcURL("projects/%d/associations?%s", c.projectID, params.Encode())
	if err := c.doRequest("GET", u, nil, &associations); err != nil {
		return nil, err
	}
	return associations, nil
}

func (c *restClient) CreateAssociation(a *Association) error {
	return c.doRequest("POST", c.svcURL("projects/%d/associations", c.projectID), a, nil)
}

func (c *restClient) GetRelease(id int) (*Release, error) {
	var r Release
	if err := c.doRequest("GET", c.svcURL("projects/%d/releases/%d", c.projectID, id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *restClient) CreateRelease(r *Release) (*Release, error) {
	var created Release
	if err := c.doRequest("POST", c.svcURL("projects/%d/releases", c.projectID), r, &created); err != nil {
		return nil, fmt.Errorf("creating release %q: %w", r.Name, err)
	}
	return &created, nil
}

func (c *restClient) GetUserByID(id int) (*User, error) {
	var u User
	if err := c.doRequest("GET", c.svcURL("users/%d", id), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *restClient) GetUserByLogin(login string) (*User, error) {
	params := url.Values{}
	params.Set("login", login)
	var u User
	if err := c.doRequest("GET", c.svcURL("users?%s", params.Encode()), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *restClient) ListCustomProperties(artifactTypeID int) ([]CustomPropertyDefinition, error) {
	var defs []CustomPropertyDefinition
	u := c.svcURL("projects/%d/custom-properties/%d", c.projectID, artifactTypeID)
	if err := c.doRequest("GET", u, nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (c *restClient) plugInParam() string {
	return fmt.Sprintf("plugin_id=%d", c.cfg.PlugInID)
}

func (c *restClient) DataSyncProjectMappings() ([]mapping.Entry, error) {
	var dtos []dataMappingDTO
	if err := c.doRequest("GET", c.svcURL("data-mappings/projects?%s", c.plugInParam()), nil, &dtos); err != nil {
		return nil, err
	}
	return toEntries(dtos), nil
}

func (c *restClient) DataSyncUserMappings() ([]mapping.Entry, error) {
	var dtos []dataMappingDTO
	if err := c.doRequest("GET", c.svcURL("data-mappings/users?%s", c.plugInParam()), nil, &dtos); err != nil {
		return nil, err
	}
	return toEntries(dtos), nil
}

func (c *restClient) DataSyncArtifactMappings(projectID, artifactTypeID int) ([]mapping.Entry, error) {
	var dtos []dataMappingDTO
	u := c.svcURL("projects/%d/data-mappings/artifacts/%d?%s", projectID, artifactTypeID, c.plugInParam())
	if err := c.doRequest("GET", u, nil, &dtos); err != nil {
		return nil, err
	}
	return toEntries(dtos), nil
}

func (c *restClient) DataSyncFieldValueMappings(projectID, artifactFieldID int) ([]mapping.Entry, error) {
	var dtos []dataMappingDTO
	u := c.svcURL("projects/%d/data-mappings/field-values/%d?%s", projectID, artifactFieldID, c.plugInParam())
	if err := c.doRequest("GET", u, nil, &dtos); err != nil {
		return nil, err
	}
	return toEntries(dtos), nil
}

func (c *restClient) DataSyncCustomPropertyMapping(projectID, artifactTypeID, customPropertyID int) (*mapping.Entry, error) {
	var dto dataMappingDTO
	u := c.svcURL("projects/%d/data-mappings/custom-properties/%d/%d?%s",
		projectID, artifactTypeID, customPropertyID, c.plugInParam())
	if err := c.doRequest("GET", u, nil, &dto); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	e := toEntry(dto)
	return &e, nil
}

func (c *restClient) DataSyncCustomPropertyValueMappings(projectID, artifactTypeID, customPropertyID int) ([]mapping.Entry, error) {
	var dtos []dataMappingDTO
	u := c.svcURL("projects/%d/data-mappings/custom-properties/%d/%d/values?%s",
		projectID, artifactTypeID, customPropertyID, c.plugInParam())
	if err := c.doRequest("GET", u, nil, &dtos); err != nil {
		return nil, err
	}
	return toEntries(dtos), nil
}

func (c *restClient) AddDataSyncArtifactMappings(projectID, artifactTypeID int, entries []mapping.Entry) error {
	u := c.svcURL("projects/%d/data-mappings/artifacts/%d?%s", projectID, artifactTypeID, c.plugInParam())
	return c.doRequest("POST", u, fromEntries(entries), nil)
}

func (c *restClient) RemoveDataSyncArtifactMappings(projectID, artifactTypeID int, entries []mapping.Entry) error {
	u := c.svcURL("projects/%d/data-mappings/artifacts/%d/remove?%s", projectID, artifactTypeID, c.plugInParam())
	return c.doRequest("POST", u, fromEntries(entries), nil)
}

func toEntry(d dataMappingDTO) mapping.Entry {
	return mapping.Entry{
		ProjectID:   d.ProjectID,
		InternalID:  d.InternalID,
		ExternalKey: d.ExternalKey,
		Primary:     d.Primary,
	}
}

func toEntries(dtos []dataMappingDTO) []mapping.Entry {
	entries := make([]mapping.Entry, 0, len(dtos))
	for _, d := range dtos {
		entries = append(entries, toEntry(d))
	}
	return entries
}

func fromEntries(entries []mapping.Entry) []dataMappingDTO {
	dtos := make([]dataMappingDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, dataMappingDTO{
			ProjectID:   e.ProjectID,
			InternalID:  e.InternalID,
			ExternalKey: e.ExternalKey,
			Primary:     e.Primary,
		})
	}
	return dtos
}
