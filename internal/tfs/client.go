package tfs

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the connection settings for the TFS project collection.
type Config struct {
	// CollectionURL is the project-collection URL, e.g.
	// https://dev.azure.com/org or https://tfs.example.com/tfs/DefaultCollection.
	CollectionURL string
	Login         string
	Password      string
	// Domain selects the credential mode: empty means basic-auth (PAT or
	// live credentials), otherwise domain-qualified network credentials.
	Domain string
}

// Client is the interface the sync engine uses to talk to TFS.
type Client interface {
	Authenticate() error
	ListProjects() ([]Project, error)

	QueryWorkItemIDs(project, wiql string) ([]int, error)
	GetWorkItems(ids []int) ([]WorkItem, error)
	GetWorkItem(id int) (*WorkItem, error)
	CreateWorkItem(project, workItemType string, ops []PatchOperation) (*WorkItem, error)
	UpdateWorkItem(id int, ops []PatchOperation) (*WorkItem, error)
	ListRevisions(id int) ([]Revision, error)
	GetWorkItemType(project, name string) (*WorkItemType, error)

	ListIdentities() ([]Identity, error)

	GetIterationTree(project string) (*ClassificationNode, error)
	CreateIteration(project, name string) (*ClassificationNode, error)

	UploadAttachment(filename string, data []byte) (string, error)
	DownloadAttachment(attachmentURL string) ([]byte, error)

	WorkItemURL(project string, id int) string
}

type restClient struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new TFS client.
func NewClient(cfg Config) Client {
	return &restClient{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.CollectionURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

func (c *restClient) authorization() string {
	user := c.cfg.Login
	if c.cfg.Domain != "" {
		user = c.cfg.Domain + "\\" + c.cfg.Login
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+c.cfg.Password))
}

// doRequest performs one authenticated call. workItemID is forwarded into
// the error classifier so field-validation failures carry their subject.
func (c *restClient) doRequest(method, path string, body interface{}, contentType string, workItemID int) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	reqURL := c.baseURL + path + separator + "api-version=" + APIVersion

	req, err := http.NewRequest(method, reqURL, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authorization())
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyError(resp.StatusCode, respBody, workItemID)
	}

	return respBody, nil
}

// Authenticate verifies the credentials by listing projects.
func (c *restClient) Authenticate() error {
	if _, err := c.ListProjects(); err != nil {
		return err
	}
	log.Debug().Str("collection", c.baseURL).Msg("Authenticated against TFS")
	return nil
}

func (c *restClient) ListProjects() ([]Project, error) {
	respBody, err := c.doRequest("GET", "/_apis/projects?$top=200", nil, "", 0)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	var resp projectListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse projects response: %w", err)
	}
	return resp.Value, nil
}

// CreatedSinceQuery builds the WIQL statement for new work items.
func CreatedSinceQuery(project string, since time.Time) string {
	return fmt.Sprintf(
		"SELECT [System.Id], [System.Title], [System.WorkItemType] FROM WorkItems"+
			" WHERE [System.CreatedDate] >= '%s' AND [System.TeamProject] = '%s'"+
			" ORDER BY [System.CreatedDate]",
		since.Format("2006-01-02"), project)
}

// ChangedSinceQuery builds the WIQL statement for updated work items.
func ChangedSinceQuery(project string, since time.Time) string {
	return fmt.Sprintf(
		"SELECT [System.Id], [System.Title], [System.WorkItemType] FROM WorkItems"+
			" WHERE [System.ChangedDate] >= '%s' AND [System.TeamProject] = '%s'"+
			" ORDER BY [System.ChangedDate]",
		since.Format("2006-01-02"), project)
}

func (c *restClient) QueryWorkItemIDs(project, wiql string) ([]int, error) {
	path := fmt.Sprintf("/%s/_apis/wit/wiql", url.PathEscape(project))
	respBody, err := c.doRequest("POST", path, wiqlRequest{Query: wiql}, "application/json", 0)
	if err != nil {
		return nil, err
	}

	var resp wiqlResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse WIQL response: %w", err)
	}

	ids := make([]int, len(resp.WorkItems))
	for i, ref := range resp.WorkItems {
		ids[i] = ref.ID
	}
	return ids, nil
}

// GetWorkItems fetches work items in batches of MaxPageSize.
func (c *restClient) GetWorkItems(ids []int) ([]WorkItem, error) {
	var all []WorkItem
	for i := 0; i < len(ids); i += MaxPageSize {
		end := i + MaxPageSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]

		idStrings := make([]string, len(batch))
		for j, id := range batch {
			idStrings[j] = fmt.Sprintf("%d", id)
		}

		path := fmt.Sprintf("/_apis/wit/workitems?ids=%s&$expand=all", strings.Join(idStrings, ","))
		respBody, err := c.doRequest("GET", path, nil, "", 0)
		if err != nil {
			return nil, fmt.Errorf("fetching work items batch: %w", err)
		}

		var resp workItemBatchResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse work items response: %w", err)
		}
		all = append(all, resp.Value...)
	}
	return all, nil
}

func (c *restClient) GetWorkItem(id int) (*WorkItem, error) {
	path := fmt.Sprintf("/_apis/wit/workitems/%d?$expand=all", id)
	respBody, err := c.doRequest("GET", path, nil, "", id)
	if err != nil {
		return nil, err
	}

	var wi WorkItem
	if err := json.Unmarshal(respBody, &wi); err != nil {
		return nil, fmt.Errorf("failed to parse work item %d: %w", id, err)
	}
	return &wi, nil
}

func (c *restClient) CreateWorkItem(project, workItemType string, ops []PatchOperation) (*WorkItem, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/$%s", url.PathEscape(project), url.PathEscape(workItemType))
	respBody, err := c.doRequest("POST", path, ops, "application/json-patch+json", 0)
	if err != nil {
		return nil, err
	}

	var wi WorkItem
	if err := json.Unmarshal(respBody, &wi); err != nil {
		return nil, fmt.Errorf("failed to parse create response: %w", err)
	}
	return &wi, nil
}

func (c *restClient) UpdateWorkItem(id int, ops []PatchOperation) (*WorkItem, error) {
	path := fmt.Sprintf("/_apis/wit/workitems/%d", id)
	respBody, err := c.doRequest("PATCH", path, ops, "application/json-patch+json", id)
	if err != nil {
		return nil, err
	}

	var wi WorkItem
	if err := json.Unmarshal(respBody, &wi); err != nil {
		return nil, fmt.Errorf("failed to parse update response: %w", err)
	}
	return &wi, nil
}

func (c *restClient) ListRevisions(id int) ([]Revision, error) {
	path := fmt.Sprintf("/_apis/wit/workitems/%d/revisions", id)
	respBody, err := c.doRequest("GET", path, nil, "", id)
	if err != nil {
		return nil, err
	}

	var resp revisionListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse revisions for work item %d: %w", id, err)
	}
	return resp.Value, nil
}

func (c *restClient) GetWorkItemType(project, name string) (*WorkItemType, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitemtypes/%s", url.PathEscape(project), url.PathEscape(name))
	respBody, err := c.doRequest("GET", path, nil, "", 0)
	if err != nil {
		return nil, err
	}

	var wit WorkItemType
	if err := json.Unmarshal(respBody, &wit); err != nil {
		return nil, fmt.Errorf("failed to parse work-item type %q: %w", name, err)
	}
	return &wit, nil
}

// ListIdentities returns the identity roster for the collection. Read once
// per cycle and treated as immutable.
func (c *restClient) ListIdentities() ([]Identity, error) {
	respBody, err := c.doRequest("GET", "/_apis/identities?searchFilter=General&filterValue=", nil, "", 0)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}

	var resp identityListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse identities response: %w", err)
	}
	return resp.Value, nil
}

func (c *restClient) GetIterationTree(project string) (*ClassificationNode, error) {
	path := fmt.Sprintf("/%s/_apis/wit/classificationnodes/iterations?$depth=10", url.PathEscape(project))
	respBody, err := c.doRequest("GET", path, nil, "", 0)
	if err != nil {
		return nil, err
	}

	var root ClassificationNode
	if err := json.Unmarshal(respBody, &root); err != nil {
		return nil, fmt.Errorf("failed to parse iteration tree: %w", err)
	}
	return &root, nil
}

// CreateIteration adds a node under the project's iteration root. The node
// may not be immediately visible in the tree; callers poll GetIterationTree.
func (c *restClient) CreateIteration(project, name string) (*ClassificationNode, error) {
	path := fmt.Sprintf("/%s/_apis/wit/classificationnodes/iterations", url.PathEscape(project))
	respBody, err := c.doRequest("POST", path, map[string]string{"name": name}, "application/json", 0)
	if err != nil {
		return nil, fmt.Errorf("creating iteration %q: %w", name, err)
	}

	var node ClassificationNode
	if err := json.Unmarshal(respBody, &node); err != nil {
		return nil, fmt.Errorf("failed to parse iteration create response: %w", err)
	}
	return &node, nil
}

// UploadAttachment stores attachment content and returns its URL, which is
// then linked to a work item via an AttachedFile relation.
func (c *restClient) UploadAttachment(filename string, data []byte) (string, error) {
	path := fmt.Sprintf("/_apis/wit/attachments?fileName=%s", url.QueryEscape(filename))
	reqURL := c.baseURL + path + "&api-version=" + APIVersion

	req, err := http.NewRequest("POST", reqURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.authorization())
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading attachment %q: %w", filename, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyError(resp.StatusCode, respBody, 0)
	}

	var uploaded attachmentUploadResponse
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return "", fmt.Errorf("failed to parse attachment response: %w", err)
	}
	return uploaded.URL, nil
}

func (c *restClient) DownloadAttachment(attachmentURL string) ([]byte, error) {
	req, err := http.NewRequest("GET", attachmentURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authorization())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TFS API returned status %d for attachment download", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *restClient) WorkItemURL(project string, id int) string {
	return fmt.Sprintf("%s/%s/_workitems/edit/%d", c.baseURL, url.PathEscape(project), id)
}
