package tfs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg.CollectionURL = server.URL
	return NewClient(cfg)
}

func TestAuthorizationHeader(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "basic",
			cfg:  Config{Login: "sync", Password: "pat-token"},
			want: "sync:pat-token",
		},
		{
			name: "domain qualified",
			cfg:  Config{Login: "sync", Password: "secret", Domain: "CORP"},
			want: "CORP\\sync:secret",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			c := newTestClient(t, tt.cfg, func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("Authorization")
				json.NewEncoder(w).Encode(projectListResponse{})
			})
			if _, err := c.ListProjects(); err != nil {
				t.Fatal(err)
			}
			want := "Basic " + base64.StdEncoding.EncodeToString([]byte(tt.want))
			if got != want {
				t.Errorf("Authorization = %q, want %q", got, want)
			}
		})
	}
}

func TestAuthenticate_RejectedCredentials(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	if err := c.Authenticate(); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
}

func TestQueryWorkItemIDs_RequestShape(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/Web/_apis/wit/wiql" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != APIVersion {
			t.Errorf("api-version = %q", r.URL.Query().Get("api-version"))
		}
		var req wiqlRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(req.Query, "[System.CreatedDate] >= '2024-03-01'") {
			t.Errorf("query = %q", req.Query)
		}
		json.NewEncoder(w).Encode(wiqlResponse{WorkItems: []workItemRef{{ID: 100}, {ID: 300}}})
	})

	since := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	ids, err := c.QueryWorkItemIDs("Web", CreatedSinceQuery("Web", since))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 100 || ids[1] != 300 {
		t.Errorf("ids = %v", ids)
	}
}

func TestQueryWorkItemIDs_ResultCap(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"message": "VS402337: The number of work items returned exceeds the size limit of 20000.",
		})
	})

	_, err := c.QueryWorkItemIDs("Web", ChangedSinceQuery("Web", time.Now()))
	if !errors.Is(err, ErrResultSetCap) {
		t.Fatalf("err = %v, want ErrResultSetCap", err)
	}
}

func TestCreateWorkItem_PatchRequest(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Web/_apis/wit/workitems/$Bug" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json-patch+json" {
			t.Errorf("content type = %q", ct)
		}
		var ops []PatchOperation
		json.NewDecoder(r.Body).Decode(&ops)
		if len(ops) != 1 || ops[0].Path != "/fields/"+FieldTitle || ops[0].Value != "Login fails" {
			t.Errorf("ops = %+v", ops)
		}
		json.NewEncoder(w).Encode(WorkItem{ID: 100, Fields: FieldSet{FieldTitle: "Login fails"}})
	})

	wi, err := c.CreateWorkItem("Web", "Bug", []PatchOperation{
		{Op: "add", Path: "/fields/" + FieldTitle, Value: "Login fails"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if wi.ID != 100 {
		t.Errorf("ID = %d", wi.ID)
	}
}

func TestUpdateWorkItem_FieldValidation(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": "TF237124: Work item is not ready to save",
			"customProperties": map[string]interface{}{
				"RuleValidationErrors": []map[string]string{
					{"fieldReferenceName": "System.AssignedTo", "errorMessage": "value not in allowed list"},
				},
			},
		})
	})

	_, err := c.UpdateWorkItem(300, []PatchOperation{
		{Op: "add", Path: "/fields/System.AssignedTo", Value: "nobody"},
	})
	var fve *FieldValidationError
	if !errors.As(err, &fve) {
		t.Fatalf("err = %v, want *FieldValidationError", err)
	}
	if fve.WorkItemID != 300 {
		t.Errorf("WorkItemID = %d", fve.WorkItemID)
	}
	if len(fve.Fields) != 1 || fve.Fields[0].ReferenceName != "System.AssignedTo" {
		t.Errorf("Fields = %+v", fve.Fields)
	}
}

func TestGetWorkItem_NotFound(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if _, err := c.GetWorkItem(999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetWorkItems_SplitsIntoBatches(t *testing.T) {
	var requests int
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		requests++
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		if len(ids) > MaxPageSize {
			t.Errorf("batch of %d exceeds page size", len(ids))
		}
		items := make([]WorkItem, len(ids))
		for i := range ids {
			items[i] = WorkItem{ID: i}
		}
		json.NewEncoder(w).Encode(workItemBatchResponse{Count: len(items), Value: items})
	})

	ids := make([]int, MaxPageSize+50)
	for i := range ids {
		ids[i] = i + 1
	}
	items, err := c.GetWorkItems(ids)
	if err != nil {
		t.Fatal(err)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
	if len(items) != len(ids) {
		t.Errorf("items = %d, want %d", len(items), len(ids))
	}
}

func TestSinceQueries_UseDateOnlyWindow(t *testing.T) {
	since := time.Date(2024, 3, 8, 23, 59, 0, 0, time.UTC)

	created := CreatedSinceQuery("My Project", since)
	if !strings.Contains(created, "[System.CreatedDate] >= '2024-03-08'") {
		t.Errorf("created query = %q", created)
	}
	if !strings.Contains(created, "[System.TeamProject] = 'My Project'") {
		t.Errorf("created query = %q", created)
	}

	changed := ChangedSinceQuery("My Project", since)
	if !strings.Contains(changed, "[System.ChangedDate] >= '2024-03-08'") {
		t.Errorf("changed query = %q", changed)
	}
}
