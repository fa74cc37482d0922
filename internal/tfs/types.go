// Package tfs is a REST client for the TFS / Azure DevOps work-item-tracking
// API: WIQL queries, work items with patch-operation writes, revisions,
// relations, attachments, iteration classification nodes and the identity
// roster.
package tfs

import (
	"fmt"
	"time"
)

// API constants.
const (
	DefaultTimeout = 90 * time.Second
	MaxPageSize    = 200
	APIVersion     = "7.0"
)

// Well-known field reference names.
const (
	FieldID            = "System.Id"
	FieldTitle         = "System.Title"
	FieldDescription   = "System.Description"
	FieldState         = "System.State"
	FieldReason        = "System.Reason"
	FieldWorkItemType  = "System.WorkItemType"
	FieldTeamProject   = "System.TeamProject"
	FieldAreaID        = "System.AreaId"
	FieldIterationID   = "System.IterationId"
	FieldIterationPath = "System.IterationPath"
	FieldAssignedTo    = "System.AssignedTo"
	FieldCreatedBy     = "System.CreatedBy"
	FieldCreatedDate   = "System.CreatedDate"
	FieldChangedBy     = "System.ChangedBy"
	FieldChangedDate   = "System.ChangedDate"
	FieldHistory       = "System.History"
	FieldPriority      = "Microsoft.VSTS.Common.Priority"
	FieldSeverity      = "Microsoft.VSTS.Common.Severity"
	FieldReproSteps    = "Microsoft.VSTS.TCM.ReproSteps"
	FieldCompletedWork = "Microsoft.VSTS.Scheduling.CompletedWork"
	FieldRemainingWork = "Microsoft.VSTS.Scheduling.RemainingWork"
	FieldStartDate     = "Microsoft.VSTS.Scheduling.StartDate"
	FieldFinishDate    = "Microsoft.VSTS.Scheduling.FinishDate"
)

// Relation kinds on work-item links.
const (
	RelHyperlink    = "Hyperlink"
	RelAttachedFile = "AttachedFile"
	RelRelated      = "System.LinkTypes.Related"
)

// FieldSet is the dynamic field dictionary of a work item or revision.
type FieldSet map[string]interface{}

// Has reports whether the field is present at all.
func (f FieldSet) Has(ref string) bool {
	_, ok := f[ref]
	return ok
}

// String returns the field rendered as a string, empty when absent. Identity
// fields (objects with a displayName) render as the display name.
func (f FieldSet) String(ref string) string {
	v, ok := f[ref]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		if name, ok := t["displayName"].(string); ok {
			return name
		}
		return ""
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Int returns an integer field value. JSON numbers arrive as float64.
func (f FieldSet) Int(ref string) (int, bool) {
	switch t := f[ref].(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	default:
		return 0, false
	}
}

// Float returns a floating-point field value.
func (f FieldSet) Float(ref string) (float64, bool) {
	switch t := f[ref].(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

// Time parses a date field. TFS serializes dates as ISO-8601.
func (f FieldSet) Time(ref string) (time.Time, bool) {
	s, ok := f[ref].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// WorkItem is a TFS work item with its dynamic field dictionary.
type WorkItem struct {
	ID        int        `json:"id"`
	Rev       int        `json:"rev"`
	URL       string     `json:"url"`
	Fields    FieldSet   `json:"fields"`
	Relations []Relation `json:"relations,omitempty"`
}

// Revision is one historical revision of a work item.
type Revision struct {
	Rev    int      `json:"rev"`
	Fields FieldSet `json:"fields"`
}

// Relation is a link on a work item: hyperlink, attached file or a typed
// link to another work item.
type Relation struct {
	Rel        string                 `json:"rel"`
	URL        string                 `json:"url"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// FieldDefinition describes one field of a work-item type.
type FieldDefinition struct {
	ReferenceName string `json:"referenceName"`
	Name          string `json:"name"`
}

// WorkItemType is a work-item template with its field definitions.
type WorkItemType struct {
	Name   string            `json:"name"`
	Fields []FieldDefinition `json:"fieldInstances"`
}

// HasField reports whether the type defines the given field reference name.
func (t *WorkItemType) HasField(ref string) bool {
	for _, f := range t.Fields {
		if f.ReferenceName == ref {
			return true
		}
	}
	return false
}

// Identity is a TFS user identity.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"providerDisplayName"`
	UniqueName  string `json:"uniqueName"`
}

// ClassificationNode is a node in a project's iteration (or area) tree.
type ClassificationNode struct {
	ID         int                  `json:"id"`
	Identifier string               `json:"identifier"`
	Name       string               `json:"name"`
	Path       string               `json:"path"`
	Children   []ClassificationNode `json:"children,omitempty"`
}

// FindChild returns the direct or transitive child with the given name.
func (n *ClassificationNode) FindChild(name string) *ClassificationNode {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i]
		}
		if found := n.Children[i].FindChild(name); found != nil {
			return found
		}
	}
	return nil
}

// FindByID returns the node (including n itself) with the given id.
func (n *ClassificationNode) FindByID(id int) *ClassificationNode {
	if n.ID == id {
		return n
	}
	for i := range n.Children {
		if found := n.Children[i].FindByID(id); found != nil {
			return found
		}
	}
	return nil
}

// Project is a TFS team project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PatchOperation is one JSON-patch operation in a work-item write.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// SetField returns ops extended with an add operation for a field.
func SetField(ops []PatchOperation, ref string, value interface{}) []PatchOperation {
	return append(ops, PatchOperation{Op: "add", Path: "/fields/" + ref, Value: value})
}

// AddRelation returns ops extended with a relation add.
func AddRelation(ops []PatchOperation, rel Relation) []PatchOperation {
	return append(ops, PatchOperation{Op: "add", Path: "/relations/-", Value: rel})
}

// wiqlRequest is the request body for WIQL queries.
type wiqlRequest struct {
	Query string `json:"query"`
}

// wiqlResponse is the response from a WIQL query.
type wiqlResponse struct {
	WorkItems []workItemRef `json:"workItems"`
}

type workItemRef struct {
	ID int `json:"id"`
}

type workItemBatchResponse struct {
	Count int        `json:"count"`
	Value []WorkItem `json:"value"`
}

type revisionListResponse struct {
	Count int        `json:"count"`
	Value []Revision `json:"value"`
}

type identityListResponse struct {
	Count int        `json:"count"`
	Value []Identity `json:"value"`
}

type projectListResponse struct {
	Count int       `json:"count"`
	Value []Project `json:"value"`
}

// attachmentUploadResponse is returned when uploading attachment content.
type attachmentUploadResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
