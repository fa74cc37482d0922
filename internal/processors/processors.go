// Package processors holds the per-kind artifact flows: create-outbound for
// incidents, create-inbound for work items classified as task, requirement or
// incident, and the merge-update reconciliation for mapped pairs. Incidents
// merge bidirectionally; tasks and requirements only update TFS→Spira.
package processors

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"spira-tfs-sync/internal/customprops"
	"spira-tfs-sync/internal/links"
	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/releases"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/synclog"
	"spira-tfs-sync/internal/tfs"
	"spira-tfs-sync/internal/translate"
)

// EmptyDescription is stored on Spira artifacts created from work items that
// carry no description text.
const EmptyDescription = "Empty Description in TFS"

// Options carries the per-instance processor configuration.
type Options struct {
	// TimeOffsetHours is added to TFS local times to obtain UTC.
	TimeOffsetHours int
	// ArtifactIDField names the TFS field that receives the prefixed Spira
	// id (IN123, TK45, RQ7). Empty disables the write-back.
	ArtifactIDField string
	// OpenerField names the TFS field that receives the Spira reporter's
	// display name. Empty disables it.
	OpenerField string
	// TaskTypes and RequirementTypes classify inbound work items by their
	// work-item-type name. Anything else becomes an incident.
	TaskTypes        []string
	RequirementTypes []string
	// TaskCustomPropsUseTaskType selects the artifact type used to load
	// task custom-property definitions. Off by default: the stored mapping
	// data was provisioned against the requirement type and switching
	// silently would orphan it.
	TaskCustomPropsUseTaskType bool
}

// Env is the per-project toolkit shared by all processor flows. It is built
// once per project per cycle; the caches inside live for that cycle.
type Env struct {
	ProjectID  int
	TFSProject string
	Spira      spira.Client
	TFS        tfs.Client
	Store      *mapping.Store
	Users      *translate.Users
	Releases   *releases.Reconciler
	Links      *links.Linker
	Recorder   *synclog.Recorder
	Opts       Options

	fieldTables map[int][]mapping.Entry
	bridges     map[int]*customprops.Bridge
	workTypes   map[string]*tfs.WorkItemType
}

// NewEnv wires the toolkit for one project.
func NewEnv(projectID int, tfsProject string, spiraClient spira.Client, tfsClient tfs.Client,
	store *mapping.Store, users *translate.Users, recorder *synclog.Recorder, opts Options) *Env {
	return &Env{
		ProjectID:   projectID,
		TFSProject:  tfsProject,
		Spira:       spiraClient,
		TFS:         tfsClient,
		Store:       store,
		Users:       users,
		Releases:    releases.NewReconciler(projectID, tfsProject, spiraClient, tfsClient, store),
		Links:       links.NewLinker(projectID, spiraClient, tfsClient, store),
		Recorder:    recorder,
		Opts:        opts,
		fieldTables: make(map[int][]mapping.Entry),
		bridges:     make(map[int]*customprops.Bridge),
		workTypes:   make(map[string]*tfs.WorkItemType),
	}
}

// fieldTable returns the field-value mapping table for one Spira field,
// fetched at most once per cycle.
func (e *Env) fieldTable(artifactFieldID int) ([]mapping.Entry, error) {
	if t, ok := e.fieldTables[artifactFieldID]; ok {
		return t, nil
	}
	t, err := e.Spira.DataSyncFieldValueMappings(e.ProjectID, artifactFieldID)
	if err != nil {
		return nil, fmt.Errorf("loading field-value mappings for field %d: %w", artifactFieldID, err)
	}
	e.fieldTables[artifactFieldID] = t
	return t, nil
}

// bridge returns the custom-property bridge for one artifact type. Task
// definitions load under the requirement type unless the correcting flag is
// set (see Options.TaskCustomPropsUseTaskType).
func (e *Env) bridge(artifactTypeID int) (*customprops.Bridge, error) {
	if b, ok := e.bridges[artifactTypeID]; ok {
		return b, nil
	}
	defTypeID := artifactTypeID
	if artifactTypeID == mapping.ArtifactTypeTask && !e.Opts.TaskCustomPropsUseTaskType {
		defTypeID = mapping.ArtifactTypeRequirement
	}
	defs, err := e.Spira.ListCustomProperties(defTypeID)
	if err != nil {
		return nil, fmt.Errorf("loading custom properties for type %d: %w", defTypeID, err)
	}
	b := customprops.NewBridge(e.ProjectID, defTypeID, defs, e.Spira, e.Users, e.Opts.TimeOffsetHours)
	e.bridges[artifactTypeID] = b
	return b, nil
}

// workItemType returns the field definitions for one work-item-type name.
func (e *Env) workItemType(name string) (*tfs.WorkItemType, error) {
	if t, ok := e.workTypes[name]; ok {
		return t, nil
	}
	t, err := e.TFS.GetWorkItemType(e.TFSProject, name)
	if err != nil {
		return nil, err
	}
	e.workTypes[name] = t
	return t, nil
}

// Classify maps a work-item-type name to the artifact type it syncs as.
func (e *Env) Classify(workItemType string) int {
	if containsFold(e.Opts.TaskTypes, workItemType) {
		return mapping.ArtifactTypeTask
	}
	if containsFold(e.Opts.RequirementTypes, workItemType) {
		return mapping.ArtifactTypeRequirement
	}
	return mapping.ArtifactTypeIncident
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}

// prefixFor returns the artifact-id prefix for one artifact type.
func prefixFor(artifactTypeID int) string {
	switch artifactTypeID {
	case mapping.ArtifactTypeTask:
		return mapping.PrefixTask
	case mapping.ArtifactTypeRequirement:
		return mapping.PrefixRequirement
	default:
		return mapping.PrefixIncident
	}
}

// PrefixedID renders the artifact-id field value, e.g. IN123.
func PrefixedID(artifactTypeID, artifactID int) string {
	return prefixFor(artifactTypeID) + strconv.Itoa(artifactID)
}

// fieldValue renders a mapped external key for a TFS field write. Numeric
// keys become integers because fields like Priority reject strings.
func fieldValue(key string) interface{} {
	if n, err := strconv.Atoi(key); err == nil {
		return n
	}
	return key
}

// hoursToMinutes converts a floating-point hours field to Spira's integer
// minutes representation.
func hoursToMinutes(hours float64) int {
	return int(hours * 60)
}

// warnUnmapped logs a soft translation miss: the destination field is left
// unchanged and the artifact continues.
func (e *Env) warnUnmapped(what string, value interface{}, artifact string) {
	log.Warn().
		Interface("value", value).
		Str("artifact", artifact).
		Msgf("No mapping for %s, leaving field unchanged", what)
	e.Recorder.Warning("processor", "no %s mapping for %v on %s", what, value, artifact)
}
