// Package engine drives one synchronization cycle: for every mapped project
// it runs four phases — new Spira incidents out (P1), new TFS work items in
// (P2), updated artifacts reconciled (P3), release mappings flushed (P4) —
// with re-authentication at each phase boundary and per-artifact and
// per-project error isolation.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/processors"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/synclog"
	"spira-tfs-sync/internal/tfs"
	"spira-tfs-sync/internal/translate"
)

// SentinelWatermark replaces a null last-sync date on the first-ever run.
var SentinelWatermark = time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC)

// Defaults applied by NewEngine when the options leave them zero.
const (
	DefaultPageSize        = 100
	DefaultCapFallbackDays = 2
)

// Options configures one engine instance.
type Options struct {
	Processors   processors.Options
	AutoMapUsers bool
	// PageSize bounds each page of the P1 incident scan.
	PageSize int
	// CapFallbackDays is the shortened window retried after the TFS
	// result-set cap fires.
	CapFallbackDays int
}

// Engine executes sync cycles against one Spira/TFS pair.
type Engine struct {
	spira    spira.Client
	tfs      tfs.Client
	recorder *synclog.Recorder
	opts     Options
}

// NewEngine wires an engine from authenticated-capable clients.
func NewEngine(spiraClient spira.Client, tfsClient tfs.Client, recorder *synclog.Recorder, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.CapFallbackDays <= 0 {
		opts.CapFallbackDays = DefaultCapFallbackDays
	}
	return &Engine{spira: spiraClient, tfs: tfsClient, recorder: recorder, opts: opts}
}

// Run executes one cycle. lastSync may be nil on the first run; serverTime is
// the host's notion of now, used for the query-cap fallback window.
func (eng *Engine) Run(lastSync *time.Time, serverTime time.Time) synclog.Status {
	watermark := SentinelWatermark
	if lastSync != nil {
		watermark = lastSync.UTC()
	}
	log.Info().Time("watermark", watermark).Msg("Sync cycle starting")

	if err := eng.spira.Authenticate(); err != nil {
		eng.recorder.FailRun("engine", "Spira authentication failed: %v", err)
		return eng.recorder.Status()
	}
	if err := eng.tfs.Authenticate(); err != nil {
		eng.recorder.FailRun("engine", "TFS authentication failed: %v", err)
		return eng.recorder.Status()
	}

	projects, err := eng.spira.DataSyncProjectMappings()
	if err != nil {
		eng.recorder.FailRun("engine", "loading project mappings: %v", err)
		return eng.recorder.Status()
	}
	if len(projects) == 0 {
		eng.recorder.Info("engine", "no project mappings configured")
		return eng.recorder.Status()
	}

	userMappings, err := eng.spira.DataSyncUserMappings()
	if err != nil {
		eng.recorder.FailRun("engine", "loading user mappings: %v", err)
		return eng.recorder.Status()
	}

	// The identity roster is read once per cycle and shared by all projects.
	var roster []tfs.Identity
	if eng.opts.AutoMapUsers {
		roster, err = eng.tfs.ListIdentities()
		if err != nil {
			eng.recorder.FailRun("engine", "loading TFS identities: %v", err)
			return eng.recorder.Status()
		}
	}

	for i, pm := range projects {
		if err := eng.runProject(pm, userMappings, roster, watermark, serverTime); err != nil {
			// Project failures abort the run only when the very first
			// project cannot even connect.
			if i == 0 && errors.Is(err, spira.ErrAuthentication) {
				eng.recorder.FailRun("engine", "project %d failed: %v", pm.InternalID, err)
				return eng.recorder.Status()
			}
			eng.recorder.Warning("engine", "project %d skipped: %v", pm.InternalID, err)
		}
	}

	status := eng.recorder.Status()
	log.Info().Str("status", string(status)).Msg("Sync cycle finished")
	return status
}

// runProject executes the four phases for one project mapping. InternalID is
// the Spira project id; ExternalKey names the TFS team project.
func (eng *Engine) runProject(pm mapping.Entry, userMappings []mapping.Entry,
	roster []tfs.Identity, watermark, serverTime time.Time) error {

	projectID, tfsProject := pm.InternalID, pm.ExternalKey
	log.Info().Int("project", projectID).Str("tfsProject", tfsProject).Msg("Project sync starting")

	store := mapping.NewStore(eng.spira)
	users := translate.NewUsers(eng.opts.AutoMapUsers, userMappings, eng.spira, roster)
	env := processors.NewEnv(projectID, tfsProject, eng.spira, eng.tfs, store, users,
		eng.recorder, eng.opts.Processors)

	// The Spira session can time out between phases; each phase starts with
	// a fresh authentication and project selection. One attempt, no retry.
	reconnect := func(phase string) error {
		if err := eng.spira.Authenticate(); err != nil {
			return fmt.Errorf("%s re-authentication: %w", phase, err)
		}
		if err := eng.spira.ConnectProject(projectID); err != nil {
			return fmt.Errorf("%s project selection: %w", phase, err)
		}
		return nil
	}

	if err := reconnect("P1"); err != nil {
		return err
	}
	eng.phaseOneNewIncidents(env, watermark)
	if err := store.Flush(); err != nil {
		return fmt.Errorf("flushing P1 mappings: %w", err)
	}

	if err := reconnect("P2"); err != nil {
		return err
	}
	eng.phaseTwoNewWorkItems(env, watermark, serverTime)
	if err := store.Flush(); err != nil {
		return fmt.Errorf("flushing P2 mappings: %w", err)
	}

	if err := reconnect("P3"); err != nil {
		return err
	}
	eng.phaseThreeUpdates(env, watermark, serverTime)
	if err := store.Flush(); err != nil {
		return fmt.Errorf("flushing P3 mappings: %w", err)
	}

	// P4: retire release mappings whose iteration disappeared, then flush.
	if err := env.Releases.RetireMissing(); err != nil {
		eng.recorder.Warning("engine", "checking release mappings: %v", err)
	}
	if err := store.Flush(); err != nil {
		return fmt.Errorf("flushing release mappings: %w", err)
	}

	log.Info().Int("project", projectID).Msg("Project sync finished")
	return nil
}

// phaseOneNewIncidents pages through incidents created since the watermark
// and creates their work items. Artifact errors never abort the page loop.
func (eng *Engine) phaseOneNewIncidents(env *processors.Env, watermark time.Time) {
	startRow := 1
	for {
		page, err := eng.spira.ListIncidentsCreatedAfter(watermark, startRow, eng.opts.PageSize)
		if err != nil {
			eng.recorder.Error("engine", "listing new incidents: %v", err)
			return
		}
		for i := range page {
			if err := env.CreateOutboundIncident(&page[i]); err != nil {
				eng.recorder.Error("engine", "incident %d: %v", page[i].IncidentID, err)
			}
		}
		if len(page) < eng.opts.PageSize {
			return
		}
		startRow += eng.opts.PageSize
	}
}

// phaseTwoNewWorkItems queries TFS for work items created since the watermark
// and creates their Spira counterparts.
func (eng *Engine) phaseTwoNewWorkItems(env *processors.Env, watermark, serverTime time.Time) {
	since := translate.UTCToTFS(watermark, eng.opts.Processors.TimeOffsetHours)
	ids, ok := eng.queryWithCapFallback(env.TFSProject, since, serverTime, tfs.CreatedSinceQuery)
	if !ok {
		return
	}

	items, err := eng.tfs.GetWorkItems(ids)
	if err != nil {
		eng.recorder.Error("engine", "fetching new work items: %v", err)
		return
	}
	for i := range items {
		if err := env.CreateInbound(&items[i]); err != nil {
			eng.recorder.Error("engine", "work item %d: %v", items[i].ID, err)
		}
	}
}

// phaseThreeUpdates reconciles every mapped artifact that changed on either
// side, deduplicated so each pair is visited at most once.
func (eng *Engine) phaseThreeUpdates(env *processors.Env, watermark, serverTime time.Time) {
	incidents := make(map[int]string)
	tasks := make(map[int]string)
	requirements := make(map[int]string)

	// Spira side: updated incidents, excluding those just created in P1.
	updated, err := eng.spira.ListIncidentsUpdatedAfter(watermark)
	if err != nil {
		eng.recorder.Error("engine", "listing updated incidents: %v", err)
	} else {
		for i := range updated {
			inc := &updated[i]
			if !inc.CreationDate.Before(watermark) {
				continue
			}
			entry, err := env.Store.FindByInternalID(env.ProjectID, mapping.ArtifactTypeIncident, inc.IncidentID)
			if err != nil {
				eng.recorder.Error("engine", "mapping lookup for incident %d: %v", inc.IncidentID, err)
				continue
			}
			if entry != nil {
				incidents[inc.IncidentID] = entry.ExternalKey
			}
		}
	}

	// TFS side: changed work items, classified and matched to mappings.
	since := translate.UTCToTFS(watermark, eng.opts.Processors.TimeOffsetHours)
	if ids, ok := eng.queryWithCapFallback(env.TFSProject, since, serverTime, tfs.ChangedSinceQuery); ok {
		items, err := eng.tfs.GetWorkItems(ids)
		if err != nil {
			eng.recorder.Error("engine", "fetching changed work items: %v", err)
		} else {
			for i := range items {
				eng.collectChanged(env, &items[i], incidents, tasks, requirements)
			}
		}
	}

	for _, internalID := range sortedKeys(incidents) {
		if err := env.UpdateIncident(internalID, incidents[internalID]); err != nil {
			eng.recorder.Error("engine", "updating incident %d: %v", internalID, err)
		}
	}
	for _, internalID := range sortedKeys(tasks) {
		if err := env.UpdateTask(internalID, tasks[internalID]); err != nil {
			eng.recorder.Error("engine", "updating task %d: %v", internalID, err)
		}
	}
	for _, internalID := range sortedKeys(requirements) {
		if err := env.UpdateRequirement(internalID, requirements[internalID]); err != nil {
			eng.recorder.Error("engine", "updating requirement %d: %v", internalID, err)
		}
	}
}

func (eng *Engine) collectChanged(env *processors.Env, wi *tfs.WorkItem,
	incidents, tasks, requirements map[int]string) {

	artifactTypeID := env.Classify(wi.Fields.String(tfs.FieldWorkItemType))
	entry, err := env.Store.FindByExternalKey(env.ProjectID, artifactTypeID, strconv.Itoa(wi.ID), false)
	if err != nil {
		eng.recorder.Error("engine", "mapping lookup for work item %d: %v", wi.ID, err)
		return
	}
	if entry == nil {
		return
	}
	switch artifactTypeID {
	case mapping.ArtifactTypeTask:
		tasks[entry.InternalID] = entry.ExternalKey
	case mapping.ArtifactTypeRequirement:
		requirements[entry.InternalID] = entry.ExternalKey
	default:
		incidents[entry.InternalID] = entry.ExternalKey
	}
}

// queryWithCapFallback runs a WIQL discovery query, retrying once with the
// shortened window when TFS reports the result-set cap.
func (eng *Engine) queryWithCapFallback(tfsProject string, since, serverTime time.Time,
	buildQuery func(project string, since time.Time) string) ([]int, bool) {

	ids, err := eng.tfs.QueryWorkItemIDs(tfsProject, buildQuery(tfsProject, since))
	if err == nil {
		return ids, true
	}
	if !errors.Is(err, tfs.ErrResultSetCap) {
		eng.recorder.Error("engine", "work-item query failed: %v", err)
		return nil, false
	}

	fallback := serverTime.AddDate(0, 0, -eng.opts.CapFallbackDays)
	eng.recorder.Warning("engine", "work-item query hit the result cap, retrying last %d days", eng.opts.CapFallbackDays)
	ids, err = eng.tfs.QueryWorkItemIDs(tfsProject, buildQuery(tfsProject, fallback))
	if err != nil {
		eng.recorder.Warning("engine", "shortened work-item query failed, skipping discovery: %v", err)
		return nil, false
	}
	return ids, true
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
