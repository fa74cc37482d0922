package processors

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/tfs"
	"spira-tfs-sync/internal/translate"
)

// CreateInbound creates the Spira artifact for a new work item, dispatched by
// the work-item-type classification. Already-mapped work items are skipped.
func (e *Env) CreateInbound(wi *tfs.WorkItem) error {
	artifactTypeID := e.Classify(wi.Fields.String(tfs.FieldWorkItemType))

	entry, err := e.Store.FindByExternalKey(e.ProjectID, artifactTypeID, strconv.Itoa(wi.ID), false)
	if err != nil {
		return err
	}
	if entry != nil {
		log.Debug().Int("workItemId", wi.ID).Msg("Work item already mapped, skipping")
		return nil
	}

	switch artifactTypeID {
	case mapping.ArtifactTypeTask:
		return e.createInboundTask(wi)
	case mapping.ArtifactTypeRequirement:
		return e.createInboundRequirement(wi)
	default:
		return e.createInboundIncident(wi)
	}
}

// inboundCommon is the field set every inbound creation shares.
type inboundCommon struct {
	name        string
	description string
	createdUTC  time.Time
	creatorID   *int
	ownerID     *int
	releaseID   *int
}

func (e *Env) inboundFields(wi *tfs.WorkItem) inboundCommon {
	c := inboundCommon{
		name:        wi.Fields.String(tfs.FieldTitle),
		description: e.workItemDescription(wi),
	}
	if c.description == "" {
		c.description = EmptyDescription
	}

	if created, ok := wi.Fields.Time(tfs.FieldCreatedDate); ok {
		c.createdUTC = translate.TFSToUTC(created, e.Opts.TimeOffsetHours)
	} else {
		c.createdUTC = time.Now().UTC()
	}

	if name := wi.Fields.String(tfs.FieldCreatedBy); name != "" {
		if id, ok := e.Users.UserID(name); ok {
			c.creatorID = &id
		}
	}
	if name := wi.Fields.String(tfs.FieldAssignedTo); name != "" {
		if id, ok := e.Users.UserID(name); ok {
			c.ownerID = &id
		}
	}

	if iterationID, ok := wi.Fields.Int(tfs.FieldIterationID); ok {
		releaseID, found, err := e.Releases.ReleaseID(iterationID)
		if err != nil {
			e.Recorder.Warning("processor", "resolving release for iteration %d: %v", iterationID, err)
		} else if found {
			c.releaseID = &releaseID
		}
	}
	return c
}

// inboundEnum translates a work-item field to a Spira enum id. A miss is a
// warning and the field stays empty; the artifact is still created.
func (e *Env) inboundEnum(wi *tfs.WorkItem, fieldRef string, artifactFieldID int, what string) (*int, error) {
	value := wi.Fields.String(fieldRef)
	if value == "" {
		return nil, nil
	}
	table, err := e.fieldTable(artifactFieldID)
	if err != nil {
		return nil, err
	}
	id, ok := translate.ExternalToInternal(table, value)
	if !ok {
		e.warnUnmapped(what, value, fmt.Sprintf("work item %d", wi.ID))
		return nil, nil
	}
	return &id, nil
}

func (e *Env) createInboundIncident(wi *tfs.WorkItem) error {
	c := e.inboundFields(wi)

	statusTable, err := e.fieldTable(mapping.FieldIncidentStatus)
	if err != nil {
		return err
	}
	statusKey := translate.JoinComposite(wi.Fields.String(tfs.FieldState), wi.Fields.String(tfs.FieldReason))
	var statusID *int
	if id, ok := translate.ExternalToInternal(statusTable, statusKey); ok {
		statusID = &id
	} else {
		e.warnUnmapped("status", statusKey, fmt.Sprintf("work item %d", wi.ID))
	}

	priorityID, err := e.inboundEnum(wi, tfs.FieldPriority, mapping.FieldIncidentPriority, "priority")
	if err != nil {
		return err
	}
	severityID, err := e.inboundEnum(wi, tfs.FieldSeverity, mapping.FieldIncidentSeverity, "severity")
	if err != nil {
		return err
	}

	inc := &spira.Incident{
		ProjectID:         e.ProjectID,
		Name:              c.name,
		Description:       c.description,
		IncidentStatusID:  statusID,
		PriorityID:        priorityID,
		SeverityID:        severityID,
		OpenerID:          c.creatorID,
		OwnerID:           c.ownerID,
		DetectedReleaseID: c.releaseID,
		CreationDate:      c.createdUTC,
	}
	if hours, ok := wi.Fields.Float(tfs.FieldCompletedWork); ok {
		minutes := hoursToMinutes(hours)
		inc.ActualEffort = &minutes
	}

	bridge, err := e.bridge(mapping.ArtifactTypeIncident)
	if err != nil {
		return err
	}
	if inc.CustomProperties, _, err = bridge.FromWorkItem(wi, nil); err != nil {
		return err
	}

	created, err := e.Spira.CreateIncident(inc)
	if err != nil {
		return err
	}
	return e.finishInbound(mapping.ArtifactTypeIncident, created.IncidentID, wi, c.creatorID)
}

func (e *Env) createInboundTask(wi *tfs.WorkItem) error {
	c := e.inboundFields(wi)

	statusID, err := e.inboundEnum(wi, tfs.FieldState, mapping.FieldTaskStatus, "task status")
	if err != nil {
		return err
	}
	priorityID, err := e.inboundEnum(wi, tfs.FieldPriority, mapping.FieldTaskPriority, "task priority")
	if err != nil {
		return err
	}

	task := &spira.Task{
		ProjectID:      e.ProjectID,
		Name:           c.name,
		Description:    c.description,
		TaskStatusID:   statusID,
		TaskPriorityID: priorityID,
		CreatorID:      c.creatorID,
		OwnerID:        c.ownerID,
		ReleaseID:      c.releaseID,
		CreationDate:   c.createdUTC,
	}
	if hours, ok := wi.Fields.Float(tfs.FieldCompletedWork); ok {
		minutes := hoursToMinutes(hours)
		task.ActualEffort = &minutes
	}
	if start, ok := wi.Fields.Time(tfs.FieldStartDate); ok {
		utc := translate.TFSToUTC(start, e.Opts.TimeOffsetHours)
		task.StartDate = &utc
	}
	if finish, ok := wi.Fields.Time(tfs.FieldFinishDate); ok {
		utc := translate.TFSToUTC(finish, e.Opts.TimeOffsetHours)
		task.EndDate = &utc
	}

	bridge, err := e.bridge(mapping.ArtifactTypeTask)
	if err != nil {
		return err
	}
	if task.CustomProperties, _, err = bridge.FromWorkItem(wi, nil); err != nil {
		return err
	}

	created, err := e.Spira.CreateTask(task)
	if err != nil {
		return err
	}
	return e.finishInbound(mapping.ArtifactTypeTask, created.TaskID, wi, c.creatorID)
}

func (e *Env) createInboundRequirement(wi *tfs.WorkItem) error {
	c := e.inboundFields(wi)

	statusID, err := e.inboundEnum(wi, tfs.FieldState, mapping.FieldRequirementStatus, "requirement status")
	if err != nil {
		return err
	}
	importanceID, err := e.inboundEnum(wi, tfs.FieldPriority, mapping.FieldRequirementImportance, "importance")
	if err != nil {
		return err
	}

	req := &spira.Requirement{
		ProjectID:    e.ProjectID,
		Name:         c.name,
		Description:  c.description,
		StatusID:     statusID,
		ImportanceID: importanceID,
		AuthorID:     c.creatorID,
		OwnerID:      c.ownerID,
		ReleaseID:    c.releaseID,
		CreationDate: c.createdUTC,
	}

	bridge, err := e.bridge(mapping.ArtifactTypeRequirement)
	if err != nil {
		return err
	}
	if req.CustomProperties, _, err = bridge.FromWorkItem(wi, nil); err != nil {
		return err
	}

	created, err := e.Spira.CreateRequirement(req)
	if err != nil {
		return err
	}
	return e.finishInbound(mapping.ArtifactTypeRequirement, created.RequirementID, wi, c.creatorID)
}

// finishInbound runs the common tail of every inbound creation: queue the
// mapping first, then revisions-as-comments, links, and the artifact-id
// write-back. Failures past the mapping are warnings.
func (e *Env) finishInbound(artifactTypeID, artifactID int, wi *tfs.WorkItem, authorID *int) error {
	e.queueMapping(artifactTypeID, artifactID, wi.ID)
	e.Recorder.Info("processor", "created %s %d for work item %d", prefixFor(artifactTypeID), artifactID, wi.ID)

	if err := e.pullRevisionComments(artifactTypeID, artifactID, wi.ID); err != nil {
		e.Recorder.Warning("processor", "copying revisions for work item %d: %v", wi.ID, err)
	}
	if err := e.Links.PullAttachments(artifactTypeID, artifactID, wi, authorID); err != nil {
		e.Recorder.Warning("processor", "copying attachments for work item %d: %v", wi.ID, err)
	}
	if err := e.Links.PullRelatedLinks(artifactTypeID, artifactID, wi, authorID); err != nil {
		e.Recorder.Warning("processor", "copying links for work item %d: %v", wi.ID, err)
	}

	if e.Opts.ArtifactIDField != "" {
		ops := tfs.SetField(nil, e.Opts.ArtifactIDField, PrefixedID(artifactTypeID, artifactID))
		if _, err := e.TFS.UpdateWorkItem(wi.ID, ops); err != nil {
			e.Recorder.Warning("processor", "writing artifact id to work item %d: %v", wi.ID, err)
		}
	}
	return nil
}

// UpdateTask applies the newer work-item fields to a mapped task. Tasks only
// update TFS→Spira.
func (e *Env) UpdateTask(internalID int, externalKey string) error {
	workItemID, err := strconv.Atoi(externalKey)
	if err != nil {
		return fmt.Errorf("task %d maps to non-numeric work item %q", internalID, externalKey)
	}

	task, err := e.Spira.GetTask(internalID)
	if err != nil {
		if errors.Is(err, spira.ErrNotFound) {
			log.Info().Int("taskId", internalID).Msg("Task deleted on Spira, skipping")
			return nil
		}
		return err
	}
	wi, err := e.TFS.GetWorkItem(workItemID)
	if err != nil {
		if errors.Is(err, tfs.ErrNotFound) {
			log.Info().Int("workItemId", workItemID).Msg("Work item deleted on TFS, skipping")
			return nil
		}
		return err
	}

	dirty := false
	setString(&task.Name, wi.Fields.String(tfs.FieldTitle), &dirty)
	if desc := e.workItemDescription(wi); desc != "" {
		setString(&task.Description, desc, &dirty)
	}

	if statusID, err := e.inboundEnum(wi, tfs.FieldState, mapping.FieldTaskStatus, "task status"); err != nil {
		return err
	} else if statusID != nil {
		setIntPtr(&task.TaskStatusID, *statusID, &dirty)
	}
	if priorityID, err := e.inboundEnum(wi, tfs.FieldPriority, mapping.FieldTaskPriority, "task priority"); err != nil {
		return err
	} else if priorityID != nil {
		setIntPtr(&task.TaskPriorityID, *priorityID, &dirty)
	}

	if name := wi.Fields.String(tfs.FieldAssignedTo); name != "" {
		if userID, ok := e.Users.UserID(name); ok {
			setIntPtr(&task.OwnerID, userID, &dirty)
		}
	}
	if hours, ok := wi.Fields.Float(tfs.FieldCompletedWork); ok {
		setIntPtr(&task.ActualEffort, hoursToMinutes(hours), &dirty)
	}
	if iterationID, ok := wi.Fields.Int(tfs.FieldIterationID); ok {
		if releaseID, found, err := e.Releases.ReleaseID(iterationID); err == nil && found {
			setIntPtr(&task.ReleaseID, releaseID, &dirty)
		}
	}

	bridge, err := e.bridge(mapping.ArtifactTypeTask)
	if err != nil {
		return err
	}
	props, propsChanged, err := bridge.FromWorkItem(wi, task.CustomProperties)
	if err != nil {
		return err
	}
	if propsChanged {
		task.CustomProperties = props
		dirty = true
	}

	if dirty {
		if err := e.Spira.UpdateTask(task); err != nil {
			return fmt.Errorf("updating task %d: %w", task.TaskID, err)
		}
		log.Info().Int("taskId", task.TaskID).Int("workItemId", wi.ID).Msg("Task updated from work item")
	}
	return e.pullRevisionComments(mapping.ArtifactTypeTask, task.TaskID, wi.ID)
}

// UpdateRequirement applies the newer work-item fields to a mapped
// requirement. Requirements only update TFS→Spira.
func (e *Env) UpdateRequirement(internalID int, externalKey string) error {
	workItemID, err := strconv.Atoi(externalKey)
	if err != nil {
		return fmt.Errorf("requirement %d maps to non-numeric work item %q", internalID, externalKey)
	}

	req, err := e.Spira.GetRequirement(internalID)
	if err != nil {
		if errors.Is(err, spira.ErrNotFound) {
			log.Info().Int("requirementId", internalID).Msg("Requirement deleted on Spira, skipping")
			return nil
		}
		return err
	}
	wi, err := e.TFS.GetWorkItem(workItemID)
	if err != nil {
		if errors.Is(err, tfs.ErrNotFound) {
			log.Info().Int("workItemId", workItemID).Msg("Work item deleted on TFS, skipping")
			return nil
		}
		return err
	}

	dirty := false
	setString(&req.Name, wi.Fields.String(tfs.FieldTitle), &dirty)
	if desc := e.workItemDescription(wi); desc != "" {
		setString(&req.Description, desc, &dirty)
	}

	if statusID, err := e.inboundEnum(wi, tfs.FieldState, mapping.FieldRequirementStatus, "requirement status"); err != nil {
		return err
	} else if statusID != nil {
		setIntPtr(&req.StatusID, *statusID, &dirty)
	}
	if importanceID, err := e.inboundEnum(wi, tfs.FieldPriority, mapping.FieldRequirementImportance, "importance"); err != nil {
		return err
	} else if importanceID != nil {
		setIntPtr(&req.ImportanceID, *importanceID, &dirty)
	}

	if name := wi.Fields.String(tfs.FieldAssignedTo); name != "" {
		if userID, ok := e.Users.UserID(name); ok {
			setIntPtr(&req.OwnerID, userID, &dirty)
		}
	}
	if iterationID, ok := wi.Fields.Int(tfs.FieldIterationID); ok {
		if releaseID, found, err := e.Releases.ReleaseID(iterationID); err == nil && found {
			setIntPtr(&req.ReleaseID, releaseID, &dirty)
		}
	}

	bridge, err := e.bridge(mapping.ArtifactTypeRequirement)
	if err != nil {
		return err
	}
	props, propsChanged, err := bridge.FromWorkItem(wi, req.CustomProperties)
	if err != nil {
		return err
	}
	if propsChanged {
		req.CustomProperties = props
		dirty = true
	}

	if dirty {
		if err := e.Spira.UpdateRequirement(req); err != nil {
			return fmt.Errorf("updating requirement %d: %w", req.RequirementID, err)
		}
		log.Info().Int("requirementId", req.RequirementID).Int("workItemId", wi.ID).Msg("Requirement updated from work item")
	}
	return e.pullRevisionComments(mapping.ArtifactTypeRequirement, req.RequirementID, wi.ID)
}
