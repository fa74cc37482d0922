package processors

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"spira-tfs-sync/internal/htmltext"
	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/tfs"
	"spira-tfs-sync/internal/translate"
)

// CreateOutboundIncident creates the TFS work item for a new Spira incident.
// Already-mapped incidents are skipped; incidents recoverable through the
// artifact-id field are re-mapped instead of duplicated.
func (e *Env) CreateOutboundIncident(inc *spira.Incident) error {
	entry, err := e.Store.FindByInternalID(e.ProjectID, mapping.ArtifactTypeIncident, inc.IncidentID)
	if err != nil {
		return err
	}
	if entry != nil {
		log.Debug().Int("incidentId", inc.IncidentID).Str("workItem", entry.ExternalKey).Msg("Incident already mapped, skipping")
		return nil
	}

	// A crash between a create and the mapping flush loses the local row.
	// The artifact-id field lets us find the orphaned work item remotely.
	if recovered, err := e.findByArtifactID(mapping.ArtifactTypeIncident, inc.IncidentID); err != nil {
		return err
	} else if recovered != 0 {
		log.Info().Int("incidentId", inc.IncidentID).Int("workItemId", recovered).Msg("Recovered existing work item, re-mapping")
		e.queueMapping(mapping.ArtifactTypeIncident, inc.IncidentID, recovered)
		return nil
	}

	typeName, statusKey, err := e.incidentTypeAndStatus(inc)
	if err != nil {
		return err
	}
	wit, err := e.workItemType(typeName)
	if err != nil {
		return fmt.Errorf("loading work-item type %q: %w", typeName, err)
	}

	ops, _, err := e.incidentFieldOps(inc, wit, nil)
	if err != nil {
		return err
	}
	ops = tfs.AddRelation(ops, tfs.Relation{
		Rel: tfs.RelHyperlink,
		URL: e.Spira.ArtifactURL(mapping.ArtifactTypeIncident, inc.IncidentID),
	})

	// The work item is created in its default state first; the state machine
	// rejects arbitrary states on creation.
	created, err := e.TFS.CreateWorkItem(e.TFSProject, typeName, ops)
	if err != nil {
		if e.logValidationFailure(err, inc.IncidentID) {
			return nil
		}
		return fmt.Errorf("creating work item for incident %d: %w", inc.IncidentID, err)
	}
	e.queueMapping(mapping.ArtifactTypeIncident, inc.IncidentID, created.ID)

	state, reason := translate.SplitComposite(statusKey)
	stateOps := tfs.SetField(nil, tfs.FieldState, state)
	if reason != "" {
		stateOps = tfs.SetField(stateOps, tfs.FieldReason, reason)
	}
	if _, err := e.TFS.UpdateWorkItem(created.ID, stateOps); err != nil {
		if !e.logValidationFailure(err, created.ID) {
			e.Recorder.Error("processor", "failed to set state %q on work item %d: %v", statusKey, created.ID, err)
		}
	}

	e.Recorder.Info("processor", "created work item %d for incident %d", created.ID, inc.IncidentID)

	if err := e.pushComments(mapping.ArtifactTypeIncident, inc.IncidentID, created.ID); err != nil {
		e.Recorder.Warning("processor", "copying comments for incident %d: %v", inc.IncidentID, err)
	}
	e.pushLinks(mapping.ArtifactTypeIncident, inc.IncidentID, created.ID, nil)
	return nil
}

// UpdateIncident reconciles one mapped incident/work-item pair. The later
// side wins; ties go to TFS.
func (e *Env) UpdateIncident(internalID int, externalKey string) error {
	workItemID, err := strconv.Atoi(externalKey)
	if err != nil {
		return fmt.Errorf("incident %d maps to non-numeric work item %q", internalID, externalKey)
	}

	inc, err := e.Spira.GetIncident(internalID)
	if err != nil {
		if errors.Is(err, spira.ErrNotFound) {
			log.Info().Int("incidentId", internalID).Msg("Incident deleted on Spira, skipping")
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

	changed, ok := wi.Fields.Time(tfs.FieldChangedDate)
	if !ok {
		return fmt.Errorf("work item %d has no changed date", workItemID)
	}
	tfsUTC := translate.TFSToUTC(changed, e.Opts.TimeOffsetHours)

	if inc.LastUpdateDate.After(tfsUTC) {
		return e.updateIncidentOutbound(inc, wi)
	}
	return e.updateIncidentInbound(inc, wi)
}

// updateIncidentOutbound pushes the newer Spira fields onto the work item.
func (e *Env) updateIncidentOutbound(inc *spira.Incident, wi *tfs.WorkItem) error {
	typeName := wi.Fields.String(tfs.FieldWorkItemType)
	wit, err := e.workItemType(typeName)
	if err != nil {
		return fmt.Errorf("loading work-item type %q: %w", typeName, err)
	}

	ops, _, err := e.incidentFieldOps(inc, wit, wi)
	if err != nil {
		return err
	}

	if inc.IncidentStatusID != nil {
		statusTable, err := e.fieldTable(mapping.FieldIncidentStatus)
		if err != nil {
			return err
		}
		statusKey, ok := translate.InternalToExternal(statusTable, *inc.IncidentStatusID)
		if !ok {
			return fmt.Errorf("incident %d has unmapped status %d", inc.IncidentID, *inc.IncidentStatusID)
		}
		state, reason := translate.SplitComposite(statusKey)
		if wi.Fields.String(tfs.FieldState) != state {
			ops = tfs.SetField(ops, tfs.FieldState, state)
			if reason != "" {
				ops = tfs.SetField(ops, tfs.FieldReason, reason)
			}
		}
	}

	if len(ops) > 0 {
		if _, err := e.TFS.UpdateWorkItem(wi.ID, ops); err != nil {
			if e.logValidationFailure(err, wi.ID) {
				return nil
			}
			return fmt.Errorf("updating work item %d: %w", wi.ID, err)
		}
		log.Info().Int("incidentId", inc.IncidentID).Int("workItemId", wi.ID).Msg("Spira newer, work item updated")
	}

	if err := e.pushComments(mapping.ArtifactTypeIncident, inc.IncidentID, wi.ID); err != nil {
		e.Recorder.Warning("processor", "copying comments for incident %d: %v", inc.IncidentID, err)
	}
	e.pushLinks(mapping.ArtifactTypeIncident, inc.IncidentID, wi.ID, wi)
	return nil
}

// updateIncidentInbound pulls the newer work-item fields into the incident.
// The save is skipped entirely when nothing differs, which is what keeps
// consecutive cycles from oscillating.
func (e *Env) updateIncidentInbound(inc *spira.Incident, wi *tfs.WorkItem) error {
	dirty := false

	setString(&inc.Name, wi.Fields.String(tfs.FieldTitle), &dirty)
	if desc := e.workItemDescription(wi); desc != "" {
		setString(&inc.Description, desc, &dirty)
	}

	statusTable, err := e.fieldTable(mapping.FieldIncidentStatus)
	if err != nil {
		return err
	}
	statusKey := translate.JoinComposite(wi.Fields.String(tfs.FieldState), wi.Fields.String(tfs.FieldReason))
	statusID, ok := translate.ExternalToInternal(statusTable, statusKey)
	if !ok {
		return fmt.Errorf("work item %d has unmapped status %q", wi.ID, statusKey)
	}
	setIntPtr(&inc.IncidentStatusID, statusID, &dirty)

	if err := e.pullEnum(wi, tfs.FieldPriority, mapping.FieldIncidentPriority, "priority", &inc.PriorityID, &dirty); err != nil {
		return err
	}
	if err := e.pullEnum(wi, tfs.FieldSeverity, mapping.FieldIncidentSeverity, "severity", &inc.SeverityID, &dirty); err != nil {
		return err
	}

	if name := wi.Fields.String(tfs.FieldAssignedTo); name != "" {
		if userID, ok := e.Users.UserID(name); ok {
			setIntPtr(&inc.OwnerID, userID, &dirty)
		}
	}

	if hours, ok := wi.Fields.Float(tfs.FieldCompletedWork); ok {
		setIntPtr(&inc.ActualEffort, hoursToMinutes(hours), &dirty)
	}

	if iterationID, ok := wi.Fields.Int(tfs.FieldIterationID); ok {
		releaseID, found, err := e.Releases.ReleaseID(iterationID)
		if err != nil {
			e.Recorder.Warning("processor", "resolving release for iteration %d: %v", iterationID, err)
		} else if found {
			setIntPtr(&inc.DetectedReleaseID, releaseID, &dirty)
		}
	}

	bridge, err := e.bridge(mapping.ArtifactTypeIncident)
	if err != nil {
		return err
	}
	props, propsChanged, err := bridge.FromWorkItem(wi, inc.CustomProperties)
	if err != nil {
		return err
	}
	if propsChanged {
		inc.CustomProperties = props
		dirty = true
	}

	if dirty {
		if err := e.Spira.UpdateIncident(inc); err != nil {
			return fmt.Errorf("updating incident %d: %w", inc.IncidentID, err)
		}
		log.Info().Int("incidentId", inc.IncidentID).Int("workItemId", wi.ID).Msg("TFS newer, incident updated")
	}

	if err := e.pullRevisionComments(mapping.ArtifactTypeIncident, inc.IncidentID, wi.ID); err != nil {
		e.Recorder.Warning("processor", "copying revisions for incident %d: %v", inc.IncidentID, err)
	}
	if err := e.Links.PullAttachments(mapping.ArtifactTypeIncident, inc.IncidentID, wi, inc.OpenerID); err != nil {
		e.Recorder.Warning("processor", "copying attachments for incident %d: %v", inc.IncidentID, err)
	}
	if err := e.Links.PullRelatedLinks(mapping.ArtifactTypeIncident, inc.IncidentID, wi, inc.OpenerID); err != nil {
		e.Recorder.Warning("processor", "copying links for incident %d: %v", inc.IncidentID, err)
	}
	return nil
}

// incidentTypeAndStatus resolves the two hard mappings. Either one missing
// is fatal for the artifact.
func (e *Env) incidentTypeAndStatus(inc *spira.Incident) (typeName, statusKey string, err error) {
	if inc.IncidentTypeID == nil || inc.IncidentStatusID == nil {
		return "", "", fmt.Errorf("incident %d is missing type or status", inc.IncidentID)
	}

	typeTable, err := e.fieldTable(mapping.FieldIncidentType)
	if err != nil {
		return "", "", err
	}
	typeName, ok := translate.InternalToExternal(typeTable, *inc.IncidentTypeID)
	if !ok {
		return "", "", fmt.Errorf("incident %d has unmapped type %d", inc.IncidentID, *inc.IncidentTypeID)
	}

	statusTable, err := e.fieldTable(mapping.FieldIncidentStatus)
	if err != nil {
		return "", "", err
	}
	statusKey, ok = translate.InternalToExternal(statusTable, *inc.IncidentStatusID)
	if !ok {
		return "", "", fmt.Errorf("incident %d has unmapped status %d", inc.IncidentID, *inc.IncidentStatusID)
	}
	return typeName, statusKey, nil
}

// incidentFieldOps builds the field writes shared by creation and the
// outbound merge half. With current set, only differing fields produce ops.
func (e *Env) incidentFieldOps(inc *spira.Incident, wit *tfs.WorkItemType, current *tfs.WorkItem) ([]tfs.PatchOperation, bool, error) {
	var ops []tfs.PatchOperation
	changed := false

	setOp := func(ref string, value interface{}) {
		if current != nil {
			rendered := fmt.Sprintf("%v", value)
			if translate.SafeString(current.Fields.String(ref)) == translate.SafeString(rendered) {
				return
			}
		}
		ops = tfs.SetField(ops, ref, value)
		changed = true
	}

	setOp(tfs.FieldTitle, inc.Name)

	// Rich-text steps-to-reproduce keeps the HTML; the plain description
	// field gets the normalized text.
	if wit.HasField(tfs.FieldReproSteps) {
		setOp(tfs.FieldReproSteps, inc.Description)
	} else {
		setOp(tfs.FieldDescription, htmltext.StripHTML(inc.Description))
	}

	if inc.PriorityID != nil {
		table, err := e.fieldTable(mapping.FieldIncidentPriority)
		if err != nil {
			return nil, false, err
		}
		if key, ok := translate.InternalToExternal(table, *inc.PriorityID); ok {
			setOp(tfs.FieldPriority, fieldValue(key))
		} else {
			e.warnUnmapped("priority", *inc.PriorityID, fmt.Sprintf("incident %d", inc.IncidentID))
		}
	}

	if inc.SeverityID != nil && wit.HasField(tfs.FieldSeverity) {
		table, err := e.fieldTable(mapping.FieldIncidentSeverity)
		if err != nil {
			return nil, false, err
		}
		if key, ok := translate.InternalToExternal(table, *inc.SeverityID); ok {
			setOp(tfs.FieldSeverity, key)
		} else {
			e.warnUnmapped("severity", *inc.SeverityID, fmt.Sprintf("incident %d", inc.IncidentID))
		}
	}

	if inc.OwnerID != nil {
		if name, ok := e.Users.DisplayName(*inc.OwnerID); ok {
			setOp(tfs.FieldAssignedTo, name)
		}
	}

	if e.Opts.ArtifactIDField != "" {
		setOp(e.Opts.ArtifactIDField, PrefixedID(mapping.ArtifactTypeIncident, inc.IncidentID))
	}
	if e.Opts.OpenerField != "" && inc.OpenerID != nil {
		if name, ok := e.Users.DisplayName(*inc.OpenerID); ok {
			setOp(e.Opts.OpenerField, name)
		}
	}

	if inc.DetectedReleaseID != nil {
		iterationID, err := e.Releases.IterationID(*inc.DetectedReleaseID)
		if err != nil {
			// The incident survives without an iteration assignment.
			e.Recorder.Warning("processor", "resolving iteration for release %d: %v", *inc.DetectedReleaseID, err)
		} else if current == nil || !hasIntField(current, tfs.FieldIterationID, iterationID) {
			ops = tfs.SetField(ops, tfs.FieldIterationID, iterationID)
			changed = true
		}
	}

	bridge, err := e.bridge(mapping.ArtifactTypeIncident)
	if err != nil {
		return nil, false, err
	}
	ops, propsChanged, err := bridge.ToWorkItem(inc.CustomProperties, wit, current, ops)
	if err != nil {
		return nil, false, err
	}
	return ops, changed || propsChanged, nil
}

// findByArtifactID queries TFS for a work item carrying the prefixed Spira id
// in the configured artifact-id field. Returns 0 when disabled or not found.
func (e *Env) findByArtifactID(artifactTypeID, artifactID int) (int, error) {
	if e.Opts.ArtifactIDField == "" {
		return 0, nil
	}
	wiql := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [%s] = '%s' AND [System.TeamProject] = '%s'",
		e.Opts.ArtifactIDField, PrefixedID(artifactTypeID, artifactID), e.TFSProject)
	ids, err := e.TFS.QueryWorkItemIDs(e.TFSProject, wiql)
	if err != nil {
		return 0, fmt.Errorf("querying for existing work item: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

// pushLinks copies attachments and associations onto the work item. Failures
// here are warnings; the artifact itself stays synced.
func (e *Env) pushLinks(artifactTypeID, artifactID, workItemID int, current *tfs.WorkItem) {
	var ops []tfs.PatchOperation

	attachOps, err := e.Links.AttachmentOps(artifactTypeID, artifactID, current)
	if err != nil {
		e.Recorder.Warning("processor", "listing attachments for artifact %d: %v", artifactID, err)
	} else {
		ops = append(ops, attachOps...)
	}

	assocOps, err := e.Links.AssociationOps(artifactTypeID, artifactID, current, func(id int) string {
		return e.TFS.WorkItemURL(e.TFSProject, id)
	})
	if err != nil {
		e.Recorder.Warning("processor", "listing associations for artifact %d: %v", artifactID, err)
	} else {
		ops = append(ops, assocOps...)
	}

	if len(ops) == 0 {
		return
	}
	if _, err := e.TFS.UpdateWorkItem(workItemID, ops); err != nil {
		e.Recorder.Warning("processor", "adding links to work item %d: %v", workItemID, err)
	}
}

// pullEnum translates a TFS enum field back to a Spira id, warning on a miss.
func (e *Env) pullEnum(wi *tfs.WorkItem, fieldRef string, artifactFieldID int, what string, dst **int, dirty *bool) error {
	value := wi.Fields.String(fieldRef)
	if value == "" {
		return nil
	}
	table, err := e.fieldTable(artifactFieldID)
	if err != nil {
		return err
	}
	id, ok := translate.ExternalToInternal(table, value)
	if !ok {
		e.warnUnmapped(what, value, fmt.Sprintf("work item %d", wi.ID))
		return nil
	}
	setIntPtr(dst, id, dirty)
	return nil
}

// logValidationFailure reports a field-validation error per invalid field and
// reports true when err was of that kind.
func (e *Env) logValidationFailure(err error, workItemID int) bool {
	var fve *tfs.FieldValidationError
	if !errors.As(err, &fve) {
		return false
	}
	for _, f := range fve.Fields {
		log.Error().
			Int("workItemId", workItemID).
			Str("field", f.ReferenceName).
			Str("message", f.Message).
			Msg("Field rejected by work-item validation")
	}
	e.Recorder.Error("processor", "work item %d failed field validation: %v", workItemID, err)
	return true
}

func (e *Env) queueMapping(artifactTypeID, internalID, workItemID int) {
	e.Store.QueueAdd(artifactTypeID, mapping.Entry{
		ProjectID:   e.ProjectID,
		InternalID:  internalID,
		ExternalKey: strconv.Itoa(workItemID),
		Primary:     true,
	})
}

// workItemDescription extracts the description text: rich repro steps win,
// then the description field, else the placeholder literal.
func (e *Env) workItemDescription(wi *tfs.WorkItem) string {
	if s := wi.Fields.String(tfs.FieldReproSteps); s != "" {
		return htmltext.StripHTML(s)
	}
	if s := wi.Fields.String(tfs.FieldDescription); s != "" {
		return htmltext.StripHTML(s)
	}
	return ""
}

func hasIntField(wi *tfs.WorkItem, ref string, want int) bool {
	got, ok := wi.Fields.Int(ref)
	return ok && got == want
}

func setString(dst *string, v string, dirty *bool) {
	if translate.SafeString(*dst) == translate.SafeString(v) {
		return
	}
	*dst = v
	*dirty = true
}

func setIntPtr(dst **int, v int, dirty *bool) {
	if *dst != nil && **dst == v {
		return
	}
	value := v
	*dst = &value
	*dirty = true
}
