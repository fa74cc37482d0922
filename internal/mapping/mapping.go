// Package mapping holds the cross-reference model that ties Spira artifacts to
// TFS work items: the entry shape shared by every data-sync table, the Spira
// artifact-type and field-id constants those tables are keyed by, and pure
// lookup helpers over loaded tables.
package mapping

// Spira artifact type ids.
const (
	ArtifactTypeRequirement = 1
	ArtifactTypeIncident    = 3
	ArtifactTypeRelease     = 4
	ArtifactTypeTask        = 6
)

// Spira artifact field ids, used to key field-value mapping tables.
const (
	FieldIncidentSeverity      = 1
	FieldIncidentPriority      = 2
	FieldIncidentStatus        = 3
	FieldIncidentType          = 4
	FieldRequirementStatus     = 16
	FieldRequirementImportance = 18
	FieldTaskStatus            = 57
	FieldTaskPriority          = 59
)

// Artifact-id prefixes written into the configured TFS field.
const (
	PrefixIncident    = "IN"
	PrefixRequirement = "RQ"
	PrefixTask        = "TK"
)

// Reserved external keys in the custom-property definition mapping table.
const (
	KeyArea          = "Area"
	KeyTfsWorkItemID = "TfsWorkItemId"
	KeyIncidentID    = "Incident.ID"
)

// Entry is one row of a data-sync mapping table. Depending on the table it
// links an artifact, an enum value, a user or a custom-property value to its
// TFS counterpart. Identity fields are immutable once persisted.
type Entry struct {
	ProjectID   int
	InternalID  int
	ExternalKey string
	Primary     bool
}

// FindByInternalID returns the entry for internalID in an already
// project-scoped list, or nil.
func FindByInternalID(list []Entry, internalID int) *Entry {
	for i := range list {
		if list[i].InternalID == internalID {
			return &list[i]
		}
	}
	return nil
}

// FindByExternalKey returns the entry for key in an already project-scoped
// list, or nil. With onlyPrimary set, non-primary rows are ignored so that
// aliased external keys resolve deterministically.
func FindByExternalKey(list []Entry, key string, onlyPrimary bool) *Entry {
	for i := range list {
		if list[i].ExternalKey != key {
			continue
		}
		if onlyPrimary && !list[i].Primary {
			continue
		}
		return &list[i]
	}
	return nil
}

// FindInProjectByInternalID is the project-qualified form of FindByInternalID.
func FindInProjectByInternalID(list []Entry, projectID, internalID int) *Entry {
	for i := range list {
		if list[i].ProjectID == projectID && list[i].InternalID == internalID {
			return &list[i]
		}
	}
	return nil
}

// FindInProjectByExternalKey is the project-qualified form of FindByExternalKey.
func FindInProjectByExternalKey(list []Entry, projectID int, key string, onlyPrimary bool) *Entry {
	for i := range list {
		if list[i].ProjectID != projectID || list[i].ExternalKey != key {
			continue
		}
		if onlyPrimary && !list[i].Primary {
			continue
		}
		return &list[i]
	}
	return nil
}
