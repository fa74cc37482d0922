package spira

import (
	"strings"
	"time"
)

// Spira's REST API serializes dates as ISO-8601 UTC.
const timeFormat = "2006-01-02T15:04:05.000Z"

// ParseTime is a helper for the strict Spira time format.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// FormatTime renders a timestamp the way Spira expects it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// Project is a Spira project record.
type Project struct {
	ProjectID int    `json:"ProjectId"`
	Name      string `json:"Name"`
	Active    bool   `json:"Active"`
}

// User is a Spira user record.
type User struct {
	UserID       int    `json:"UserId"`
	FirstName    string `json:"FirstName"`
	LastName     string `json:"LastName"`
	UserName     string `json:"UserName"`
	EmailAddress string `json:"EmailAddress"`
	Active       bool   `json:"Active"`
}

// FullName returns the display form used when matching TFS identities.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// PropertyType is the closed set of Spira custom-property types.
type PropertyType int

const (
	PropertyText PropertyType = iota + 1
	PropertyInteger
	PropertyDecimal
	PropertyBoolean
	PropertyDate
	PropertyList
	PropertyMultiList
	PropertyUser
)

func (p PropertyType) String() string {
	switch p {
	case PropertyText:
		return "Text"
	case PropertyInteger:
		return "Integer"
	case PropertyDecimal:
		return "Decimal"
	case PropertyBoolean:
		return "Boolean"
	case PropertyDate:
		return "Date"
	case PropertyList:
		return "List"
	case PropertyMultiList:
		return "MultiList"
	case PropertyUser:
		return "User"
	default:
		return "Unknown"
	}
}

// CustomPropertyDefinition describes one of the up-to-30 positional
// custom-property slots configured for an artifact type.
type CustomPropertyDefinition struct {
	CustomPropertyID int          `json:"CustomPropertyId"`
	PropertyNumber   int          `json:"PropertyNumber"`
	Name             string       `json:"Name"`
	Type             PropertyType `json:"CustomPropertyTypeId"`
}

// CustomPropertyValue is the typed value held in one slot of an artifact.
// Exactly one of the value fields is set, matching the definition's type
// (User properties use IntegerValue).
type CustomPropertyValue struct {
	PropertyNumber   int        `json:"PropertyNumber"`
	StringValue      *string    `json:"StringValue,omitempty"`
	IntegerValue     *int       `json:"IntegerValue,omitempty"`
	BooleanValue     *bool      `json:"BooleanValue,omitempty"`
	DecimalValue     *float64   `json:"DecimalValue,omitempty"`
	DateTimeValue    *time.Time `json:"DateTimeValue,omitempty"`
	IntegerListValue []int      `json:"IntegerListValue,omitempty"`
}

// Incident is a Spira incident record.
type Incident struct {
	IncidentID        int                   `json:"IncidentId"`
	ProjectID         int                   `json:"ProjectId"`
	Name              string                `json:"Name"`
	Description       string                `json:"Description"`
	PriorityID        *int                  `json:"PriorityId,omitempty"`
	SeverityID        *int                  `json:"SeverityId,omitempty"`
	IncidentStatusID  *int                  `json:"IncidentStatusId,omitempty"`
	IncidentTypeID    *int                  `json:"IncidentTypeId,omitempty"`
	OpenerID          *int                  `json:"OpenerId,omitempty"`
	OwnerID           *int                  `json:"OwnerId,omitempty"`
	DetectedReleaseID *int                  `json:"DetectedReleaseId,omitempty"`
	ResolvedReleaseID *int                  `json:"ResolvedReleaseId,omitempty"`
	CreationDate      time.Time             `json:"CreationDate"`
	StartDate         *time.Time            `json:"StartDate,omitempty"`
	ClosedDate        *time.Time            `json:"ClosedDate,omitempty"`
	LastUpdateDate    time.Time             `json:"LastUpdateDate"`
	CompletionPercent int                   `json:"CompletionPercent"`
	EstimatedEffort   *int                  `json:"EstimatedEffort,omitempty"` // minutes
	ActualEffort      *int                  `json:"ActualEffort,omitempty"`   // minutes
	CustomProperties  []CustomPropertyValue `json:"CustomProperties,omitempty"`
}

// Task is a Spira task record.
type Task struct {
	TaskID            int                   `json:"TaskId"`
	ProjectID         int                   `json:"ProjectId"`
	Name              string                `json:"Name"`
	Description       string                `json:"Description"`
	TaskStatusID      *int                  `json:"TaskStatusId,omitempty"`
	TaskPriorityID    *int                  `json:"TaskPriorityId,omitempty"`
	CreatorID         *int                  `json:"CreatorId,omitempty"`
	OwnerID           *int                  `json:"OwnerId,omitempty"`
	ReleaseID         *int                  `json:"ReleaseId,omitempty"`
	StartDate         *time.Time            `json:"StartDate,omitempty"`
	EndDate           *time.Time            `json:"EndDate,omitempty"`
	CreationDate      time.Time             `json:"CreationDate"`
	LastUpdateDate    time.Time             `json:"LastUpdateDate"`
	CompletionPercent int                   `json:"CompletionPercent"`
	EstimatedEffort   *int                  `json:"EstimatedEffort,omitempty"` // minutes
	ActualEffort      *int                  `json:"ActualEffort,omitempty"`   // minutes
	RemainingEffort   *int                  `json:"RemainingEffort,omitempty"`
	CustomProperties  []CustomPropertyValue `json:"CustomProperties,omitempty"`
}

// Requirement is a Spira requirement record.
type Requirement struct {
	RequirementID    int                   `json:"RequirementId"`
	ProjectID        int                   `json:"ProjectId"`
	Name             string                `json:"Name"`
	Description      string                `json:"Description"`
	StatusID         *int                  `json:"StatusId,omitempty"`
	ImportanceID     *int                  `json:"ImportanceId,omitempty"`
	AuthorID         *int                  `json:"AuthorId,omitempty"`
	OwnerID          *int                  `json:"OwnerId,omitempty"`
	ReleaseID        *int                  `json:"ReleaseId,omitempty"`
	CreationDate     time.Time             `json:"CreationDate"`
	LastUpdateDate   time.Time             `json:"LastUpdateDate"`
	CustomProperties []CustomPropertyValue `json:"CustomProperties,omitempty"`
}

// Release is a Spira release record.
type Release struct {
	ReleaseID     int       `json:"ReleaseId"`
	ProjectID     int       `json:"ProjectId"`
	Name          string    `json:"Name"`
	VersionNumber string    `json:"VersionNumber"`
	Description   string    `json:"Description,omitempty"`
	Active        bool      `json:"Active"`
	StartDate     time.Time `json:"StartDate"`
	EndDate       time.Time `json:"EndDate"`
	CreatorID     int       `json:"CreatorId"`
	ResourceCount int       `json:"ResourceCount"`
}

// Comment is a comment/resolution attached to an artifact.
type Comment struct {
	CommentID    int        `json:"CommentId,omitempty"`
	ArtifactID   int        `json:"ArtifactId"`
	UserID       *int       `json:"UserId,omitempty"`
	Text         string     `json:"Text"`
	CreationDate *time.Time `json:"CreationDate,omitempty"`
}

// Attachment types.
const (
	AttachmentFile = 1
	AttachmentURL  = 2
)

// Attachment is a document attached to an artifact. For URL attachments the
// FilenameOrURL carries the target address.
type Attachment struct {
	AttachmentID     int    `json:"AttachmentId"`
	AttachmentTypeID int    `json:"AttachmentTypeId"`
	FilenameOrURL    string `json:"FilenameOrUrl"`
	Description      string `json:"Description,omitempty"`
	AuthorID         *int   `json:"AuthorId,omitempty"`
	Size             int    `json:"Size"`
}

// Association links two Spira artifacts.
type Association struct {
	ArtifactLinkID       int    `json:"ArtifactLinkId,omitempty"`
	SourceArtifactTypeID int    `json:"SourceArtifactTypeId"`
	SourceArtifactID     int    `json:"SourceArtifactId"`
	DestArtifactTypeID   int    `json:"DestArtifactTypeId"`
	DestArtifactID       int    `json:"DestArtifactId"`
	CreatorID            *int   `json:"CreatorId,omitempty"`
	Comment              string `json:"Comment,omitempty"`
}

// dataMappingDTO is the wire form of a data-sync mapping row.
type dataMappingDTO struct {
	ProjectID   int    `json:"ProjectId"`
	InternalID  int    `json:"InternalId"`
	ExternalKey string `json:"ExternalKey"`
	Primary     bool   `json:"PrimaryYn"`
}
