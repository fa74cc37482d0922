package tfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Marker substrings the server embeds in error messages. Kept as a
// last-resort classifier where the API exposes no typed error.
const (
	resultSetCapMarker    = "VS402337"
	fieldValidationMarker = "TF237124"
)

// Sentinel errors surfaced to the engine's error taxonomy.
var (
	// ErrResultSetCap marks a WIQL query that exceeded the server result cap.
	// The caller retries once with a two-day window.
	ErrResultSetCap = errors.New("tfs: query exceeded the result-set cap")
	// ErrAuthentication marks rejected credentials. Fatal for the project.
	ErrAuthentication = errors.New("tfs: authentication failed")
	// ErrNotFound marks a missing work item, typically a deleted counterpart.
	ErrNotFound = errors.New("tfs: not found")
)

// InvalidField names one field that failed server-side rule validation.
type InvalidField struct {
	ReferenceName string
	Message       string
}

// FieldValidationError is returned when a work-item save is rejected by field
// rules. The engine logs each invalid field by name and records the artifact
// as unsynced without aborting the batch.
type FieldValidationError struct {
	WorkItemID int
	Fields     []InvalidField
	Message    string
}

func (e *FieldValidationError) Error() string {
	return fmt.Sprintf("tfs: field validation failed for work item %d: %s", e.WorkItemID, e.Message)
}

// apiError is the JSON error envelope TFS returns.
type apiError struct {
	Message         string `json:"message"`
	TypeKey         string `json:"typeKey"`
	CustomProperties struct {
		RuleValidationErrors []struct {
			FieldReferenceName string `json:"fieldReferenceName"`
			ErrorMessage       string `json:"errorMessage"`
		} `json:"RuleValidationErrors"`
	} `json:"customProperties"`
}

// classifyError turns an HTTP error response into a typed error.
func classifyError(statusCode int, body []byte, workItemID int) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrAuthentication, statusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w (status 404)", ErrNotFound)
	}

	var parsed apiError
	_ = json.Unmarshal(body, &parsed)
	message := parsed.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	if strings.Contains(message, resultSetCapMarker) {
		return fmt.Errorf("%w: %s", ErrResultSetCap, message)
	}

	if len(parsed.CustomProperties.RuleValidationErrors) > 0 || strings.Contains(message, fieldValidationMarker) {
		fve := &FieldValidationError{WorkItemID: workItemID, Message: message}
		for _, rve := range parsed.CustomProperties.RuleValidationErrors {
			fve.Fields = append(fve.Fields, InvalidField{
				ReferenceName: rve.FieldReferenceName,
				Message:       rve.ErrorMessage,
			})
		}
		return fve
	}

	return fmt.Errorf("TFS API returned status %d: %s", statusCode, message)
}
