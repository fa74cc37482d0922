// Package translate converts enum ids, composite states, user identities and
// timestamps between the Spira and TFS representations using the data-sync
// mapping tables.
package translate

import (
	"strings"
	"time"

	"spira-tfs-sync/internal/mapping"
)

// InternalToExternal resolves a Spira enum id to its TFS value through a
// field-value mapping list. The second return is false when unmapped; the
// caller decides whether that is a warning (priority, severity, user) or an
// artifact-level error (status, type).
func InternalToExternal(list []mapping.Entry, internalID int) (string, bool) {
	if e := mapping.FindByInternalID(list, internalID); e != nil {
		return e.ExternalKey, true
	}
	return "", false
}

// ExternalToInternal resolves a TFS value back to the Spira enum id. Primary
// rows win when several internal values alias the same external key.
func ExternalToInternal(list []mapping.Entry, key string) (int, bool) {
	if e := mapping.FindByExternalKey(list, key, true); e != nil {
		return e.InternalID, true
	}
	if e := mapping.FindByExternalKey(list, key, false); e != nil {
		return e.InternalID, true
	}
	return 0, false
}

// SplitComposite splits an incident-status external key of the form
// "<state>+<reason>" into its two TFS fields. A key without a reason part
// yields an empty reason.
func SplitComposite(key string) (state, reason string) {
	state, reason, _ = strings.Cut(key, "+")
	return state, reason
}

// JoinComposite builds the composite key used in the incident status table.
func JoinComposite(state, reason string) string {
	return state + "+" + reason
}

// TFSToUTC converts a timestamp stored in TFS local time to UTC by applying
// the configured offset.
func TFSToUTC(t time.Time, offsetHours int) time.Time {
	return t.Add(time.Duration(offsetHours) * time.Hour)
}

// UTCToTFS converts a Spira UTC timestamp to TFS local time.
func UTCToTFS(t time.Time, offsetHours int) time.Time {
	return t.Add(-time.Duration(offsetHours) * time.Hour)
}

// SafeString normalizes a value for change detection so that nil/empty and
// surrounding whitespace do not register as differences.
func SafeString(s string) string {
	return strings.TrimSpace(s)
}
