package translate

import (
	"testing"
	"time"

	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/tfs"
)

var priorityTable = []mapping.Entry{
	{ProjectID: 7, InternalID: 1, ExternalKey: "1", Primary: true},
	{ProjectID: 7, InternalID: 2, ExternalKey: "2", Primary: true},
	{ProjectID: 7, InternalID: 3, ExternalKey: "3", Primary: true},
	// Alias: a second internal value sharing external key "3".
	{ProjectID: 7, InternalID: 4, ExternalKey: "3", Primary: false},
}

func TestEnumRoundTrip(t *testing.T) {
	// Round-trip law: externalToInternal(internalToExternal(v)) == v for
	// every primary row.
	for _, e := range priorityTable {
		if !e.Primary {
			continue
		}
		key, ok := InternalToExternal(priorityTable, e.InternalID)
		if !ok {
			t.Fatalf("internal %d unexpectedly unmapped", e.InternalID)
		}
		back, ok := ExternalToInternal(priorityTable, key)
		if !ok || back != e.InternalID {
			t.Errorf("round trip for %d: got %d", e.InternalID, back)
		}
	}
}

func TestExternalToInternal_PrimaryWins(t *testing.T) {
	id, ok := ExternalToInternal(priorityTable, "3")
	if !ok || id != 3 {
		t.Errorf("ExternalToInternal(3) = %d, want primary row 3", id)
	}
}

func TestInternalToExternal_Unmapped(t *testing.T) {
	if _, ok := InternalToExternal(priorityTable, 99); ok {
		t.Error("expected unmapped for unknown internal id")
	}
}

func TestSplitComposite(t *testing.T) {
	tests := []struct {
		key    string
		state  string
		reason string
	}{
		{"Active+New", "Active", "New"},
		{"Resolved+Fixed", "Resolved", "Fixed"},
		{"Closed", "Closed", ""},
		{"Active+", "Active", ""},
	}

	for _, tt := range tests {
		state, reason := SplitComposite(tt.key)
		if state != tt.state || reason != tt.reason {
			t.Errorf("SplitComposite(%q) = (%q, %q), want (%q, %q)",
				tt.key, state, reason, tt.state, tt.reason)
		}
	}

	if got := JoinComposite("Active", "New"); got != "Active+New" {
		t.Errorf("JoinComposite = %q", got)
	}
}

func TestTimeConversion(t *testing.T) {
	// UTC = TFS local + offsetHours. A server running at UTC-5 uses offset 5.
	local := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	utc := TFSToUTC(local, 5)
	if utc.Hour() != 16 {
		t.Errorf("TFSToUTC hour = %d, want 16", utc.Hour())
	}
	back := UTCToTFS(utc, 5)
	if !back.Equal(local) {
		t.Errorf("UTCToTFS round trip = %v, want %v", back, local)
	}
}

// fakeDirectory serves canned Spira users for auto-map tests.
type fakeDirectory struct {
	byID    map[int]*spira.User
	byLogin map[string]*spira.User
}

func (f *fakeDirectory) GetUserByID(id int) (*spira.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, spira.ErrNotFound
}

func (f *fakeDirectory) GetUserByLogin(login string) (*spira.User, error) {
	if u, ok := f.byLogin[login]; ok {
		return u, nil
	}
	return nil, spira.ErrNotFound
}

func autoMapFixture() *Users {
	jane := &spira.User{UserID: 9, FirstName: "Jane", LastName: "Doe", UserName: "jdoe"}
	dir := &fakeDirectory{
		byID:    map[int]*spira.User{9: jane},
		byLogin: map[string]*spira.User{"jdoe": jane},
	}
	roster := []tfs.Identity{
		{ID: "a", DisplayName: "Jane Doe", UniqueName: "CORP\\jdoe"},
		{ID: "b", DisplayName: "Sam Smith", UniqueName: "ssmith@corp.example.com"},
	}
	return NewUsers(true, nil, dir, roster)
}

func TestUsers_AutoMapDisplayName(t *testing.T) {
	u := autoMapFixture()

	name, ok := u.DisplayName(9)
	if !ok || name != "Jane Doe" {
		t.Fatalf("DisplayName(9) = %q, %v", name, ok)
	}

	// Miss is "no assignee", not an error.
	if _, ok := u.DisplayName(55); ok {
		t.Error("expected miss for unknown user id")
	}
}

func TestUsers_AutoMapUserID(t *testing.T) {
	u := autoMapFixture()

	id, ok := u.UserID("Jane Doe")
	if !ok || id != 9 {
		t.Fatalf("UserID(Jane Doe) = %d, %v", id, ok)
	}
	// Case-insensitive display-name match.
	id, ok = u.UserID("jane doe")
	if !ok || id != 9 {
		t.Fatalf("UserID(jane doe) = %d, %v", id, ok)
	}
	if _, ok := u.UserID("Nobody Here"); ok {
		t.Error("expected miss for unknown display name")
	}
	if _, ok := u.UserID(""); ok {
		t.Error("expected miss for empty display name")
	}
}

func TestUsers_ExplicitMappings(t *testing.T) {
	table := []mapping.Entry{
		{ProjectID: 7, InternalID: 9, ExternalKey: "Jane Doe", Primary: true},
	}
	u := NewUsers(false, table, nil, nil)

	name, ok := u.DisplayName(9)
	if !ok || name != "Jane Doe" {
		t.Fatalf("DisplayName(9) = %q, %v", name, ok)
	}
	id, ok := u.UserID("Jane Doe")
	if !ok || id != 9 {
		t.Fatalf("UserID = %d, %v", id, ok)
	}
}

func TestStripDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CORP\\jdoe", "jdoe"},
		{"jdoe@corp.example.com", "jdoe"},
		{"jdoe", "jdoe"},
	}
	for _, tt := range tests {
		if got := stripDomain(tt.in); got != tt.want {
			t.Errorf("stripDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
