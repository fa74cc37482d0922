package mapping

import "testing"

var sample = []Entry{
	{ProjectID: 7, InternalID: 42, ExternalKey: "101", Primary: true},
	{ProjectID: 7, InternalID: 43, ExternalKey: "102", Primary: true},
	{ProjectID: 7, InternalID: 44, ExternalKey: "102", Primary: false},
	{ProjectID: 8, InternalID: 42, ExternalKey: "201", Primary: true},
}

func TestFindByInternalID(t *testing.T) {
	tests := []struct {
		internalID int
		wantKey    string
	}{
		{42, "101"},
		{43, "102"},
		{99, ""},
	}

	for _, tt := range tests {
		got := FindByInternalID(sample, tt.internalID)
		if tt.wantKey == "" {
			if got != nil {
				t.Errorf("FindByInternalID(%d) = %+v, want nil", tt.internalID, got)
			}
			continue
		}
		if got == nil || got.ExternalKey != tt.wantKey {
			t.Errorf("FindByInternalID(%d) = %+v, want key %q", tt.internalID, got, tt.wantKey)
		}
	}
}

func TestFindByExternalKey_PrimaryResolution(t *testing.T) {
	// Two rows alias key "102"; the primary one must win when requested.
	got := FindByExternalKey(sample, "102", true)
	if got == nil || got.InternalID != 43 {
		t.Fatalf("FindByExternalKey primary = %+v, want internalID 43", got)
	}

	any := FindByExternalKey(sample, "102", false)
	if any == nil {
		t.Fatal("FindByExternalKey non-primary returned nil")
	}

	if FindByExternalKey(sample, "999", false) != nil {
		t.Error("expected nil for unknown key")
	}
}

func TestFindInProject(t *testing.T) {
	got := FindInProjectByInternalID(sample, 8, 42)
	if got == nil || got.ExternalKey != "201" {
		t.Fatalf("FindInProjectByInternalID(8, 42) = %+v, want key 201", got)
	}
	if FindInProjectByInternalID(sample, 9, 42) != nil {
		t.Error("expected nil for unknown project")
	}
	if e := FindInProjectByExternalKey(sample, 7, "101", true); e == nil || e.InternalID != 42 {
		t.Errorf("FindInProjectByExternalKey(7, 101) = %+v", e)
	}
}

// fakeClient records batched writes for store tests.
type fakeClient struct {
	tables  map[[2]int][]Entry
	added   [][]Entry
	removed [][]Entry
}

func (f *fakeClient) DataSyncProjectMappings() ([]Entry, error) { return nil, nil }
func (f *fakeClient) DataSyncUserMappings() ([]Entry, error)    { return nil, nil }
func (f *fakeClient) DataSyncArtifactMappings(projectID, artifactTypeID int) ([]Entry, error) {
	return f.tables[[2]int{projectID, artifactTypeID}], nil
}
func (f *fakeClient) DataSyncFieldValueMappings(projectID, artifactFieldID int) ([]Entry, error) {
	return nil, nil
}
func (f *fakeClient) DataSyncCustomPropertyMapping(projectID, artifactTypeID, customPropertyID int) (*Entry, error) {
	return nil, nil
}
func (f *fakeClient) DataSyncCustomPropertyValueMappings(projectID, artifactTypeID, customPropertyID int) ([]Entry, error) {
	return nil, nil
}
func (f *fakeClient) AddDataSyncArtifactMappings(projectID, artifactTypeID int, entries []Entry) error {
	f.added = append(f.added, entries)
	return nil
}
func (f *fakeClient) RemoveDataSyncArtifactMappings(projectID, artifactTypeID int, entries []Entry) error {
	f.removed = append(f.removed, entries)
	return nil
}

func TestStore_QueueAddDedup(t *testing.T) {
	fc := &fakeClient{tables: map[[2]int][]Entry{}}
	s := NewStore(fc)

	s.QueueAdd(ArtifactTypeIncident, Entry{ProjectID: 7, InternalID: 42, ExternalKey: "101", Primary: true})
	s.QueueAdd(ArtifactTypeIncident, Entry{ProjectID: 7, InternalID: 42, ExternalKey: "101", Primary: true})

	if got := len(s.PendingAdds(7, ArtifactTypeIncident)); got != 1 {
		t.Fatalf("pending adds = %d, want 1 (duplicates ignored)", got)
	}
}

func TestStore_FindSeesPendingBeforeFlush(t *testing.T) {
	fc := &fakeClient{tables: map[[2]int][]Entry{}}
	s := NewStore(fc)

	s.QueueAdd(ArtifactTypeRelease, Entry{ProjectID: 7, InternalID: 5, ExternalKey: "3001", Primary: true})

	e, err := s.FindByInternalID(7, ArtifactTypeRelease, 5)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.ExternalKey != "3001" {
		t.Fatalf("FindByInternalID before flush = %+v, want pending entry", e)
	}

	byKey, err := s.FindByExternalKey(7, ArtifactTypeRelease, "3001", false)
	if err != nil {
		t.Fatal(err)
	}
	if byKey == nil || byKey.InternalID != 5 {
		t.Fatalf("FindByExternalKey before flush = %+v", byKey)
	}
}

func TestStore_FlushBatchesAndFoldsIntoCache(t *testing.T) {
	fc := &fakeClient{tables: map[[2]int][]Entry{}}
	s := NewStore(fc)

	s.QueueAdd(ArtifactTypeIncident, Entry{ProjectID: 7, InternalID: 1, ExternalKey: "10"})
	s.QueueAdd(ArtifactTypeIncident, Entry{ProjectID: 7, InternalID: 2, ExternalKey: "11"})

	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(fc.added) != 1 || len(fc.added[0]) != 2 {
		t.Fatalf("expected one batch of 2 adds, got %+v", fc.added)
	}
	if got := len(s.PendingAdds(7, ArtifactTypeIncident)); got != 0 {
		t.Fatalf("pending adds after flush = %d, want 0", got)
	}

	// Entries remain resolvable from the persisted cache.
	e, err := s.FindByInternalID(7, ArtifactTypeIncident, 2)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.ExternalKey != "11" {
		t.Fatalf("FindByInternalID after flush = %+v", e)
	}

	// Second flush with nothing queued writes nothing.
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(fc.added) != 1 {
		t.Fatalf("idle flush wrote %d batches, want 1 total", len(fc.added))
	}
}

func TestStore_QueueRemove(t *testing.T) {
	fc := &fakeClient{tables: map[[2]int][]Entry{
		{7, ArtifactTypeRelease}: {{ProjectID: 7, InternalID: 5, ExternalKey: "3001"}},
	}}
	s := NewStore(fc)

	// Warm the cache, then retire.
	if _, err := s.ArtifactMappings(7, ArtifactTypeRelease); err != nil {
		t.Fatal(err)
	}
	s.QueueRemove(ArtifactTypeRelease, Entry{ProjectID: 7, InternalID: 5, ExternalKey: "3001"})
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(fc.removed) != 1 || len(fc.removed[0]) != 1 {
		t.Fatalf("expected one batch of 1 removal, got %+v", fc.removed)
	}
	e, err := s.FindByInternalID(7, ArtifactTypeRelease, 5)
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Fatalf("retired mapping still resolvable: %+v", e)
	}
}
