package mapping

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Client is the subset of the Spira data-sync API the store needs. All calls
// are scoped server-side by the plug-in id the client was configured with.
type Client interface {
	DataSyncProjectMappings() ([]Entry, error)
	DataSyncUserMappings() ([]Entry, error)
	DataSyncArtifactMappings(projectID, artifactTypeID int) ([]Entry, error)
	DataSyncFieldValueMappings(projectID, artifactFieldID int) ([]Entry, error)
	DataSyncCustomPropertyMapping(projectID, artifactTypeID, customPropertyID int) (*Entry, error)
	DataSyncCustomPropertyValueMappings(projectID, artifactTypeID, customPropertyID int) ([]Entry, error)
	AddDataSyncArtifactMappings(projectID, artifactTypeID int, entries []Entry) error
	RemoveDataSyncArtifactMappings(projectID, artifactTypeID int, entries []Entry) error
}

type tableKey struct {
	projectID      int
	artifactTypeID int
}

// Store caches the mapping tables for one sync cycle and accumulates new and
// retired artifact mappings so they can be written in one batch per phase.
// A mapping is queued only after the counterpart artifact exists on the other
// side, so a crash before Flush can at worst cause a duplicate-create attempt
// on the next run, which the processors guard against remotely.
type Store struct {
	client Client

	tables  map[tableKey][]Entry
	adds    map[tableKey][]Entry
	removes map[tableKey][]Entry
}

// NewStore creates a store for a single sync cycle.
func NewStore(client Client) *Store {
	return &Store{
		client:  client,
		tables:  make(map[tableKey][]Entry),
		adds:    make(map[tableKey][]Entry),
		removes: make(map[tableKey][]Entry),
	}
}

// ArtifactMappings returns the persisted mapping table for one artifact type,
// fetching it at most once per cycle.
func (s *Store) ArtifactMappings(projectID, artifactTypeID int) ([]Entry, error) {
	k := tableKey{projectID, artifactTypeID}
	if cached, ok := s.tables[k]; ok {
		return cached, nil
	}
	entries, err := s.client.DataSyncArtifactMappings(projectID, artifactTypeID)
	if err != nil {
		return nil, fmt.Errorf("loading artifact mappings (project %d, type %d): %w", projectID, artifactTypeID, err)
	}
	s.tables[k] = entries
	return entries, nil
}

// FindByInternalID resolves internalID against the persisted table plus any
// mappings queued this cycle but not yet flushed.
func (s *Store) FindByInternalID(projectID, artifactTypeID, internalID int) (*Entry, error) {
	table, err := s.ArtifactMappings(projectID, artifactTypeID)
	if err != nil {
		return nil, err
	}
	if e := FindInProjectByInternalID(table, projectID, internalID); e != nil {
		return e, nil
	}
	return FindInProjectByInternalID(s.adds[tableKey{projectID, artifactTypeID}], projectID, internalID), nil
}

// FindByExternalKey resolves an external key the same way.
func (s *Store) FindByExternalKey(projectID, artifactTypeID int, key string, onlyPrimary bool) (*Entry, error) {
	table, err := s.ArtifactMappings(projectID, artifactTypeID)
	if err != nil {
		return nil, err
	}
	if e := FindInProjectByExternalKey(table, projectID, key, onlyPrimary); e != nil {
		return e, nil
	}
	return FindInProjectByExternalKey(s.adds[tableKey{projectID, artifactTypeID}], projectID, key, onlyPrimary), nil
}

// QueueAdd records a new mapping for the next Flush. Duplicate internal ids
// for the same project and type are ignored.
func (s *Store) QueueAdd(artifactTypeID int, e Entry) {
	k := tableKey{e.ProjectID, artifactTypeID}
	if FindInProjectByInternalID(s.adds[k], e.ProjectID, e.InternalID) != nil {
		return
	}
	s.adds[k] = append(s.adds[k], e)
	log.Debug().
		Int("project", e.ProjectID).
		Int("artifactType", artifactTypeID).
		Int("internalId", e.InternalID).
		Str("externalKey", e.ExternalKey).
		Msg("Queued new mapping")
}

// QueueRemove records a mapping for batched removal. Only auto-created
// release mappings whose iteration disappeared are ever retired.
func (s *Store) QueueRemove(artifactTypeID int, e Entry) {
	k := tableKey{e.ProjectID, artifactTypeID}
	if FindInProjectByInternalID(s.removes[k], e.ProjectID, e.InternalID) != nil {
		return
	}
	s.removes[k] = append(s.removes[k], e)
}

// PendingAdds returns the queued-but-unflushed mappings for one table.
func (s *Store) PendingAdds(projectID, artifactTypeID int) []Entry {
	return s.adds[tableKey{projectID, artifactTypeID}]
}

// Flush writes every queued add and remove in per-table batches and folds the
// added entries into the cycle cache so later phases see them as persisted.
func (s *Store) Flush() error {
	for k, entries := range s.adds {
		if len(entries) == 0 {
			continue
		}
		if err := s.client.AddDataSyncArtifactMappings(k.projectID, k.artifactTypeID, entries); err != nil {
			return fmt.Errorf("flushing %d mappings (project %d, type %d): %w", len(entries), k.projectID, k.artifactTypeID, err)
		}
		s.tables[k] = append(s.tables[k], entries...)
		log.Info().
			Int("project", k.projectID).
			Int("artifactType", k.artifactTypeID).
			Int("count", len(entries)).
			Msg("Persisted new mappings")
	}
	s.adds = make(map[tableKey][]Entry)

	for k, entries := range s.removes {
		if len(entries) == 0 {
			continue
		}
		if err := s.client.RemoveDataSyncArtifactMappings(k.projectID, k.artifactTypeID, entries); err != nil {
			return fmt.Errorf("retiring %d mappings (project %d, type %d): %w", len(entries), k.projectID, k.artifactTypeID, err)
		}
		s.tables[k] = removeAll(s.tables[k], entries)
		log.Info().
			Int("project", k.projectID).
			Int("artifactType", k.artifactTypeID).
			Int("count", len(entries)).
			Msg("Retired mappings")
	}
	s.removes = make(map[tableKey][]Entry)

	return nil
}

func removeAll(table, entries []Entry) []Entry {
	out := table[:0]
	for _, t := range table {
		retired := false
		for _, e := range entries {
			if t.ProjectID == e.ProjectID && t.InternalID == e.InternalID {
				retired = true
				break
			}
		}
		if !retired {
			out = append(out, t)
		}
	}
	return out
}
