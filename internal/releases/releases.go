// Package releases keeps Spira releases and TFS iterations in step: a mapped
// pair is reused, an unmapped release gets an iteration created for it and an
// unmapped iteration gets a placeholder release, with the new mapping queued
// for the phase-boundary flush.
package releases

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/tfs"
)

// Placeholder releases created for unmapped iterations.
const (
	// DefaultReleaseCreatorID is the Spira user recorded as creator of
	// auto-created releases. User 1 is the built-in administrator.
	DefaultReleaseCreatorID = 1
	// DefaultReleaseSpanDays is the length of the auto-created release
	// window, starting today.
	DefaultReleaseSpanDays = 5
	// VersionPrefix marks auto-created release version numbers.
	VersionPrefix = "TFS-"
)

// iterationReservedChars are rejected by the TFS classification-node API.
const iterationReservedChars = "\\/$?*:\"&><#%|"

// SpiraReleases is the release surface of the Spira client.
type SpiraReleases interface {
	GetRelease(id int) (*spira.Release, error)
	CreateRelease(r *spira.Release) (*spira.Release, error)
}

// TFSIterations is the classification-node surface of the TFS client.
type TFSIterations interface {
	GetIterationTree(project string) (*tfs.ClassificationNode, error)
	CreateIteration(project, name string) (*tfs.ClassificationNode, error)
}

// Reconciler resolves release/iteration pairs for one project pair within one
// sync cycle. The iteration tree is fetched lazily and re-fetched after every
// iteration create.
type Reconciler struct {
	projectID  int
	tfsProject string
	releases   SpiraReleases
	iterations TFSIterations
	store      *mapping.Store

	tree *tfs.ClassificationNode
}

// NewReconciler builds a reconciler for one sync cycle.
func NewReconciler(projectID int, tfsProject string, releases SpiraReleases,
	iterations TFSIterations, store *mapping.Store) *Reconciler {
	return &Reconciler{
		projectID:  projectID,
		tfsProject: tfsProject,
		releases:   releases,
		iterations: iterations,
		store:      store,
	}
}

func (r *Reconciler) iterationTree() (*tfs.ClassificationNode, error) {
	if r.tree != nil {
		return r.tree, nil
	}
	tree, err := r.iterations.GetIterationTree(r.tfsProject)
	if err != nil {
		return nil, err
	}
	r.tree = tree
	return tree, nil
}

// SanitizeIterationName strips the characters TFS rejects in iteration names.
func SanitizeIterationName(name string) string {
	return strings.TrimSpace(strings.Map(func(c rune) rune {
		if strings.ContainsRune(iterationReservedChars, c) {
			return -1
		}
		return c
	}, name))
}

// IterationID resolves a Spira release to a TFS iteration id, creating the
// iteration on first encounter. The mapping is queued, not yet persisted.
func (r *Reconciler) IterationID(releaseID int) (int, error) {
	entry, err := r.store.FindByInternalID(r.projectID, mapping.ArtifactTypeRelease, releaseID)
	if err != nil {
		return 0, err
	}
	if entry != nil {
		id, err := strconv.Atoi(entry.ExternalKey)
		if err != nil {
			return 0, fmt.Errorf("release %d maps to non-numeric iteration %q", releaseID, entry.ExternalKey)
		}
		return id, nil
	}

	release, err := r.releases.GetRelease(releaseID)
	if err != nil {
		return 0, fmt.Errorf("loading release %d: %w", releaseID, err)
	}

	name := SanitizeIterationName(release.VersionNumber)
	if name == "" {
		name = SanitizeIterationName(release.Name)
	}
	if name == "" {
		return 0, fmt.Errorf("release %d has no usable iteration name", releaseID)
	}

	// The name may already exist as an iteration created outside the sync.
	tree, err := r.iterationTree()
	if err != nil {
		return 0, err
	}
	node := tree.FindChild(name)
	if node == nil {
		node, err = r.createIteration(name)
		if err != nil {
			return 0, fmt.Errorf("creating iteration %q for release %d: %w", name, releaseID, err)
		}
	}

	r.store.QueueAdd(mapping.ArtifactTypeRelease, mapping.Entry{
		ProjectID:   r.projectID,
		InternalID:  releaseID,
		ExternalKey: strconv.Itoa(node.ID),
		Primary:     true,
	})
	log.Info().
		Int("releaseId", releaseID).
		Int("iterationId", node.ID).
		Str("name", name).
		Msg("Created iteration for release")
	return node.ID, nil
}

// createIteration creates the node and polls the tree until it is visible,
// since a freshly created node is not immediately assignable to work items.
func (r *Reconciler) createIteration(name string) (*tfs.ClassificationNode, error) {
	node, err := r.iterations.CreateIteration(r.tfsProject, name)
	if err != nil {
		return nil, err
	}
	r.tree = nil

	poll := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8)
	err = backoff.Retry(func() error {
		tree, err := r.iterations.GetIterationTree(r.tfsProject)
		if err != nil {
			return err
		}
		if tree.FindByID(node.ID) == nil {
			return fmt.Errorf("iteration %d not yet visible", node.ID)
		}
		r.tree = tree
		return nil
	}, poll)
	if err != nil {
		return nil, fmt.Errorf("waiting for iteration %q: %w", name, err)
	}
	return node, nil
}

// ReleaseID resolves a TFS iteration to a Spira release id, creating a
// placeholder release on first encounter. Returns false when the iteration
// no longer exists in the tree.
func (r *Reconciler) ReleaseID(iterationID int) (int, bool, error) {
	key := strconv.Itoa(iterationID)
	entry, err := r.store.FindByExternalKey(r.projectID, mapping.ArtifactTypeRelease, key, false)
	if err != nil {
		return 0, false, err
	}
	if entry != nil {
		return entry.InternalID, true, nil
	}

	tree, err := r.iterationTree()
	if err != nil {
		return 0, false, err
	}
	node := tree.FindByID(iterationID)
	if node == nil {
		log.Warn().Int("iterationId", iterationID).Msg("Iteration not found in tree, leaving release empty")
		return 0, false, nil
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	created, err := r.releases.CreateRelease(&spira.Release{
		ProjectID:     r.projectID,
		Name:          node.Name,
		VersionNumber: VersionPrefix + key,
		Active:        true,
		StartDate:     today,
		EndDate:       today.AddDate(0, 0, DefaultReleaseSpanDays),
		CreatorID:     DefaultReleaseCreatorID,
	})
	if err != nil {
		return 0, false, fmt.Errorf("creating release for iteration %d: %w", iterationID, err)
	}

	r.store.QueueAdd(mapping.ArtifactTypeRelease, mapping.Entry{
		ProjectID:   r.projectID,
		InternalID:  created.ReleaseID,
		ExternalKey: key,
		Primary:     true,
	})
	log.Info().
		Int("iterationId", iterationID).
		Int("releaseId", created.ReleaseID).
		Str("name", node.Name).
		Msg("Created release for iteration")
	return created.ReleaseID, true, nil
}

// RetireMissing queues removal of release mappings whose iteration has been
// deleted from the project. The store flushes them at the phase boundary.
func (r *Reconciler) RetireMissing() error {
	table, err := r.store.ArtifactMappings(r.projectID, mapping.ArtifactTypeRelease)
	if err != nil {
		return err
	}
	if len(table) == 0 {
		return nil
	}
	tree, err := r.iterationTree()
	if err != nil {
		return err
	}

	for _, entry := range table {
		if entry.ProjectID != r.projectID {
			continue
		}
		id, err := strconv.Atoi(entry.ExternalKey)
		if err != nil {
			continue
		}
		if tree.FindByID(id) == nil {
			log.Info().
				Int("releaseId", entry.InternalID).
				Int("iterationId", id).
				Msg("Iteration gone, retiring release mapping")
			r.store.QueueRemove(mapping.ArtifactTypeRelease, entry)
		}
	}
	return nil
}
