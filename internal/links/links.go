// Package links copies attachments, URL links and artifact associations
// between the two sides. File attachments move as content (download one side,
// upload the other), URL attachments become hyperlink relations, and
// associations become Related links when both ends are mapped. A failed
// transfer of a single link is a warning, never an artifact failure.
package links

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/tfs"
)

// SpiraLinks is the attachment/association surface of the Spira client.
type SpiraLinks interface {
	ListAttachments(artifactTypeID, artifactID int) ([]spira.Attachment, error)
	DownloadAttachment(attachmentID int) ([]byte, error)
	UploadFileAttachment(artifactTypeID, artifactID int, filename string, authorID *int, data []byte) (*spira.Attachment, error)
	UploadURLAttachment(artifactTypeID, artifactID int, target string, authorID *int) (*spira.Attachment, error)
	ListAssociations(artifactTypeID, artifactID int) ([]spira.Association, error)
	CreateAssociation(a *spira.Association) error
}

// TFSLinks is the attachment surface of the TFS client.
type TFSLinks interface {
	UploadAttachment(filename string, data []byte) (string, error)
	DownloadAttachment(attachmentURL string) ([]byte, error)
}

// Linker moves links for one project pair.
type Linker struct {
	projectID int
	spira     SpiraLinks
	tfs       TFSLinks
	store     *mapping.Store
}

// NewLinker builds a linker for one sync cycle.
func NewLinker(projectID int, spiraClient SpiraLinks, tfsClient TFSLinks, store *mapping.Store) *Linker {
	return &Linker{projectID: projectID, spira: spiraClient, tfs: tfsClient, store: store}
}

// AttachmentOps builds relation operations for every Spira attachment not yet
// present on the work item: file attachments are uploaded first, URL
// attachments become hyperlinks. Attachments transfer in ascending id order.
func (l *Linker) AttachmentOps(artifactTypeID, artifactID int, wi *tfs.WorkItem) ([]tfs.PatchOperation, error) {
	attachments, err := l.spira.ListAttachments(artifactTypeID, artifactID)
	if err != nil {
		return nil, err
	}
	sort.Slice(attachments, func(i, j int) bool {
		return attachments[i].AttachmentID < attachments[j].AttachmentID
	})

	var ops []tfs.PatchOperation
	for _, a := range attachments {
		switch a.AttachmentTypeID {
		case spira.AttachmentFile:
			if hasAttachedFile(wi, a.FilenameOrURL) {
				continue
			}
			data, err := l.spira.DownloadAttachment(a.AttachmentID)
			if err != nil {
				log.Warn().Err(err).Int("attachmentId", a.AttachmentID).Msg("Failed to download attachment, skipping")
				continue
			}
			uploadURL, err := l.tfs.UploadAttachment(a.FilenameOrURL, data)
			if err != nil {
				log.Warn().Err(err).Str("filename", a.FilenameOrURL).Msg("Failed to upload attachment, skipping")
				continue
			}
			ops = tfs.AddRelation(ops, tfs.Relation{
				Rel: tfs.RelAttachedFile,
				URL: uploadURL,
				Attributes: map[string]interface{}{
					"name":    a.FilenameOrURL,
					"comment": a.Description,
				},
			})

		case spira.AttachmentURL:
			if hasHyperlink(wi, a.FilenameOrURL) {
				continue
			}
			ops = tfs.AddRelation(ops, tfs.Relation{
				Rel:        tfs.RelHyperlink,
				URL:        a.FilenameOrURL,
				Attributes: map[string]interface{}{"comment": a.Description},
			})
		}
	}
	return ops, nil
}

// PullAttachments copies the work item's attached files and hyperlinks into
// the Spira artifact. File content passes through a temp file so a partial
// download never reaches the upload.
func (l *Linker) PullAttachments(artifactTypeID, artifactID int, wi *tfs.WorkItem, authorID *int) error {
	existing, err := l.spira.ListAttachments(artifactTypeID, artifactID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, a := range existing {
		known[a.FilenameOrURL] = true
	}

	for _, rel := range wi.Relations {
		switch rel.Rel {
		case tfs.RelAttachedFile:
			name := relationName(rel)
			if name == "" || known[name] {
				continue
			}
			if err := l.pullFile(artifactTypeID, artifactID, name, rel.URL, authorID); err != nil {
				log.Warn().Err(err).Str("filename", name).Msg("Failed to transfer attached file, skipping")
				continue
			}
			known[name] = true

		case tfs.RelHyperlink:
			if rel.URL == "" || known[rel.URL] {
				continue
			}
			if _, err := l.spira.UploadURLAttachment(artifactTypeID, artifactID, rel.URL, authorID); err != nil {
				log.Warn().Err(err).Str("url", rel.URL).Msg("Failed to create URL attachment, skipping")
				continue
			}
			known[rel.URL] = true
		}
	}
	return nil
}

func (l *Linker) pullFile(artifactTypeID, artifactID int, name, url string, authorID *int) error {
	data, err := l.tfs.DownloadAttachment(url)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "sync-attachment-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	staged, err := os.ReadFile(tmp.Name())
	if err != nil {
		return err
	}
	_, err = l.spira.UploadFileAttachment(artifactTypeID, artifactID, name, authorID, staged)
	return err
}

// AssociationOps builds Related-link operations for every association whose
// other end is mapped to a work item. Unmapped ends are skipped silently;
// they link up on a later cycle once the other artifact syncs.
func (l *Linker) AssociationOps(artifactTypeID, artifactID int, wi *tfs.WorkItem, workItemURL func(id int) string) ([]tfs.PatchOperation, error) {
	associations, err := l.spira.ListAssociations(artifactTypeID, artifactID)
	if err != nil {
		return nil, err
	}

	var ops []tfs.PatchOperation
	for _, a := range associations {
		otherType, otherID := otherEnd(a, artifactTypeID, artifactID)
		if otherID == 0 {
			continue
		}
		entry, err := l.store.FindByInternalID(l.projectID, otherType, otherID)
		if err != nil {
			return ops, err
		}
		if entry == nil {
			continue
		}
		workItemID, err := strconv.Atoi(entry.ExternalKey)
		if err != nil {
			continue
		}
		if hasRelatedLink(wi, workItemID) {
			continue
		}
		ops = tfs.AddRelation(ops, tfs.Relation{
			Rel:        tfs.RelRelated,
			URL:        workItemURL(workItemID),
			Attributes: map[string]interface{}{"comment": a.Comment},
		})
	}
	return ops, nil
}

// PullRelatedLinks creates Spira associations for the work item's Related
// links whose other end maps back to a known artifact.
func (l *Linker) PullRelatedLinks(artifactTypeID, artifactID int, wi *tfs.WorkItem, creatorID *int) error {
	existing, err := l.spira.ListAssociations(artifactTypeID, artifactID)
	if err != nil {
		return err
	}

	for _, rel := range wi.Relations {
		if rel.Rel != tfs.RelRelated {
			continue
		}
		otherWorkItemID := workItemIDFromURL(rel.URL)
		if otherWorkItemID == 0 {
			continue
		}

		otherType, otherID, ok := l.findMappedArtifact(otherWorkItemID)
		if !ok {
			continue
		}
		if hasAssociation(existing, otherType, otherID) {
			continue
		}

		err := l.spira.CreateAssociation(&spira.Association{
			SourceArtifactTypeID: artifactTypeID,
			SourceArtifactID:     artifactID,
			DestArtifactTypeID:   otherType,
			DestArtifactID:       otherID,
			CreatorID:            creatorID,
		})
		if err != nil {
			log.Warn().Err(err).Int("workItemId", otherWorkItemID).Msg("Failed to create association, skipping")
		}
	}
	return nil
}

// findMappedArtifact searches the per-type mapping tables for the artifact
// mapped to a work item id.
func (l *Linker) findMappedArtifact(workItemID int) (artifactTypeID, artifactID int, ok bool) {
	key := strconv.Itoa(workItemID)
	for _, typeID := range []int{mapping.ArtifactTypeIncident, mapping.ArtifactTypeTask, mapping.ArtifactTypeRequirement} {
		entry, err := l.store.FindByExternalKey(l.projectID, typeID, key, false)
		if err != nil {
			log.Warn().Err(err).Int("artifactType", typeID).Msg("Mapping lookup failed")
			continue
		}
		if entry != nil {
			return typeID, entry.InternalID, true
		}
	}
	return 0, 0, false
}

func otherEnd(a spira.Association, artifactTypeID, artifactID int) (int, int) {
	if a.SourceArtifactTypeID == artifactTypeID && a.SourceArtifactID == artifactID {
		return a.DestArtifactTypeID, a.DestArtifactID
	}
	if a.DestArtifactTypeID == artifactTypeID && a.DestArtifactID == artifactID {
		return a.SourceArtifactTypeID, a.SourceArtifactID
	}
	return 0, 0
}

func hasAssociation(list []spira.Association, artifactTypeID, artifactID int) bool {
	for _, a := range list {
		if (a.DestArtifactTypeID == artifactTypeID && a.DestArtifactID == artifactID) ||
			(a.SourceArtifactTypeID == artifactTypeID && a.SourceArtifactID == artifactID) {
			return true
		}
	}
	return false
}

func relationName(rel tfs.Relation) string {
	if rel.Attributes == nil {
		return ""
	}
	name, _ := rel.Attributes["name"].(string)
	return name
}

func hasAttachedFile(wi *tfs.WorkItem, filename string) bool {
	if wi == nil {
		return false
	}
	for _, rel := range wi.Relations {
		if rel.Rel == tfs.RelAttachedFile && strings.EqualFold(relationName(rel), filename) {
			return true
		}
	}
	return false
}

func hasHyperlink(wi *tfs.WorkItem, target string) bool {
	if wi == nil {
		return false
	}
	for _, rel := range wi.Relations {
		if rel.Rel == tfs.RelHyperlink && rel.URL == target {
			return true
		}
	}
	return false
}

func hasRelatedLink(wi *tfs.WorkItem, workItemID int) bool {
	if wi == nil {
		return false
	}
	for _, rel := range wi.Relations {
		if rel.Rel == tfs.RelRelated && workItemIDFromURL(rel.URL) == workItemID {
			return true
		}
	}
	return false
}

// workItemIDFromURL extracts the trailing id from a work-item API URL.
func workItemIDFromURL(url string) int {
	i := strings.LastIndex(url, "/")
	if i < 0 {
		return 0
	}
	id, err := strconv.Atoi(url[i+1:])
	if err != nil {
		return 0
	}
	return id
}
