package processors

import (
	"sort"
	"strings"

	"spira-tfs-sync/internal/htmltext"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/tfs"
	"spira-tfs-sync/internal/translate"
)

func newComment(artifactID int, text string) *spira.Comment {
	return &spira.Comment{ArtifactID: artifactID, Text: text}
}

// commentKey normalizes comment text for deduplication: HTML stripped,
// surrounding whitespace removed.
func commentKey(text string) string {
	return strings.TrimSpace(htmltext.StripHTML(text))
}

// pushComments inserts the artifact's comments into the work item's history,
// skipping any whose trimmed text already appears in a revision.
func (e *Env) pushComments(artifactTypeID, artifactID, workItemID int) error {
	comments, err := e.Spira.ListComments(artifactTypeID, artifactID)
	if err != nil {
		return err
	}
	if len(comments) == 0 {
		return nil
	}

	revisions, err := e.TFS.ListRevisions(workItemID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(revisions))
	for _, rev := range revisions {
		if text := commentKey(rev.Fields.String(tfs.FieldHistory)); text != "" {
			seen[text] = true
		}
	}

	sort.Slice(comments, func(i, j int) bool {
		ti, tj := comments[i].CreationDate, comments[j].CreationDate
		if ti == nil || tj == nil {
			return ti == nil
		}
		return ti.Before(*tj)
	})

	for _, c := range comments {
		key := commentKey(c.Text)
		if key == "" || seen[key] {
			continue
		}
		ops := tfs.SetField(nil, tfs.FieldHistory, c.Text)
		if _, err := e.TFS.UpdateWorkItem(workItemID, ops); err != nil {
			e.Recorder.Warning("processor", "adding comment to work item %d: %v", workItemID, err)
			continue
		}
		seen[key] = true
	}
	return nil
}

// pullRevisionComments inserts the work item's nonempty history entries as
// artifact comments, ordered by changed date and deduplicated by trimmed
// text against the existing comments.
func (e *Env) pullRevisionComments(artifactTypeID, artifactID, workItemID int) error {
	revisions, err := e.TFS.ListRevisions(workItemID)
	if err != nil {
		return err
	}
	if len(revisions) == 0 {
		return nil
	}

	existing, err := e.Spira.ListComments(artifactTypeID, artifactID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		if key := commentKey(c.Text); key != "" {
			seen[key] = true
		}
	}

	sort.Slice(revisions, func(i, j int) bool {
		ti, iok := revisions[i].Fields.Time(tfs.FieldChangedDate)
		tj, jok := revisions[j].Fields.Time(tfs.FieldChangedDate)
		if !iok || !jok {
			return !iok
		}
		return ti.Before(tj)
	})

	for _, rev := range revisions {
		text := commentKey(rev.Fields.String(tfs.FieldHistory))
		if text == "" || seen[text] {
			continue
		}

		comment := newComment(artifactID, text)
		if name := rev.Fields.String(tfs.FieldChangedBy); name != "" {
			if userID, ok := e.Users.UserID(name); ok {
				comment.UserID = &userID
			}
		}
		if changed, ok := rev.Fields.Time(tfs.FieldChangedDate); ok {
			utc := translate.TFSToUTC(changed, e.Opts.TimeOffsetHours)
			comment.CreationDate = &utc
		}

		if err := e.Spira.CreateComment(artifactTypeID, comment); err != nil {
			e.Recorder.Warning("processor", "adding comment to artifact %d: %v", artifactID, err)
			continue
		}
		seen[text] = true
	}
	return nil
}
