package translate

import (
	"strings"

	"github.com/rs/zerolog/log"

	"spira-tfs-sync/internal/mapping"
	"spira-tfs-sync/internal/spira"
	"spira-tfs-sync/internal/tfs"
)

// UserDirectory is the Spira user-lookup surface the auto-map path needs.
type UserDirectory interface {
	GetUserByID(id int) (*spira.User, error)
	GetUserByLogin(login string) (*spira.User, error)
}

// Users translates user identities between the two sides. With auto-map
// disabled it consults the stored user mapping table (internal user id ↔
// TFS display name). With auto-map enabled it resolves through login /
// display-name lookups against the pre-fetched TFS identity roster and
// caches each translation for the rest of the cycle. Lookup misses mean
// "no assignee", never an error.
type Users struct {
	autoMap   bool
	mappings  []mapping.Entry
	directory UserDirectory
	roster    []tfs.Identity

	idToName map[int]string
	nameToID map[string]int
}

// NewUsers builds the user translator for one sync cycle.
func NewUsers(autoMap bool, mappings []mapping.Entry, directory UserDirectory, roster []tfs.Identity) *Users {
	return &Users{
		autoMap:   autoMap,
		mappings:  mappings,
		directory: directory,
		roster:    roster,
		idToName:  make(map[int]string),
		nameToID:  make(map[string]int),
	}
}

// DisplayName resolves a Spira user id to a TFS display name.
func (u *Users) DisplayName(userID int) (string, bool) {
	if !u.autoMap {
		return InternalToExternal(u.mappings, userID)
	}

	if name, ok := u.idToName[userID]; ok {
		return name, name != ""
	}

	name := u.resolveDisplayName(userID)
	u.idToName[userID] = name
	return name, name != ""
}

func (u *Users) resolveDisplayName(userID int) string {
	user, err := u.directory.GetUserByID(userID)
	if err != nil || user == nil {
		log.Warn().Int("userId", userID).Msg("Spira user not found, leaving assignee empty")
		return ""
	}
	if identity := u.identityByLogin(user.UserName); identity != nil {
		return identity.DisplayName
	}
	log.Warn().Str("login", user.UserName).Msg("No TFS identity for Spira login, leaving assignee empty")
	return ""
}

// UserID resolves a TFS display name back to a Spira user id.
func (u *Users) UserID(displayName string) (int, bool) {
	if displayName == "" {
		return 0, false
	}

	if !u.autoMap {
		return ExternalToInternal(u.mappings, displayName)
	}

	key := strings.ToLower(displayName)
	if id, ok := u.nameToID[key]; ok {
		return id, id != 0
	}

	id := u.resolveUserID(displayName)
	u.nameToID[key] = id
	return id, id != 0
}

func (u *Users) resolveUserID(displayName string) int {
	identity := u.identityByDisplayName(displayName)
	if identity == nil {
		log.Warn().Str("displayName", displayName).Msg("No TFS identity for display name, leaving user empty")
		return 0
	}

	login := stripDomain(identity.UniqueName)
	user, err := u.directory.GetUserByLogin(login)
	if err != nil || user == nil {
		log.Warn().Str("login", login).Msg("No Spira user for TFS login, leaving user empty")
		return 0
	}
	return user.UserID
}

func (u *Users) identityByLogin(login string) *tfs.Identity {
	for i := range u.roster {
		if strings.EqualFold(stripDomain(u.roster[i].UniqueName), login) {
			return &u.roster[i]
		}
	}
	return nil
}

func (u *Users) identityByDisplayName(displayName string) *tfs.Identity {
	for i := range u.roster {
		if strings.EqualFold(u.roster[i].DisplayName, displayName) {
			return &u.roster[i]
		}
	}
	return nil
}

// stripDomain reduces DOMAIN\login or login@host to the bare login.
func stripDomain(uniqueName string) string {
	if i := strings.LastIndex(uniqueName, "\\"); i >= 0 {
		return uniqueName[i+1:]
	}
	if i := strings.Index(uniqueName, "@"); i >= 0 {
		return uniqueName[:i]
	}
	return uniqueName
}
