// Package hierarchy enforces the team tree and role invariants of an organization:
// one leader per team, acyclic parent links, and the double-role pattern where a
// child team's leader role mirrors a source role held in the parent team.
package hierarchy

import (
	"errors"
	"slices"
	"sort"
)

type RoleType string

const (
	RolePlain     RoleType = ""
	RoleLeader    RoleType = "leader"
	RoleSecretary RoleType = "secretary"
	RoleReferee   RoleType = "referee"
)

var (
	ErrTeamNotFound      = errors.New("team not found")
	ErrParentNotFound    = errors.New("parent team not found")
	ErrCrossOrgParent    = errors.New("parent team belongs to another organization")
	ErrSelfParent        = errors.New("team cannot be its own parent")
	ErrHierarchyCycle    = errors.New("parent team is a descendant of the team")
	ErrLeaderExists      = errors.New("team already has a leader")
	ErrSpecialRoleExists = errors.New("team already has a role of this type")
	ErrInvalidRoleType   = errors.New("invalid role type")
	ErrLinkedRoleEdit    = errors.New("linked roles are edited through their source role")
)

type Team struct {
	ID           string  `json:"id"`
	OrgID        string  `json:"orgId"`
	Name         string  `json:"name"`
	ParentTeamID *string `json:"parentTeamId,omitempty"`
	Color        string  `json:"color,omitempty"`
}

type Role struct {
	ID           string   `json:"id"`
	OrgID        string   `json:"orgId"`
	TeamID       string   `json:"teamId"`
	Title        string   `json:"title"`
	MemberID     *string  `json:"memberId,omitempty"`
	Type         RoleType `json:"type,omitempty"`
	LinkedRoleID *string  `json:"linkedRoleId,omitempty"`
	Mission      string   `json:"mission,omitempty"`
	Duties       []string `json:"duties,omitempty"`
}

// IsLinked reports whether the role mirrors a source role in the parent team.
func (r Role) IsLinked() bool {
	return r.LinkedRoleID != nil && *r.LinkedRoleID != ""
}

func ParseRoleType(value string) (RoleType, error) {
	switch RoleType(value) {
	case RolePlain, RoleLeader, RoleSecretary, RoleReferee:
		return RoleType(value), nil
	default:
		return RolePlain, ErrInvalidRoleType
	}
}

// ValidateParent checks that parentID can become the parent of teamID inside orgID.
// An empty teamID validates a team that does not exist yet.
func ValidateParent(teams []Team, orgID, teamID, parentID string) error {
	byID := indexTeams(teams)
	parent, ok := byID[parentID]
	if !ok {
		return ErrParentNotFound
	}
	if parent.OrgID != orgID {
		return ErrCrossOrgParent
	}
	if teamID == "" {
		return nil
	}
	if teamID == parentID {
		return ErrSelfParent
	}
	if _, ok := byID[teamID]; !ok {
		return ErrTeamNotFound
	}
	if slices.Contains(Descendants(teams, teamID), parentID) {
		return ErrHierarchyCycle
	}
	return nil
}

// Descendants returns the ids of every team below teamID, breadth first.
func Descendants(teams []Team, teamID string) []string {
	children := make(map[string][]string)
	for _, team := range teams {
		if team.ParentTeamID != nil {
			children[*team.ParentTeamID] = append(children[*team.ParentTeamID], team.ID)
		}
	}
	for key := range children {
		sort.Strings(children[key])
	}

	var out []string
	seen := map[string]bool{teamID: true}
	queue := []string{teamID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// Ancestors returns the chain of parent ids from the direct parent up to the root.
func Ancestors(teams []Team, teamID string) []string {
	byID := indexTeams(teams)
	var out []string
	seen := map[string]bool{teamID: true}
	current, ok := byID[teamID]
	for ok && current.ParentTeamID != nil {
		parentID := *current.ParentTeamID
		if seen[parentID] {
			break
		}
		seen[parentID] = true
		out = append(out, parentID)
		current, ok = byID[parentID]
	}
	return out
}

// Children returns the direct children of teamID.
func Children(teams []Team, teamID string) []Team {
	var out []Team
	for _, team := range teams {
		if team.ParentTeamID != nil && *team.ParentTeamID == teamID {
			out = append(out, team)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnsureSingleLeader fails when teamID already has a leader role other than excludeRoleID.
func EnsureSingleLeader(roles []Role, teamID, excludeRoleID string) error {
	for _, role := range roles {
		if role.TeamID == teamID && role.Type == RoleLeader && role.ID != excludeRoleID {
			return ErrLeaderExists
		}
	}
	return nil
}

// ValidateSpecialRole checks the per-team uniqueness of leader, secretary and referee.
func ValidateSpecialRole(roles []Role, candidate Role) error {
	if _, err := ParseRoleType(string(candidate.Type)); err != nil {
		return err
	}
	switch candidate.Type {
	case RolePlain:
		return nil
	case RoleLeader:
		return EnsureSingleLeader(roles, candidate.TeamID, candidate.ID)
	}
	for _, role := range roles {
		if role.TeamID == candidate.TeamID && role.Type == candidate.Type && role.ID != candidate.ID {
			return ErrSpecialRoleExists
		}
	}
	return nil
}

// NewLinkedLeader builds the leader role of child mirroring source, which lives in
// the parent team. The caller assigns the id.
func NewLinkedLeader(source Role, child Team) Role {
	sourceID := source.ID
	linked := Role{
		OrgID:        child.OrgID,
		TeamID:       child.ID,
		Type:         RoleLeader,
		LinkedRoleID: &sourceID,
	}
	linked, _ = Propagate(source, linked)
	return linked
}

// Propagate copies the mirrored fields of source onto linked and reports whether
// linked changed.
func Propagate(source, linked Role) (Role, bool) {
	changed := linked.Title != source.Title ||
		!sameMember(linked.MemberID, source.MemberID) ||
		linked.Mission != source.Mission ||
		!slices.Equal(linked.Duties, source.Duties)

	linked.Title = source.Title
	linked.Mission = source.Mission
	linked.Duties = slices.Clone(source.Duties)
	if source.MemberID != nil {
		member := *source.MemberID
		linked.MemberID = &member
	} else {
		linked.MemberID = nil
	}
	return linked, changed
}

// LinkedTo returns the roles mirroring sourceID.
func LinkedTo(roles []Role, sourceID string) []Role {
	var out []Role
	for _, role := range roles {
		if role.LinkedRoleID != nil && *role.LinkedRoleID == sourceID {
			out = append(out, role)
		}
	}
	return out
}

// LeaderOf returns the leader role of teamID, if any.
func LeaderOf(roles []Role, teamID string) (Role, bool) {
	for _, role := range roles {
		if role.TeamID == teamID && role.Type == RoleLeader {
			return role, true
		}
	}
	return Role{}, false
}

func sameMember(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func indexTeams(teams []Team) map[string]Team {
	byID := make(map[string]Team, len(teams))
	for _, team := range teams {
		byID[team.ID] = team
	}
	return byID
}
