package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"circles/api/internal/decision"
	"circles/api/internal/hierarchy"
	"circles/api/internal/notify"
	"circles/api/internal/rbac"
	"circles/api/internal/store"
	"circles/api/internal/util"
)

type CreateTeamInput struct {
	Name           string `json:"name"`
	ParentTeamID   string `json:"parentTeamId"`
	Color          string `json:"color"`
	LeaderTitle    string `json:"leaderTitle"`
	LeaderMemberID string `json:"leaderMemberId"`
}

type UpdateTeamInput struct {
	Name         *string `json:"name"`
	Color        *string `json:"color"`
	ParentTeamID *string `json:"parentTeamId"`
}

type RoleInput struct {
	Title    *string   `json:"title"`
	Type     *string   `json:"type"`
	MemberID *string   `json:"memberId"`
	Mission  *string   `json:"mission"`
	Duties   *[]string `json:"duties"`
}

type orgStructure struct {
	teams []hierarchy.Team
	roles []hierarchy.Role
}

func (s *Service) loadStructure(ctx context.Context, orgID string) (orgStructure, error) {
	teams, err := s.store.ListTeams(ctx, orgID)
	if err != nil {
		return orgStructure{}, err
	}
	roles, err := s.store.ListRoles(ctx, orgID)
	if err != nil {
		return orgStructure{}, err
	}
	return orgStructure{teams: teams, roles: roles}, nil
}

func (o orgStructure) team(teamID string) (hierarchy.Team, bool) {
	for _, team := range o.teams {
		if team.ID == teamID {
			return team, true
		}
	}
	return hierarchy.Team{}, false
}

func (o orgStructure) role(roleID string) (hierarchy.Role, bool) {
	for _, role := range o.roles {
		if role.ID == roleID {
			return role, true
		}
	}
	return hierarchy.Role{}, false
}

// canStructure allows admins and the leaders of teamID or any team above it.
func (s *Service) canStructure(access Access, structure orgStructure, teamID string) bool {
	if s.Can(access, rbac.ActionStructure) {
		return true
	}
	if !s.Can(access, rbac.ActionParticipate) {
		return false
	}
	chain := append([]string{teamID}, hierarchy.Ancestors(structure.teams, teamID)...)
	for _, id := range chain {
		leader, ok := hierarchy.LeaderOf(structure.roles, id)
		if ok && leader.MemberID != nil && *leader.MemberID == access.Member.ID {
			return true
		}
	}
	return false
}

func (s *Service) Structure(ctx context.Context, access Access) (map[string]any, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return nil, err
	}
	structure, err := s.loadStructure(ctx, access.Org.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(structure.teams))
	for _, team := range structure.teams {
		members, err := s.store.ListTeamMembers(ctx, team.ID)
		if err != nil {
			return nil, err
		}
		teamRoles := make([]hierarchy.Role, 0)
		for _, role := range structure.roles {
			if role.TeamID == team.ID {
				teamRoles = append(teamRoles, role)
			}
		}
		children := make([]string, 0)
		for _, child := range hierarchy.Children(structure.teams, team.ID) {
			children = append(children, child.ID)
		}
		items = append(items, map[string]any{
			"team":         team,
			"roles":        teamRoles,
			"memberIds":    members,
			"childTeamIds": children,
			"canEdit":      s.canStructure(access, structure, team.ID),
		})
	}
	return map[string]any{"teams": items}, nil
}

// CreateTeam adds a child team. The parent gets a source role representing the
// new team and the new team gets a leader role linked to it.
func (s *Service) CreateTeam(ctx context.Context, access Access, input CreateTeamInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validation("name is required")
	}
	parentID := strings.TrimSpace(input.ParentTeamID)
	if parentID == "" {
		return nil, validation("parentTeamId is required")
	}
	structure, err := s.loadStructure(ctx, access.Org.ID)
	if err != nil {
		return nil, err
	}
	if err := hierarchy.ValidateParent(structure.teams, access.Org.ID, "", parentID); err != nil {
		return nil, err
	}
	if !s.canStructure(access, structure, parentID) {
		return nil, forbidden("Only admins and leaders above the team can change its structure")
	}
	leaderMember, err := s.optionalMember(ctx, access.Org.ID, input.LeaderMemberID)
	if err != nil {
		return nil, err
	}

	team := hierarchy.Team{
		ID:           util.NewID("team"),
		OrgID:        access.Org.ID,
		Name:         name,
		ParentTeamID: &parentID,
		Color:        strings.TrimSpace(input.Color),
	}
	source := hierarchy.Role{
		ID:       util.NewID("role"),
		OrgID:    access.Org.ID,
		TeamID:   parentID,
		Title:    firstNonBlank(input.LeaderTitle, "Lead of "+name),
		MemberID: leaderMember,
	}
	linked := hierarchy.NewLinkedLeader(source, team)
	linked.ID = util.NewID("role")
	channel := store.Channel{ID: util.NewID("chn"), OrgID: access.Org.ID, TeamID: team.ID, Name: name}

	changes := store.ChangeSet{
		InsertTeams:    []hierarchy.Team{team},
		InsertChannels: []store.Channel{channel},
		InsertRoles:    []hierarchy.Role{source, linked},
	}
	if err := s.appendDecision(&changes, decision.Input{
		OrgID:      access.Org.ID,
		TeamID:     team.ID,
		MemberID:   access.Member.ID,
		TargetType: decision.TargetTeam,
		TargetID:   team.ID,
		Title:      fmt.Sprintf("Team %s created", name),
	}, nil, team); err != nil {
		return nil, err
	}
	for _, role := range []hierarchy.Role{source, linked} {
		if err := s.appendDecision(&changes, roleDecisionInput(access, role, "Role %s created"), nil, role); err != nil {
			return nil, err
		}
	}
	joinRoleTeams(&changes, source, linked)
	if err := s.store.ApplyChanges(ctx, changes); err != nil {
		return nil, err
	}
	s.indexDecisions(changes.Decisions)

	return map[string]any{
		"team":       team,
		"channel":    channel,
		"sourceRole": source,
		"leaderRole": linked,
	}, nil
}

func (s *Service) UpdateTeam(ctx context.Context, access Access, teamID string, input UpdateTeamInput) (hierarchy.Team, error) {
	structure, err := s.loadStructure(ctx, access.Org.ID)
	if err != nil {
		return hierarchy.Team{}, err
	}
	before, ok := structure.team(teamID)
	if !ok {
		return hierarchy.Team{}, hierarchy.ErrTeamNotFound
	}
	if !s.canStructure(access, structure, teamID) {
		return hierarchy.Team{}, forbidden("Only admins and leaders above the team can change its structure")
	}

	after := before
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return hierarchy.Team{}, validation("name cannot be empty")
		}
		after.Name = name
	}
	if input.Color != nil {
		after.Color = strings.TrimSpace(*input.Color)
	}

	changes := store.ChangeSet{}
	if input.ParentTeamID != nil && (before.ParentTeamID == nil || *before.ParentTeamID != *input.ParentTeamID) {
		if before.ParentTeamID == nil {
			return hierarchy.Team{}, domainError(http.StatusConflict, "ROOT_TEAM", "The root team cannot be moved", nil)
		}
		parentID := strings.TrimSpace(*input.ParentTeamID)
		if err := hierarchy.ValidateParent(structure.teams, access.Org.ID, teamID, parentID); err != nil {
			return hierarchy.Team{}, err
		}
		if !s.canStructure(access, structure, parentID) {
			return hierarchy.Team{}, forbidden("You cannot move teams under this parent")
		}
		after.ParentTeamID = &parentID

		// The source role of the linked leader moves with the team.
		if leader, ok := hierarchy.LeaderOf(structure.roles, teamID); ok && leader.IsLinked() {
			if source, ok := structure.role(*leader.LinkedRoleID); ok {
				moved := source
				moved.TeamID = parentID
				changes.UpdateRoles = append(changes.UpdateRoles, moved)
				if err := s.appendDecision(&changes, roleDecisionInput(access, moved, "Role %s moved"), source, moved); err != nil {
					return hierarchy.Team{}, err
				}
			}
		}
	}

	if err := s.appendDecision(&changes, decision.Input{
		OrgID:      access.Org.ID,
		TeamID:     teamID,
		MemberID:   access.Member.ID,
		TargetType: decision.TargetTeam,
		TargetID:   teamID,
		Title:      fmt.Sprintf("Team %s updated", after.Name),
	}, before, after); err != nil {
		return hierarchy.Team{}, err
	}
	if changes.Empty() {
		return before, nil
	}
	changes.UpdateTeams = []hierarchy.Team{after}
	if err := s.store.ApplyChanges(ctx, changes); err != nil {
		return hierarchy.Team{}, err
	}
	s.indexDecisions(changes.Decisions)
	return after, nil
}

// DeleteTeam removes a leaf team with its roles, and detaches it from the parent by
// deleting the source role its leader was linked to.
func (s *Service) DeleteTeam(ctx context.Context, access Access, teamID string) error {
	structure, err := s.loadStructure(ctx, access.Org.ID)
	if err != nil {
		return err
	}
	team, ok := structure.team(teamID)
	if !ok {
		return hierarchy.ErrTeamNotFound
	}
	if team.ParentTeamID == nil {
		return domainError(http.StatusConflict, "ROOT_TEAM", "The root team cannot be deleted", nil)
	}
	if len(hierarchy.Children(structure.teams, teamID)) > 0 {
		return domainError(http.StatusConflict, "TEAM_HAS_CHILDREN", "Delete or move the child teams first", nil)
	}
	if !s.canStructure(access, structure, *team.ParentTeamID) {
		return forbidden("Only admins and leaders above the team can delete it")
	}

	changes := store.ChangeSet{DeleteTeamIDs: []string{teamID}}
	var removed []hierarchy.Role
	for _, role := range structure.roles {
		if role.TeamID != teamID {
			continue
		}
		removed = append(removed, role)
		if role.IsLinked() {
			if source, ok := structure.role(*role.LinkedRoleID); ok {
				removed = append(removed, source)
			}
		}
	}
	for _, role := range removed {
		changes.DeleteRoleIDs = append(changes.DeleteRoleIDs, role.ID)
		if err := s.appendDecision(&changes, roleDecisionInput(access, role, "Role %s removed"), role, nil); err != nil {
			return err
		}
	}
	if err := s.appendDecision(&changes, decision.Input{
		OrgID:      access.Org.ID,
		TeamID:     teamID,
		MemberID:   access.Member.ID,
		TargetType: decision.TargetTeam,
		TargetID:   teamID,
		Title:      fmt.Sprintf("Team %s deleted", team.Name),
	}, team, nil); err != nil {
		return err
	}
	if err := s.store.ApplyChanges(ctx, changes); err != nil {
		return err
	}
	s.indexDecisions(changes.Decisions)
	return nil
}

func (s *Service) AddTeamMember(ctx context.Context, access Access, teamID, memberID string) error {
	structure, err := s.loadStructure(ctx, access.Org.ID)
	if err != nil {
		return err
	}
	if _, ok := structure.team(teamID); !ok {
		return hierarchy.ErrTeamNotFound
	}
	if !s.canStructure(access, structure, teamID) {
		return forbidden("Only admins and team leaders can change team membership")
	}
	if _, err := s.store.GetMember(ctx, access.Org.ID, memberID); err != nil {
		return err
	}
	return s.store.AddTeamMember(ctx, teamID, memberID)
}

func (s *Service) RemoveTeamMember(ctx context.Context, access Access, teamID, memberID string) error {
	structure, err := s.loadStructure(ctx, access.Org.ID)
	if err != nil {
		return err
	}
	if _, ok := structure.team(teamID); !ok {
		return hierarchy.ErrTeamNotFound
	}
	if !s.canStructure(access, structure, teamID) {
		return forbidden("Only admins and team leaders can change team membership")
	}
	for _, role := range structure.roles {
		if role.TeamID == teamID && role.MemberID != nil && *role.MemberID == memberID {
			return domainError(http.StatusConflict, "MEMBER_HOLDS_ROLE", "Unassign the member's roles in this team first", map[string]any{"roleId": role.ID})
		}
	}
	return s.store.RemoveTeamMember(ctx, teamID, memberID)
}

// Roles

func (s *Service) CreateRole(ctx context.Context, access Access, teamID string, input RoleInput) (hierarchy.Role, error) {
	structure, err := s.loadStructure(ctx, access.Org.ID)
	if err != nil {
		return hierarchy.Role{}, err
	}
	if _, ok := structure.team(teamID); !ok {
		return hierarchy.Role{}, hierarchy.ErrTeamNotFound
	}
	if !s.canStructure(access, structure, teamID) {
		return hierarchy.Role{}, forbidden("Only admins and team leaders can create roles")
	}
	role := hierarchy.Role{ID: util.NewID("role"), OrgID: access.Org.ID, TeamID: teamID}
	role, err = s.applyRoleInput(ctx, role, input)
	if err != nil {
		return hierarchy.Role{}, err
	}
	if role.Title == "" {
		return hierarchy.Role{}, validation("title is required")
	}
	if err := hierarchy.ValidateSpecialRole(structure.roles, role); err != nil {
		return hierarchy.Role{}, err
	}

	changes := store.ChangeSet{InsertRoles: []hierarchy.Role{role}}
	if err := s.appendDecision(&changes, roleDecisionInput(access, role, "Role %s created"), nil, role); err != nil {
		return hierarchy.Role{}, err
	}
	joinRoleTeams(&changes, role)
	if err := s.store.ApplyChanges(ctx, changes); err != nil {
		return hierarchy.Role{}, err
	}
	s.indexDecisions(changes.Decisions)
	s.announceRole(ctx, access, role, "created")
	return role, nil
}

// UpdateRole edits a source or plain role and propagates the mirrored fields to
// every role linked to it.
func (s *Service) UpdateRole(ctx context.Context, access Access, roleID string, input RoleInput) (hierarchy.Role, error) {
	structure, err := s.loadStructure(ctx, access.Org.ID)
	if err != nil {
		return hierarchy.Role{}, err
	}
	before, ok := structure.role(roleID)
	if !ok {
		return hierarchy.Role{}, domainError(http.StatusNotFound, "ROLE_NOT_FOUND", "Role not found", nil)
	}
	if before.IsLinked() {
		return hierarchy.Role{}, hierarchy.ErrLinkedRoleEdit
	}
	if !s.canStructure(access, structure, before.TeamID) {
		return hierarchy.Role{}, forbidden("Only admins and team leaders can edit roles")
	}
	after, err := s.applyRoleInput(ctx, before, input)
	if err != nil {
		return hierarchy.Role{}, err
	}
	if after.Title == "" {
		return hierarchy.Role{}, validation("title cannot be empty")
	}
	if err := hierarchy.ValidateSpecialRole(structure.roles, after); err != nil {
		return hierarchy.Role{}, err
	}

	changes := store.ChangeSet{}
	if err := s.appendDecision(&changes, roleDecisionInput(access, after, "Role %s updated"), before, after); err != nil {
		return hierarchy.Role{}, err
	}
	if changes.Empty() {
		return before, nil
	}
	changes.UpdateRoles = append(changes.UpdateRoles, after)
	linkedChanged, err := s.propagateRole(&changes, access, structure, after)
	if err != nil {
		return hierarchy.Role{}, err
	}
	joinRoleTeams(&changes, append([]hierarchy.Role{after}, linkedChanged...)...)
	if err := s.store.ApplyChanges(ctx, changes); err != nil {
		return hierarchy.Role{}, err
	}
	s.indexDecisions(changes.Decisions)
	s.announceRole(ctx, access, after, "updated")
	return after, nil
}

func (s *Service) AssignRole(ctx context.Context, access Access, roleID, memberID string) (hierarchy.Role, error) {
	memberID = strings.TrimSpace(memberID)
	return s.UpdateRole(ctx, access, roleID, RoleInput{MemberID: &memberID})
}

// DeleteRole removes a role together with the roles linked to it.
func (s *Service) DeleteRole(ctx context.Context, access Access, roleID string) error {
	structure, err := s.loadStructure(ctx, access.Org.ID)
	if err != nil {
		return err
	}
	role, ok := structure.role(roleID)
	if !ok {
		return domainError(http.StatusNotFound, "ROLE_NOT_FOUND", "Role not found", nil)
	}
	if role.IsLinked() {
		return hierarchy.ErrLinkedRoleEdit
	}
	if !s.canStructure(access, structure, role.TeamID) {
		return forbidden("Only admins and team leaders can delete roles")
	}
	changes := store.ChangeSet{}
	for _, target := range append([]hierarchy.Role{role}, hierarchy.LinkedTo(structure.roles, roleID)...) {
		changes.DeleteRoleIDs = append(changes.DeleteRoleIDs, target.ID)
		if err := s.appendDecision(&changes, roleDecisionInput(access, target, "Role %s removed"), target, nil); err != nil {
			return err
		}
	}
	if err := s.store.ApplyChanges(ctx, changes); err != nil {
		return err
	}
	s.indexDecisions(changes.Decisions)
	return nil
}

// propagateRole copies source onto every linked role and queues the updates and
// their decisions. It returns the linked roles that changed.
func (s *Service) propagateRole(changes *store.ChangeSet, access Access, structure orgStructure, source hierarchy.Role) ([]hierarchy.Role, error) {
	var updated []hierarchy.Role
	for _, linked := range hierarchy.LinkedTo(structure.roles, source.ID) {
		next, changed := hierarchy.Propagate(source, linked)
		if !changed {
			continue
		}
		changes.UpdateRoles = append(changes.UpdateRoles, next)
		in := roleDecisionInput(access, next, "Linked role %s updated")
		in.Summary = "Propagated from the source role in the parent team."
		if err := s.appendDecision(changes, in, linked, next); err != nil {
			return nil, err
		}
		updated = append(updated, next)
	}
	return updated, nil
}

func (s *Service) applyRoleInput(ctx context.Context, role hierarchy.Role, input RoleInput) (hierarchy.Role, error) {
	if input.Title != nil {
		role.Title = strings.TrimSpace(*input.Title)
	}
	if input.Type != nil {
		roleType, err := hierarchy.ParseRoleType(strings.ToLower(strings.TrimSpace(*input.Type)))
		if err != nil {
			return role, err
		}
		role.Type = roleType
	}
	if input.Mission != nil {
		role.Mission = strings.TrimSpace(*input.Mission)
	}
	if input.Duties != nil {
		duties := make([]string, 0, len(*input.Duties))
		for _, duty := range *input.Duties {
			if duty = strings.TrimSpace(duty); duty != "" {
				duties = append(duties, duty)
			}
		}
		role.Duties = duties
	}
	if input.MemberID != nil {
		memberID, err := s.optionalMember(ctx, role.OrgID, *input.MemberID)
		if err != nil {
			return role, err
		}
		role.MemberID = memberID
	}
	return role, nil
}

// optionalMember validates an optional member id. A blank id yields nil.
func (s *Service) optionalMember(ctx context.Context, orgID, memberID string) (*string, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return nil, nil
	}
	if _, err := s.store.GetMember(ctx, orgID, memberID); err != nil {
		return nil, err
	}
	return &memberID, nil
}

// joinRoleTeams queues team membership for every role holder, committed with the
// rest of changes.
func joinRoleTeams(changes *store.ChangeSet, roles ...hierarchy.Role) {
	for _, role := range roles {
		if role.MemberID == nil {
			continue
		}
		changes.AddTeamMembers = append(changes.AddTeamMembers, store.TeamMembership{TeamID: role.TeamID, MemberID: *role.MemberID})
	}
}

func (s *Service) appendDecision(changes *store.ChangeSet, in decision.Input, before, after any) error {
	record, ok, err := s.newDecision(in, before, after)
	if err != nil {
		return err
	}
	if ok {
		changes.Decisions = append(changes.Decisions, record)
	}
	return nil
}

func roleDecisionInput(access Access, role hierarchy.Role, titleFormat string) decision.Input {
	return decision.Input{
		OrgID:      access.Org.ID,
		TeamID:     role.TeamID,
		RoleID:     role.ID,
		MemberID:   access.Member.ID,
		TargetType: decision.TargetRole,
		TargetID:   role.ID,
		Title:      fmt.Sprintf(titleFormat, role.Title),
	}
}

func (s *Service) announceRole(ctx context.Context, access Access, role hierarchy.Role, kind string) {
	candidates, err := s.store.ListTeamMembers(ctx, role.TeamID)
	if err != nil {
		return
	}
	s.announce(ctx, notify.CategoryRole, notify.Event{
		Kind:     kind,
		OrgID:    access.Org.ID,
		TeamID:   role.TeamID,
		TargetID: role.ID,
		Actor:    access.Member.DisplayName,
		Subject:  role.Title,
		Link:     fmt.Sprintf("/orgs/%s/teams/%s", access.Org.ID, role.TeamID),
	}, access.Member.ID, candidates)
}
