package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"unicode"

	"circles/api/internal/auth"
	"circles/api/internal/decision"
	"circles/api/internal/hierarchy"
	"circles/api/internal/rbac"
	"circles/api/internal/store"
	"circles/api/internal/util"
	"go.uber.org/zap"
)

type CreateOrgInput struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type InviteInput struct {
	Email      string `json:"email"`
	AccessRole string `json:"accessRole"`
}

type PreferencesInput struct {
	EmailNotifications bool `json:"emailNotifications"`
	NotificationsMuted bool `json:"notificationsMuted"`
}

func (s *Service) CreateOrg(ctx context.Context, session Session, input CreateOrgInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validation("name is required")
	}
	slug := slugify(firstNonBlank(input.Slug, name))

	now := s.now().UTC()
	org := store.Org{
		ID:            util.NewID("org"),
		Name:          name,
		Slug:          slug,
		OwnerMemberID: util.NewID("mem"),
		CreatedAt:     now,
	}
	owner := store.Member{
		ID:                 org.OwnerMemberID,
		OrgID:              org.ID,
		AccountID:          session.AccountID,
		DisplayName:        session.DisplayName,
		Email:              session.Email,
		AccessRole:         string(rbac.RoleOwner),
		EmailNotifications: true,
		JoinedAt:           now,
	}
	root := hierarchy.Team{ID: util.NewID("team"), OrgID: org.ID, Name: name}
	channel := store.Channel{ID: util.NewID("chn"), OrgID: org.ID, TeamID: root.ID, Name: name}

	if err := s.store.CreateOrg(ctx, org, owner, root, channel); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "SLUG_TAKEN", "An organization with this slug already exists", map[string]any{"slug": slug})
		}
		return nil, err
	}

	record, ok, err := s.newDecision(decision.Input{
		OrgID:      org.ID,
		TeamID:     root.ID,
		MemberID:   owner.ID,
		TargetType: decision.TargetOrg,
		TargetID:   org.ID,
		Title:      fmt.Sprintf("Organization %s founded", name),
	}, nil, org)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := s.store.ApplyChanges(ctx, store.ChangeSet{Decisions: []decision.Record{record}}); err != nil {
			return nil, err
		}
		s.indexDecisions([]decision.Record{record})
	}
	s.logger.Info("organization created", zap.String("org_id", org.ID), zap.String("slug", slug))

	return map[string]any{
		"org":      org,
		"member":   owner,
		"rootTeam": root,
		"channel":  channel,
	}, nil
}

func (s *Service) ListOrgs(ctx context.Context, session Session) ([]store.Org, error) {
	return s.store.ListOrgsForAccount(ctx, session.AccountID)
}

func (s *Service) OrgOverview(ctx context.Context, access Access) (map[string]any, error) {
	members, err := s.store.ListMembers(ctx, access.Org.ID)
	if err != nil {
		return nil, err
	}
	teams, err := s.store.ListTeams(ctx, access.Org.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"org":         access.Org,
		"me":          access.Member,
		"memberCount": len(members),
		"teamCount":   len(teams),
		"permissions": permissionsFor(access),
	}, nil
}

func permissionsFor(access Access) map[string]bool {
	actions := []rbac.Action{rbac.ActionRead, rbac.ActionParticipate, rbac.ActionStructure, rbac.ActionMembers, rbac.ActionPolicies, rbac.ActionAdmin}
	out := make(map[string]bool, len(actions))
	for _, action := range actions {
		out[string(action)] = rbac.Can(access.Role(), action)
	}
	return out
}

func (s *Service) ListMembers(ctx context.Context, access Access) ([]store.Member, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, access.Org.ID)
}

func (s *Service) UpdateMemberAccess(ctx context.Context, access Access, memberID, role string) (store.Member, error) {
	if err := s.require(access, rbac.ActionMembers); err != nil {
		return store.Member{}, err
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if !rbac.Assignable(role) {
		return store.Member{}, validation("accessRole must be guest, member or admin")
	}
	if role == string(rbac.RoleAdmin) && !s.Can(access, rbac.ActionAdmin) {
		return store.Member{}, forbidden("Only the owner can grant admin access")
	}
	before, err := s.store.GetMember(ctx, access.Org.ID, memberID)
	if err != nil {
		return store.Member{}, err
	}
	if before.ID == access.Org.OwnerMemberID {
		return store.Member{}, domainError(http.StatusConflict, "OWNER_ROLE", "The owner's access cannot be changed", nil)
	}
	after := before
	after.AccessRole = role

	record, ok, err := s.newDecision(decision.Input{
		OrgID:      access.Org.ID,
		MemberID:   access.Member.ID,
		TargetType: decision.TargetMember,
		TargetID:   before.ID,
		Title:      fmt.Sprintf("Access of %s set to %s", before.DisplayName, role),
	}, map[string]string{"accessRole": before.AccessRole}, map[string]string{"accessRole": role})
	if err != nil {
		return store.Member{}, err
	}
	if !ok {
		return before, nil
	}
	if err := s.store.UpdateMemberAccess(ctx, access.Org.ID, memberID, role); err != nil {
		return store.Member{}, err
	}
	if err := s.store.ApplyChanges(ctx, store.ChangeSet{Decisions: []decision.Record{record}}); err != nil {
		return store.Member{}, err
	}
	s.indexDecisions([]decision.Record{record})
	return after, nil
}

func (s *Service) UpdatePreferences(ctx context.Context, access Access, input PreferencesInput) (store.Member, error) {
	if err := s.store.UpdateMemberPreferences(ctx, access.Org.ID, access.Member.ID, input.EmailNotifications, input.NotificationsMuted); err != nil {
		return store.Member{}, err
	}
	member := access.Member
	member.EmailNotifications = input.EmailNotifications
	member.NotificationsMuted = input.NotificationsMuted
	return member, nil
}

// Invitations

func (s *Service) Invite(ctx context.Context, access Access, input InviteInput) (map[string]any, error) {
	if err := s.require(access, rbac.ActionMembers); err != nil {
		return nil, err
	}
	address, err := mail.ParseAddress(strings.TrimSpace(input.Email))
	if err != nil {
		return nil, validation("email is invalid")
	}
	role := strings.ToLower(firstNonBlank(input.AccessRole, string(rbac.RoleMember)))
	if !rbac.Assignable(role) {
		return nil, validation("accessRole must be guest, member or admin")
	}
	if role == string(rbac.RoleAdmin) && !s.Can(access, rbac.ActionAdmin) {
		return nil, forbidden("Only the owner can invite admins")
	}

	now := s.now().UTC()
	token := util.NewID("inv") + util.NewID("")
	invitation := store.Invitation{
		ID:         util.NewID("ivt"),
		OrgID:      access.Org.ID,
		Email:      strings.ToLower(address.Address),
		AccessRole: role,
		TokenHash:  auth.HashToken(token),
		InvitedBy:  access.Member.ID,
		ExpiresAt:  now.Add(s.cfg.InviteTTL),
		CreatedAt:  now,
	}
	if err := s.store.InsertInvitation(ctx, invitation); err != nil {
		return nil, err
	}

	response := map[string]any{"invitation": invitation}
	acceptURL := strings.TrimRight(s.cfg.PublicURL, "/") + "/invitations/" + token
	if s.SMTPConfigured() {
		if err := s.mailer.SendInvitationEmail(invitation.Email, access.Org.Name, access.Member.DisplayName, acceptURL); err != nil {
			s.logger.Warn("send invitation email", zap.String("invitation_id", invitation.ID), zap.Error(err))
		}
	} else {
		response["devInvitationToken"] = token
	}
	return response, nil
}

func (s *Service) ListInvitations(ctx context.Context, access Access) ([]store.Invitation, error) {
	if err := s.require(access, rbac.ActionMembers); err != nil {
		return nil, err
	}
	return s.store.ListInvitations(ctx, access.Org.ID)
}

// AcceptInvitation joins the session's account to the inviting organization. The
// invitation must be addressed to the account's email.
func (s *Service) AcceptInvitation(ctx context.Context, session Session, token string) (map[string]any, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, validation("token is required")
	}
	invitation, err := s.store.GetInvitationByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "INVITATION_NOT_FOUND", "Invitation not found", nil)
		}
		return nil, err
	}
	now := s.now().UTC()
	if invitation.AcceptedAt != nil {
		return nil, domainError(http.StatusConflict, "INVITATION_USED", "Invitation was already accepted", nil)
	}
	if now.After(invitation.ExpiresAt) {
		return nil, domainError(http.StatusGone, "INVITATION_EXPIRED", "Invitation has expired", nil)
	}
	if !strings.EqualFold(invitation.Email, strings.TrimSpace(session.Email)) {
		return nil, forbidden("Invitation was sent to another address")
	}
	if _, err := s.store.GetMemberByAccount(ctx, invitation.OrgID, session.AccountID); err == nil {
		return nil, domainError(http.StatusConflict, "ALREADY_MEMBER", "You are already a member of this organization", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	teams, err := s.store.ListTeams(ctx, invitation.OrgID)
	if err != nil {
		return nil, err
	}
	rootTeamID := ""
	for _, team := range teams {
		if team.ParentTeamID == nil {
			rootTeamID = team.ID
			break
		}
	}

	member := store.Member{
		ID:                 util.NewID("mem"),
		OrgID:              invitation.OrgID,
		AccountID:          session.AccountID,
		DisplayName:        session.DisplayName,
		Email:              strings.ToLower(session.Email),
		AccessRole:         invitation.AccessRole,
		EmailNotifications: true,
		JoinedAt:           now,
	}
	if err := s.store.AcceptInvitation(ctx, invitation.ID, member, rootTeamID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "INVITATION_USED", "Invitation was already accepted", nil)
		}
		return nil, err
	}

	record, ok, err := s.newDecision(decision.Input{
		OrgID:      invitation.OrgID,
		TeamID:     rootTeamID,
		MemberID:   member.ID,
		TargetType: decision.TargetMember,
		TargetID:   member.ID,
		Title:      fmt.Sprintf("%s joined the organization", member.DisplayName),
	}, nil, member)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := s.store.ApplyChanges(ctx, store.ChangeSet{Decisions: []decision.Record{record}}); err != nil {
			return nil, err
		}
		s.indexDecisions([]decision.Record{record})
	}

	org, err := s.store.GetOrg(ctx, invitation.OrgID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"org": org, "member": member}, nil
}

func slugify(value string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(value) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 48 {
		slug = strings.Trim(slug[:48], "-")
	}
	if slug == "" {
		return "org"
	}
	return slug
}
