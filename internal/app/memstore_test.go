package app

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"circles/api/internal/config"
	"circles/api/internal/decision"
	"circles/api/internal/hierarchy"
	"circles/api/internal/notify"
	"circles/api/internal/store"
)

// memStore is an in-memory dataStore. ApplyChanges and MutateMessageTool hold
// the lock for the whole change set like the postgres transaction does.
type memStore struct {
	mu            sync.Mutex
	pingErr       error
	applyErr      error
	accounts      map[string]store.Account
	orgs          map[string]store.Org
	members       map[string]store.Member
	invitations   map[string]store.Invitation
	teams         map[string]hierarchy.Team
	teamMembers   map[string]map[string]bool
	roles         map[string]hierarchy.Role
	channels      map[string]store.Channel
	messages      map[string]store.Message
	attachments   map[string]store.Attachment
	decisions     []decision.Record
	notifications []notify.Notification
	policies      map[string]store.Policy
}

func newMemStore() *memStore {
	return &memStore{
		accounts:    map[string]store.Account{},
		orgs:        map[string]store.Org{},
		members:     map[string]store.Member{},
		invitations: map[string]store.Invitation{},
		teams:       map[string]hierarchy.Team{},
		teamMembers: map[string]map[string]bool{},
		roles:       map[string]hierarchy.Role{},
		channels:    map[string]store.Channel{},
		messages:    map[string]store.Message{},
		attachments: map[string]store.Attachment{},
		policies:    map[string]store.Policy{},
	}
}

func newTestService(ms *memStore) *Service {
	return New(config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		InviteTTL:  72 * time.Hour,
		PublicURL:  "http://localhost:5173",
	}, ms, Deps{})
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) GetAccount(_ context.Context, accountID string) (store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return store.Account{}, sql.ErrNoRows
	}
	return account, nil
}

func (m *memStore) GetAccountByEmail(_ context.Context, email string) (store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.accounts {
		if strings.EqualFold(account.Email, email) {
			return account, nil
		}
	}
	return store.Account{}, sql.ErrNoRows
}

func (m *memStore) CreateAccount(_ context.Context, account store.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if strings.EqualFold(existing.Email, account.Email) {
			return store.ErrConflict
		}
	}
	m.accounts[account.ID] = account
	return nil
}

func (m *memStore) CreateOrg(_ context.Context, org store.Org, owner store.Member, root hierarchy.Team, channel store.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orgs {
		if existing.Slug == org.Slug {
			return store.ErrConflict
		}
	}
	m.orgs[org.ID] = org
	m.members[owner.ID] = owner
	m.teams[root.ID] = root
	m.teamMembers[root.ID] = map[string]bool{owner.ID: true}
	m.channels[channel.ID] = channel
	return nil
}

func (m *memStore) GetOrg(_ context.Context, orgID string) (store.Org, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return store.Org{}, sql.ErrNoRows
	}
	return org, nil
}

func (m *memStore) ListOrgsForAccount(_ context.Context, accountID string) ([]store.Org, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Org, 0)
	for _, member := range m.members {
		if member.AccountID == accountID {
			out = append(out, m.orgs[member.OrgID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) GetMember(_ context.Context, orgID, memberID string) (store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok || member.OrgID != orgID {
		return store.Member{}, sql.ErrNoRows
	}
	return member, nil
}

func (m *memStore) GetMemberByAccount(_ context.Context, orgID, accountID string) (store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range m.members {
		if member.OrgID == orgID && member.AccountID == accountID {
			return member, nil
		}
	}
	return store.Member{}, sql.ErrNoRows
}

func (m *memStore) ListMembers(_ context.Context, orgID string) ([]store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Member, 0)
	for _, member := range m.members {
		if member.OrgID == orgID {
			out = append(out, member)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) UpdateMemberAccess(_ context.Context, orgID, memberID, accessRole string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok || member.OrgID != orgID {
		return sql.ErrNoRows
	}
	member.AccessRole = accessRole
	m.members[memberID] = member
	return nil
}

func (m *memStore) UpdateMemberPreferences(_ context.Context, orgID, memberID string, emailNotifications, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok || member.OrgID != orgID {
		return sql.ErrNoRows
	}
	member.EmailNotifications = emailNotifications
	member.NotificationsMuted = muted
	m.members[memberID] = member
	return nil
}

func (m *memStore) EmailAddresses(_ context.Context, memberIDs []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for _, id := range memberIDs {
		member, ok := m.members[id]
		if ok && member.EmailNotifications && !member.NotificationsMuted && member.Email != "" {
			out[id] = member.Email
		}
	}
	return out, nil
}

func (m *memStore) InsertInvitation(_ context.Context, invitation store.Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invitations[invitation.ID] = invitation
	return nil
}

func (m *memStore) GetInvitationByTokenHash(_ context.Context, tokenHash string) (store.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, invitation := range m.invitations {
		if invitation.TokenHash == tokenHash {
			return invitation, nil
		}
	}
	return store.Invitation{}, sql.ErrNoRows
}

func (m *memStore) ListInvitations(_ context.Context, orgID string) ([]store.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Invitation, 0)
	for _, invitation := range m.invitations {
		if invitation.OrgID == orgID {
			out = append(out, invitation)
		}
	}
	return out, nil
}

func (m *memStore) AcceptInvitation(_ context.Context, invitationID string, member store.Member, rootTeamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	invitation, ok := m.invitations[invitationID]
	if !ok {
		return sql.ErrNoRows
	}
	if invitation.AcceptedAt != nil {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	invitation.AcceptedAt = &now
	invitation.AcceptedMemberID = member.ID
	m.invitations[invitationID] = invitation
	m.members[member.ID] = member
	if rootTeamID != "" {
		m.addTeamMemberLocked(rootTeamID, member.ID)
	}
	return nil
}

func (m *memStore) ListTeams(_ context.Context, orgID string) ([]hierarchy.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hierarchy.Team, 0)
	for _, team := range m.teams {
		if team.OrgID == orgID {
			out = append(out, team)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetTeam(_ context.Context, orgID, teamID string) (hierarchy.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	team, ok := m.teams[teamID]
	if !ok || team.OrgID != orgID {
		return hierarchy.Team{}, sql.ErrNoRows
	}
	return team, nil
}

func (m *memStore) ListTeamMembers(_ context.Context, teamID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for id := range m.teamMembers[teamID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) AddTeamMember(_ context.Context, teamID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addTeamMemberLocked(teamID, memberID)
	return nil
}

func (m *memStore) addTeamMemberLocked(teamID, memberID string) {
	if m.teamMembers[teamID] == nil {
		m.teamMembers[teamID] = map[string]bool{}
	}
	m.teamMembers[teamID][memberID] = true
}

func (m *memStore) RemoveTeamMember(_ context.Context, teamID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.teamMembers[teamID], memberID)
	return nil
}

func (m *memStore) ListRoles(_ context.Context, orgID string) ([]hierarchy.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hierarchy.Role, 0)
	for _, role := range m.roles {
		if role.OrgID == orgID {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetRole(_ context.Context, orgID, roleID string) (hierarchy.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[roleID]
	if !ok || role.OrgID != orgID {
		return hierarchy.Role{}, sql.ErrNoRows
	}
	return role, nil
}

func (m *memStore) ApplyChanges(_ context.Context, changes store.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applyLocked(changes)
	return nil
}

func (m *memStore) applyLocked(changes store.ChangeSet) {
	for _, team := range changes.InsertTeams {
		m.teams[team.ID] = team
	}
	for _, team := range changes.UpdateTeams {
		m.teams[team.ID] = team
	}
	for _, channel := range changes.InsertChannels {
		m.channels[channel.ID] = channel
	}
	for _, role := range changes.InsertRoles {
		m.roles[role.ID] = role
	}
	for _, role := range changes.UpdateRoles {
		m.roles[role.ID] = role
	}
	for _, membership := range changes.AddTeamMembers {
		m.addTeamMemberLocked(membership.TeamID, membership.MemberID)
	}
	for _, id := range changes.DeleteRoleIDs {
		delete(m.roles, id)
	}
	for _, id := range changes.DeleteTeamIDs {
		delete(m.teams, id)
		delete(m.teamMembers, id)
	}
	for _, policy := range changes.InsertPolicies {
		m.policies[policy.ID] = policy
	}
	for _, policy := range changes.UpdatePolicies {
		m.policies[policy.ID] = policy
	}
	m.decisions = append(m.decisions, changes.Decisions...)
}

func (m *memStore) ListChannels(_ context.Context, orgID string) ([]store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Channel, 0)
	for _, channel := range m.channels {
		if channel.OrgID == orgID {
			out = append(out, channel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetChannel(_ context.Context, orgID, channelID string) (store.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[channelID]
	if !ok || channel.OrgID != orgID {
		return store.Channel{}, sql.ErrNoRows
	}
	return channel, nil
}

func (m *memStore) InsertMessage(_ context.Context, message store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[message.ID] = message
	return nil
}

func (m *memStore) GetMessage(_ context.Context, orgID, messageID string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[messageID]
	if !ok || message.OrgID != orgID {
		return store.Message{}, sql.ErrNoRows
	}
	return message, nil
}

func (m *memStore) ListMessages(_ context.Context, channelID string, before *time.Time, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Message, 0)
	for _, message := range m.messages {
		if message.ChannelID != channelID {
			continue
		}
		if before != nil && !message.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, message)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MutateMessageTool(_ context.Context, orgID, messageID string, mutate store.ToolMutation) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.messages[messageID]
	if !ok || current.OrgID != orgID {
		return store.Message{}, sql.ErrNoRows
	}
	next, changes, err := mutate(current)
	if err != nil {
		return store.Message{}, err
	}
	current.Tool = &next
	current.UpdatedAt = time.Now().UTC()
	m.messages[messageID] = current
	m.applyLocked(changes)
	return current, nil
}

func (m *memStore) InsertAttachment(_ context.Context, attachment store.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[attachment.ID] = attachment
	return nil
}

func (m *memStore) GetAttachment(_ context.Context, orgID, attachmentID string) (store.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attachment, ok := m.attachments[attachmentID]
	if !ok || attachment.OrgID != orgID {
		return store.Attachment{}, sql.ErrNoRows
	}
	return attachment, nil
}

func (m *memStore) ListAttachments(_ context.Context, orgID, messageID string) ([]store.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Attachment, 0)
	for _, attachment := range m.attachments {
		if attachment.OrgID == orgID && attachment.MessageID == messageID {
			out = append(out, attachment)
		}
	}
	return out, nil
}

func (m *memStore) GetDecision(_ context.Context, orgID, decisionID string) (decision.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.decisions {
		if record.OrgID == orgID && record.ID == decisionID {
			return record, nil
		}
	}
	return decision.Record{}, sql.ErrNoRows
}

func (m *memStore) ListDecisions(_ context.Context, filter store.DecisionFilter) ([]decision.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]decision.Record, 0)
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	for i := len(m.decisions) - 1; i >= 0; i-- {
		record := m.decisions[i]
		switch {
		case record.OrgID != filter.OrgID:
		case filter.TeamID != "" && record.TeamID != filter.TeamID:
		case filter.TargetType != "" && string(record.TargetType) != filter.TargetType:
		case filter.TargetID != "" && record.TargetID != filter.TargetID:
		case filter.MemberID != "" && record.MemberID != filter.MemberID:
		case query != "" && !strings.Contains(strings.ToLower(record.Title+" "+record.Summary), query):
		default:
			out = append(out, record)
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) InsertNotifications(ctx context.Context, items []notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, items...)
	return nil
}

func (m *memStore) ListNotifications(_ context.Context, memberID string, unreadOnly bool, limit int) ([]notify.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.Notification, 0)
	for i := len(m.notifications) - 1; i >= 0; i-- {
		item := m.notifications[i]
		if item.MemberID != memberID || (unreadOnly && item.ReadAt != nil) {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MarkNotificationRead(_ context.Context, memberID, notificationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		item := &m.notifications[i]
		if item.ID == notificationID && item.MemberID == memberID && item.ReadAt == nil {
			now := time.Now().UTC()
			item.ReadAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkAllNotificationsRead(_ context.Context, memberID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	now := time.Now().UTC()
	for i := range m.notifications {
		item := &m.notifications[i]
		if item.MemberID == memberID && item.ReadAt == nil {
			item.ReadAt = &now
			count++
		}
	}
	return count, nil
}

func (m *memStore) GetPolicy(_ context.Context, orgID, policyID string) (store.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	policy, ok := m.policies[policyID]
	if !ok || policy.OrgID != orgID {
		return store.Policy{}, sql.ErrNoRows
	}
	return policy, nil
}

func (m *memStore) ListPolicies(_ context.Context, orgID string) ([]store.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Policy, 0)
	for _, policy := range m.policies {
		if policy.OrgID == orgID {
			out = append(out, policy)
		}
	}
	return out, nil
}

// decisionsFor returns the recorded decisions about targetID, oldest first.
func (m *memStore) decisionsFor(targetID string) []decision.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]decision.Record, 0)
	for _, record := range m.decisions {
		if record.TargetID == targetID {
			out = append(out, record)
		}
	}
	return out
}

func (m *memStore) notificationsFor(memberID string) []notify.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.Notification, 0)
	for _, item := range m.notifications {
		if item.MemberID == memberID {
			out = append(out, item)
		}
	}
	return out
}
