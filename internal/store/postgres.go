package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"circles/api/internal/decision"
	"circles/api/internal/hierarchy"
	"circles/api/internal/notify"
	"circles/api/internal/tools"
)

var ErrConflict = errors.New("conflicting update")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Accounts

func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash)
		VALUES ($1, LOWER($2), $3, $4)
	`, account.ID, account.Email, account.DisplayName, account.PasswordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM accounts WHERE email = LOWER($1)
	`, email).Scan(&account.ID, &account.Email, &account.DisplayName, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM accounts WHERE id = $1
	`, accountID).Scan(&account.ID, &account.Email, &account.DisplayName, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// Organizations and members

// CreateOrg inserts the organization together with its owner, root team and the
// root team's channel.
func (s *PostgresStore) CreateOrg(ctx context.Context, org Org, owner Member, root hierarchy.Team, channel Channel) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orgs (id, name, slug, owner_member_id) VALUES ($1, $2, $3, $4)
		`, org.ID, org.Name, org.Slug, org.OwnerMemberID); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert org: %w", err)
		}
		if err := insertMember(ctx, tx, owner); err != nil {
			return err
		}
		if err := insertTeam(ctx, tx, root); err != nil {
			return err
		}
		if err := insertChannel(ctx, tx, channel); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO team_members (team_id, member_id) VALUES ($1, $2)`, root.ID, owner.ID); err != nil {
			return fmt.Errorf("insert root team member: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetOrg(ctx context.Context, orgID string) (Org, error) {
	var org Org
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, owner_member_id, created_at FROM orgs WHERE id = $1
	`, orgID).Scan(&org.ID, &org.Name, &org.Slug, &org.OwnerMemberID, &org.CreatedAt)
	if err != nil {
		return Org{}, err
	}
	return org, nil
}

func (s *PostgresStore) ListOrgsForAccount(ctx context.Context, accountID string) ([]Org, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.slug, o.owner_member_id, o.created_at
		FROM orgs o
		JOIN members m ON m.org_id = o.id
		WHERE m.account_id = $1
		ORDER BY o.name ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list orgs: %w", err)
	}
	defer rows.Close()

	items := make([]Org, 0)
	for rows.Next() {
		var org Org
		if err := rows.Scan(&org.ID, &org.Name, &org.Slug, &org.OwnerMemberID, &org.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan org: %w", err)
		}
		items = append(items, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orgs: %w", err)
	}
	return items, nil
}

const memberColumns = `id, org_id, account_id, display_name, email, access_role, email_notifications, notifications_muted, joined_at`

func scanMember(row interface{ Scan(...any) error }) (Member, error) {
	var m Member
	err := row.Scan(&m.ID, &m.OrgID, &m.AccountID, &m.DisplayName, &m.Email, &m.AccessRole, &m.EmailNotifications, &m.NotificationsMuted, &m.JoinedAt)
	return m, err
}

func insertMember(ctx context.Context, q queryer, member Member) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO members (id, org_id, account_id, display_name, email, access_role, email_notifications, notifications_muted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, member.ID, member.OrgID, member.AccountID, member.DisplayName, member.Email, member.AccessRole, member.EmailNotifications, member.NotificationsMuted)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMember(ctx context.Context, orgID, memberID string) (Member, error) {
	return scanMember(s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE org_id = $1 AND id = $2`, orgID, memberID))
}

func (s *PostgresStore) GetMemberByAccount(ctx context.Context, orgID, accountID string) (Member, error) {
	return scanMember(s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE org_id = $1 AND account_id = $2`, orgID, accountID))
}

func (s *PostgresStore) ListMembers(ctx context.Context, orgID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memberColumns+` FROM members WHERE org_id = $1 ORDER BY display_name ASC, id ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateMemberAccess(ctx context.Context, orgID, memberID, accessRole string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE members SET access_role = $3 WHERE org_id = $1 AND id = $2`, orgID, memberID, accessRole)
	if err != nil {
		return fmt.Errorf("update member access: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) UpdateMemberPreferences(ctx context.Context, orgID, memberID string, emailNotifications, muted bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE members SET email_notifications = $3, notifications_muted = $4
		WHERE org_id = $1 AND id = $2
	`, orgID, memberID, emailNotifications, muted)
	if err != nil {
		return fmt.Errorf("update member preferences: %w", err)
	}
	return requireRow(result)
}

// EmailAddresses returns the addresses of the given members who accept email.
func (s *PostgresStore) EmailAddresses(ctx context.Context, memberIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(memberIDs))
	if len(memberIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email FROM members
		WHERE id = ANY($1) AND email_notifications AND NOT notifications_muted AND email <> ''
	`, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("list email addresses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, email string
		if err := rows.Scan(&id, &email); err != nil {
			return nil, fmt.Errorf("scan email address: %w", err)
		}
		out[id] = email
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate email addresses: %w", err)
	}
	return out, nil
}

// Invitations

func (s *PostgresStore) InsertInvitation(ctx context.Context, invitation Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, org_id, email, access_role, token_hash, invited_by, expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, invitation.ID, invitation.OrgID, invitation.Email, invitation.AccessRole, invitation.TokenHash, invitation.InvitedBy, invitation.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

const invitationColumns = `id, org_id, email, access_role, token_hash, invited_by, expires_at, accepted_at, COALESCE(accepted_member_id, ''), created_at`

func scanInvitation(row interface{ Scan(...any) error }) (Invitation, error) {
	var inv Invitation
	var acceptedAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.OrgID, &inv.Email, &inv.AccessRole, &inv.TokenHash, &inv.InvitedBy, &inv.ExpiresAt, &acceptedAt, &inv.AcceptedMemberID, &inv.CreatedAt)
	if err != nil {
		return Invitation{}, err
	}
	if acceptedAt.Valid {
		inv.AcceptedAt = &acceptedAt.Time
	}
	return inv, nil
}

func (s *PostgresStore) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error) {
	return scanInvitation(s.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE token_hash = $1`, tokenHash))
}

func (s *PostgresStore) ListInvitations(ctx context.Context, orgID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		items = append(items, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

// AcceptInvitation creates the member and marks the invitation used. A second
// acceptance of the same invitation fails with ErrConflict.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, invitationID string, member Member, rootTeamID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertMember(ctx, tx, member); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE invitations SET accepted_at = NOW(), accepted_member_id = $2
			WHERE id = $1 AND accepted_at IS NULL
		`, invitationID, member.ID)
		if err != nil {
			return fmt.Errorf("accept invitation: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return ErrConflict
		}
		if rootTeamID != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO team_members (team_id, member_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
			`, rootTeamID, member.ID); err != nil {
				return fmt.Errorf("join root team: %w", err)
			}
		}
		return nil
	})
}

// Teams and roles

func scanTeam(row interface{ Scan(...any) error }) (hierarchy.Team, error) {
	var team hierarchy.Team
	var parent sql.NullString
	if err := row.Scan(&team.ID, &team.OrgID, &team.Name, &parent, &team.Color); err != nil {
		return hierarchy.Team{}, err
	}
	if parent.Valid {
		team.ParentTeamID = &parent.String
	}
	return team, nil
}

func insertTeam(ctx context.Context, q queryer, team hierarchy.Team) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO teams (id, org_id, name, parent_team_id, color) VALUES ($1, $2, $3, $4, $5)
	`, team.ID, team.OrgID, team.Name, nullString(team.ParentTeamID), team.Color)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTeams(ctx context.Context, orgID string) ([]hierarchy.Team, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, parent_team_id, color FROM teams WHERE org_id = $1 ORDER BY name ASC, id ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	items := make([]hierarchy.Team, 0)
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		items = append(items, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate teams: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetTeam(ctx context.Context, orgID, teamID string) (hierarchy.Team, error) {
	return scanTeam(s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, parent_team_id, color FROM teams WHERE org_id = $1 AND id = $2
	`, orgID, teamID))
}

func (s *PostgresStore) ListTeamMembers(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member_id FROM team_members WHERE team_id = $1 ORDER BY member_id ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team members: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) AddTeamMember(ctx context.Context, teamID, memberID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO team_members (team_id, member_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, teamID, memberID)
	if err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveTeamMember(ctx context.Context, teamID, memberID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM team_members WHERE team_id = $1 AND member_id = $2`, teamID, memberID)
	if err != nil {
		return fmt.Errorf("remove team member: %w", err)
	}
	return nil
}

const roleColumns = `id, org_id, team_id, title, member_id, role_type, linked_role_id, mission, duties`

func scanRole(row interface{ Scan(...any) error }) (hierarchy.Role, error) {
	var role hierarchy.Role
	var memberID, linked sql.NullString
	var roleType string
	var duties []byte
	if err := row.Scan(&role.ID, &role.OrgID, &role.TeamID, &role.Title, &memberID, &roleType, &linked, &role.Mission, &duties); err != nil {
		return hierarchy.Role{}, err
	}
	role.Type = hierarchy.RoleType(roleType)
	if memberID.Valid {
		role.MemberID = &memberID.String
	}
	if linked.Valid {
		role.LinkedRoleID = &linked.String
	}
	_ = json.Unmarshal(duties, &role.Duties)
	return role, nil
}

func (s *PostgresStore) ListRoles(ctx context.Context, orgID string) ([]hierarchy.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE org_id = $1 ORDER BY team_id ASC, title ASC, id ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	items := make([]hierarchy.Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		items = append(items, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRole(ctx context.Context, orgID, roleID string) (hierarchy.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE org_id = $1 AND id = $2`, orgID, roleID))
}

func encodeDuties(duties []string) (string, error) {
	if duties == nil {
		duties = []string{}
	}
	encoded, err := json.Marshal(duties)
	if err != nil {
		return "", fmt.Errorf("marshal duties: %w", err)
	}
	return string(encoded), nil
}

// ApplyChanges writes a governance change set and its decisions in one transaction.
func (s *PostgresStore) ApplyChanges(ctx context.Context, changes ChangeSet) error {
	if changes.Empty() {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return applyChanges(ctx, tx, changes)
	})
}

func applyChanges(ctx context.Context, q queryer, changes ChangeSet) error {
	for _, team := range changes.InsertTeams {
		if err := insertTeam(ctx, q, team); err != nil {
			return err
		}
	}
	for _, team := range changes.UpdateTeams {
		if _, err := q.ExecContext(ctx, `
			UPDATE teams SET name = $3, parent_team_id = $4, color = $5 WHERE org_id = $1 AND id = $2
		`, team.OrgID, team.ID, team.Name, nullString(team.ParentTeamID), team.Color); err != nil {
			return fmt.Errorf("update team: %w", err)
		}
	}
	for _, channel := range changes.InsertChannels {
		if err := insertChannel(ctx, q, channel); err != nil {
			return err
		}
	}
	for _, role := range changes.InsertRoles {
		duties, err := encodeDuties(role.Duties)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO roles (id, org_id, team_id, title, member_id, role_type, linked_role_id, mission, duties)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		`, role.ID, role.OrgID, role.TeamID, role.Title, nullString(role.MemberID), string(role.Type), nullString(role.LinkedRoleID), role.Mission, duties); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert role: %w", err)
		}
	}
	for _, role := range changes.UpdateRoles {
		duties, err := encodeDuties(role.Duties)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE roles
			SET title = $3, member_id = $4, role_type = $5, linked_role_id = $6, mission = $7, duties = $8::jsonb, updated_at = NOW()
			WHERE org_id = $1 AND id = $2
		`, role.OrgID, role.ID, role.Title, nullString(role.MemberID), string(role.Type), nullString(role.LinkedRoleID), role.Mission, duties); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("update role: %w", err)
		}
	}
	for _, membership := range changes.AddTeamMembers {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO team_members (team_id, member_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, membership.TeamID, membership.MemberID); err != nil {
			return fmt.Errorf("add team member: %w", err)
		}
	}
	for _, roleID := range changes.DeleteRoleIDs {
		if _, err := q.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID); err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
	}
	for _, teamID := range changes.DeleteTeamIDs {
		if _, err := q.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, teamID); err != nil {
			return fmt.Errorf("delete team: %w", err)
		}
	}
	for _, policy := range changes.InsertPolicies {
		if err := insertPolicy(ctx, q, policy); err != nil {
			return err
		}
	}
	for _, policy := range changes.UpdatePolicies {
		if err := updatePolicy(ctx, q, policy); err != nil {
			return err
		}
	}
	for _, record := range changes.Decisions {
		if err := insertDecision(ctx, q, record); err != nil {
			return err
		}
	}
	return nil
}

// Channels and messages

func insertChannel(ctx context.Context, q queryer, channel Channel) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO channels (id, org_id, team_id, name) VALUES ($1, $2, $3, $4)
	`, channel.ID, channel.OrgID, channel.TeamID, channel.Name)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChannels(ctx context.Context, orgID string) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, org_id, team_id, name FROM channels WHERE org_id = $1 ORDER BY name ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	items := make([]Channel, 0)
	for rows.Next() {
		var channel Channel
		if err := rows.Scan(&channel.ID, &channel.OrgID, &channel.TeamID, &channel.Name); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		items = append(items, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, orgID, channelID string) (Channel, error) {
	var channel Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, team_id, name FROM channels WHERE org_id = $1 AND id = $2
	`, orgID, channelID).Scan(&channel.ID, &channel.OrgID, &channel.TeamID, &channel.Name)
	if err != nil {
		return Channel{}, err
	}
	return channel, nil
}

const messageColumns = `id, org_id, channel_id, team_id, author_id, body, tool, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var message Message
	var tool []byte
	if err := row.Scan(&message.ID, &message.OrgID, &message.ChannelID, &message.TeamID, &message.AuthorID, &message.Body, &tool, &message.CreatedAt, &message.UpdatedAt); err != nil {
		return Message{}, err
	}
	if len(tool) > 0 && string(tool) != "null" {
		var decoded tools.Tool
		if err := json.Unmarshal(tool, &decoded); err != nil {
			return Message{}, fmt.Errorf("decode tool: %w", err)
		}
		message.Tool = &decoded
	}
	return message, nil
}

func encodeTool(tool *tools.Tool) (any, string, error) {
	if tool == nil {
		return nil, "", nil
	}
	encoded, err := json.Marshal(tool)
	if err != nil {
		return nil, "", fmt.Errorf("marshal tool: %w", err)
	}
	return string(encoded), string(tool.Kind), nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	tool, kind, err := encodeTool(message.Tool)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, org_id, channel_id, team_id, author_id, body, tool_kind, tool, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $9)
	`, message.ID, message.OrgID, message.ChannelID, message.TeamID, message.AuthorID, message.Body, kind, tool, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, orgID, messageID string) (Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE org_id = $1 AND id = $2`, orgID, messageID))
}

func (s *PostgresStore) ListMessages(ctx context.Context, channelID string, before *time.Time, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var beforeArg any
	if before != nil {
		beforeArg = *before
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2::timestamptz)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, channelID, beforeArg, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// MutateMessageTool locks the message row, applies mutate and writes the resulting
// tool and change set in the same transaction.
func (s *PostgresStore) MutateMessageTool(ctx context.Context, orgID, messageID string, mutate ToolMutation) (Message, error) {
	var updated Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanMessage(tx.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM messages WHERE org_id = $1 AND id = $2 FOR UPDATE
		`, orgID, messageID))
		if err != nil {
			return err
		}
		next, changes, err := mutate(current)
		if err != nil {
			return err
		}
		tool, kind, err := encodeTool(&next)
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE messages SET tool = $3::jsonb, tool_kind = $4, updated_at = NOW()
			WHERE org_id = $1 AND id = $2
			RETURNING updated_at
		`, orgID, messageID, tool, kind).Scan(&current.UpdatedAt); err != nil {
			return fmt.Errorf("update message tool: %w", err)
		}
		if err := applyChanges(ctx, tx, changes); err != nil {
			return err
		}
		current.Tool = &next
		updated = current
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return updated, nil
}

// Attachments

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, org_id, message_id, object_key, file_name, content_type, size_bytes, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, attachment.ID, attachment.OrgID, attachment.MessageID, attachment.ObjectKey, attachment.FileName, attachment.ContentType, attachment.SizeBytes, attachment.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, orgID, attachmentID string) (Attachment, error) {
	var a Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, message_id, object_key, file_name, content_type, size_bytes, uploaded_by, created_at
		FROM attachments WHERE org_id = $1 AND id = $2
	`, orgID, attachmentID).Scan(&a.ID, &a.OrgID, &a.MessageID, &a.ObjectKey, &a.FileName, &a.ContentType, &a.SizeBytes, &a.UploadedBy, &a.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, orgID, messageID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, message_id, object_key, file_name, content_type, size_bytes, uploaded_by, created_at
		FROM attachments WHERE org_id = $1 AND message_id = $2 ORDER BY created_at ASC
	`, orgID, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.OrgID, &a.MessageID, &a.ObjectKey, &a.FileName, &a.ContentType, &a.SizeBytes, &a.UploadedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

// Decisions

func insertDecision(ctx context.Context, q queryer, record decision.Record) error {
	diff := record.Diff
	if diff == nil {
		diff = decision.Changes{}
	}
	encoded, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("marshal decision diff: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO decisions (id, org_id, team_id, role_id, member_id, target_type, target_id, title, summary, diff, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
	`, record.ID, record.OrgID, record.TeamID, record.RoleID, record.MemberID, string(record.TargetType), record.TargetID, record.Title, record.Summary, string(encoded), record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

const decisionColumns = `id, org_id, team_id, role_id, member_id, target_type, target_id, title, summary, diff, created_at`

func scanDecision(row interface{ Scan(...any) error }) (decision.Record, error) {
	var record decision.Record
	var targetType string
	var diff []byte
	if err := row.Scan(&record.ID, &record.OrgID, &record.TeamID, &record.RoleID, &record.MemberID, &targetType, &record.TargetID, &record.Title, &record.Summary, &diff, &record.CreatedAt); err != nil {
		return decision.Record{}, err
	}
	record.TargetType = decision.TargetType(targetType)
	_ = json.Unmarshal(diff, &record.Diff)
	return record, nil
}

func (s *PostgresStore) GetDecision(ctx context.Context, orgID, decisionID string) (decision.Record, error) {
	return scanDecision(s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE org_id = $1 AND id = $2`, orgID, decisionID))
}

func (s *PostgresStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]decision.Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+`
		FROM decisions
		WHERE org_id = $1
		  AND ($2 = '' OR team_id = $2)
		  AND ($3 = '' OR target_type = $3)
		  AND ($4 = '' OR target_id = $4)
		  AND ($5 = '' OR member_id = $5)
		  AND ($6 = '' OR title ILIKE '%' || $6 || '%' OR summary ILIKE '%' || $6 || '%')
		ORDER BY created_at DESC, id DESC
		LIMIT $7
	`, filter.OrgID, filter.TeamID, filter.TargetType, filter.TargetID, filter.MemberID, strings.TrimSpace(filter.Query), limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	items := make([]decision.Record, 0)
	for rows.Next() {
		record, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return items, nil
}

// Notifications

func (s *PostgresStore) InsertNotifications(ctx context.Context, items []notify.Notification) error {
	if len(items) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			var data any
			if len(item.Data) > 0 {
				data = string(item.Data)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO notifications (id, member_id, org_id, team_id, category, title, body, target_id, link, data, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
			`, item.ID, item.MemberID, item.OrgID, item.TeamID, string(item.Category), item.Title, item.Body, item.TargetID, item.Link, data, item.CreatedAt); err != nil {
				return fmt.Errorf("insert notification: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListNotifications(ctx context.Context, memberID string, unreadOnly bool, limit int) ([]notify.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, member_id, org_id, team_id, category, title, body, target_id, link, data, read_at, created_at
		FROM notifications
		WHERE member_id = $1 AND (NOT $2 OR read_at IS NULL)
		ORDER BY (read_at IS NULL) DESC, created_at DESC
		LIMIT $3
	`, memberID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]notify.Notification, 0)
	for rows.Next() {
		var item notify.Notification
		var category string
		var data []byte
		var readAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.MemberID, &item.OrgID, &item.TeamID, &category, &item.Title, &item.Body, &item.TargetID, &item.Link, &data, &readAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		item.Category = notify.Category(category)
		if len(data) > 0 {
			item.Data = data
		}
		if readAt.Valid {
			item.ReadAt = &readAt.Time
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, memberID, notificationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = NOW() WHERE member_id = $1 AND id = $2 AND read_at IS NULL
	`, memberID, notificationID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, memberID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE notifications SET read_at = NOW() WHERE member_id = $1 AND read_at IS NULL`, memberID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// Policies

func insertPolicy(ctx context.Context, q queryer, policy Policy) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO policies (id, org_id, team_id, title, body, commit_hash, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, policy.ID, policy.OrgID, policy.TeamID, policy.Title, policy.Body, policy.CommitHash, policy.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

func updatePolicy(ctx context.Context, q queryer, policy Policy) error {
	result, err := q.ExecContext(ctx, `
		UPDATE policies SET title = $3, body = $4, commit_hash = $5, updated_by = $6, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, policy.OrgID, policy.ID, policy.Title, policy.Body, policy.CommitHash, policy.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	return requireRow(result)
}

const policyColumns = `id, org_id, team_id, title, body, commit_hash, updated_by, created_at, updated_at`

func scanPolicy(row interface{ Scan(...any) error }) (Policy, error) {
	var p Policy
	err := row.Scan(&p.ID, &p.OrgID, &p.TeamID, &p.Title, &p.Body, &p.CommitHash, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) GetPolicy(ctx context.Context, orgID, policyID string) (Policy, error) {
	return scanPolicy(s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE org_id = $1 AND id = $2`, orgID, policyID))
}

func (s *PostgresStore) ListPolicies(ctx context.Context, orgID string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE org_id = $1 ORDER BY title ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	items := make([]Policy, 0)
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		items = append(items, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return items, nil
}

func nullString(value *string) any {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
