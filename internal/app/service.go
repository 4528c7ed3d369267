package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"circles/api/internal/auth"
	"circles/api/internal/authpw"
	"circles/api/internal/blob"
	"circles/api/internal/config"
	"circles/api/internal/decision"
	"circles/api/internal/email"
	"circles/api/internal/export"
	"circles/api/internal/hierarchy"
	"circles/api/internal/notify"
	"circles/api/internal/policyrepo"
	"circles/api/internal/rbac"
	"circles/api/internal/search"
	sessionstore "circles/api/internal/session"
	"circles/api/internal/store"
	"circles/api/internal/telemetry"
	"circles/api/internal/util"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Session struct {
	Token        string
	RefreshToken string
	AccountID    string
	DisplayName  string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// Access is the caller's membership in one organization.
type Access struct {
	Org    store.Org
	Member store.Member
}

func (a Access) Role() rbac.Role {
	return rbac.Normalize(a.Member.AccessRole)
}

func (a Access) IsOwner() bool {
	return a.Org.OwnerMemberID == a.Member.ID
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetAccount(ctx context.Context, accountID string) (store.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (store.Account, error)
	CreateAccount(ctx context.Context, account store.Account) error

	CreateOrg(ctx context.Context, org store.Org, owner store.Member, root hierarchy.Team, channel store.Channel) error
	GetOrg(ctx context.Context, orgID string) (store.Org, error)
	ListOrgsForAccount(ctx context.Context, accountID string) ([]store.Org, error)

	GetMember(ctx context.Context, orgID, memberID string) (store.Member, error)
	GetMemberByAccount(ctx context.Context, orgID, accountID string) (store.Member, error)
	ListMembers(ctx context.Context, orgID string) ([]store.Member, error)
	UpdateMemberAccess(ctx context.Context, orgID, memberID, accessRole string) error
	UpdateMemberPreferences(ctx context.Context, orgID, memberID string, emailNotifications, muted bool) error
	EmailAddresses(ctx context.Context, memberIDs []string) (map[string]string, error)

	InsertInvitation(ctx context.Context, invitation store.Invitation) error
	GetInvitationByTokenHash(ctx context.Context, tokenHash string) (store.Invitation, error)
	ListInvitations(ctx context.Context, orgID string) ([]store.Invitation, error)
	AcceptInvitation(ctx context.Context, invitationID string, member store.Member, rootTeamID string) error

	ListTeams(ctx context.Context, orgID string) ([]hierarchy.Team, error)
	GetTeam(ctx context.Context, orgID, teamID string) (hierarchy.Team, error)
	ListTeamMembers(ctx context.Context, teamID string) ([]string, error)
	AddTeamMember(ctx context.Context, teamID, memberID string) error
	RemoveTeamMember(ctx context.Context, teamID, memberID string) error
	ListRoles(ctx context.Context, orgID string) ([]hierarchy.Role, error)
	GetRole(ctx context.Context, orgID, roleID string) (hierarchy.Role, error)
	ApplyChanges(ctx context.Context, changes store.ChangeSet) error

	ListChannels(ctx context.Context, orgID string) ([]store.Channel, error)
	GetChannel(ctx context.Context, orgID, channelID string) (store.Channel, error)
	InsertMessage(ctx context.Context, message store.Message) error
	GetMessage(ctx context.Context, orgID, messageID string) (store.Message, error)
	ListMessages(ctx context.Context, channelID string, before *time.Time, limit int) ([]store.Message, error)
	MutateMessageTool(ctx context.Context, orgID, messageID string, mutate store.ToolMutation) (store.Message, error)

	InsertAttachment(ctx context.Context, attachment store.Attachment) error
	GetAttachment(ctx context.Context, orgID, attachmentID string) (store.Attachment, error)
	ListAttachments(ctx context.Context, orgID, messageID string) ([]store.Attachment, error)

	GetDecision(ctx context.Context, orgID, decisionID string) (decision.Record, error)
	ListDecisions(ctx context.Context, filter store.DecisionFilter) ([]decision.Record, error)

	InsertNotifications(ctx context.Context, items []notify.Notification) error
	ListNotifications(ctx context.Context, memberID string, unreadOnly bool, limit int) ([]notify.Notification, error)
	MarkNotificationRead(ctx context.Context, memberID, notificationID string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, memberID string) (int64, error)

	GetPolicy(ctx context.Context, orgID, policyID string) (store.Policy, error)
	ListPolicies(ctx context.Context, orgID string) ([]store.Policy, error)
}

type refreshSessions interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, session sessionstore.Session, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (sessionstore.Session, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// Deps are the optional collaborators of the service. Nil members disable the
// matching feature.
type Deps struct {
	Logger   *zap.Logger
	Sessions refreshSessions
	Mailer   *email.Service
	Live     notify.Channel
	Search   *search.Service
	Policies *policyrepo.Service
	Blob     *blob.Store
	Printer  export.Printer
}

const announceTimeout = 15 * time.Second

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshSessions
	accounts *authpw.Service
	mailer   *email.Service
	fanout   *notify.Fanout
	search   *search.Service
	policies *policyrepo.Service
	blob     *blob.Store
	exporter *export.Service
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func New(cfg config.Config, dataStore dataStore, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = sessionstore.NewMemoryStore()
	}

	var channels []notify.Channel
	if deps.Live != nil {
		channels = append(channels, deps.Live)
	}
	if deps.Mailer != nil {
		channels = append(channels, notify.NewEmailChannel(deps.Mailer, dataStore.EmailAddresses))
	}

	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		accounts: authpw.NewService(dataStore),
		mailer:   deps.Mailer,
		fanout: notify.NewFanout(dataStore, notify.Options{
			BatchSize: cfg.NotifyBatchSize,
			Workers:   cfg.NotifyWorkers,
			Logger:    logger.Named("notify"),
		}, channels...),
		search:   deps.Search,
		policies: deps.Policies,
		blob:     deps.Blob,
		exporter: export.NewService(dataStore, deps.Printer),
		logger:   logger,
		tracer:   telemetry.Tracer(),
		now:      time.Now,
	}
}

// Wait blocks until background notification deliveries finish.
func (s *Service) Wait() {
	s.fanout.Wait()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// Sessions

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	account, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("account created", zap.String("account_id", account.ID))
	return s.issueSession(ctx, account)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	account, err := s.accounts.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, account)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Session{}, auth.ErrInvalidToken
	}
	hash := auth.HashToken(refreshToken)
	stored, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		if errors.Is(err, sessionstore.ErrSessionNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return Session{}, err
	}
	account, err := s.store.GetAccount(ctx, stored.AccountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return s.issueSession(ctx, account)
}

func (s *Service) issueSession(ctx context.Context, account store.Account) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  account.ID,
		Name: account.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), sessionstore.Session{
		AccountID:   account.ID,
		DisplayName: account.DisplayName,
		CreatedAt:   now.UTC(),
	}, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		AccountID:    account.ID,
		DisplayName:  account.DisplayName,
		Email:        account.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	account, err := s.store.GetAccount(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{
		Token:       token,
		AccountID:   account.ID,
		DisplayName: account.DisplayName,
		Email:       account.Email,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// Organization access

func (s *Service) Access(ctx context.Context, session Session, orgID string) (Access, error) {
	member, err := s.store.GetMemberByAccount(ctx, orgID, session.AccountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Access{}, domainError(http.StatusNotFound, "ORG_NOT_FOUND", "Organization not found", nil)
		}
		return Access{}, err
	}
	org, err := s.store.GetOrg(ctx, orgID)
	if err != nil {
		return Access{}, err
	}
	return Access{Org: org, Member: member}, nil
}

func (s *Service) Can(access Access, action rbac.Action) bool {
	return rbac.Can(access.Role(), action)
}

func (s *Service) require(access Access, action rbac.Action) error {
	if !s.Can(access, action) {
		return forbidden("Forbidden")
	}
	return nil
}

// newDecision builds the decision for a change. It returns false when the change
// is a no-op and no decision should be written.
func (s *Service) newDecision(in decision.Input, before, after any) (decision.Record, bool, error) {
	record, err := decision.NewRecord(in, before, after, s.now())
	if errors.Is(err, decision.ErrNoChanges) {
		return decision.Record{}, false, nil
	}
	if err != nil {
		return decision.Record{}, false, err
	}
	record.ID = util.NewID("dec")
	return record, true, nil
}

func (s *Service) indexDecisions(records []decision.Record) {
	if s.search == nil || len(records) == 0 {
		return
	}
	items := make([]search.DecisionRecord, 0, len(records))
	for _, record := range records {
		items = append(items, search.DecisionRecord{
			ID:         record.ID,
			OrgID:      record.OrgID,
			TeamID:     record.TeamID,
			TargetType: string(record.TargetType),
			Title:      record.Title,
			Summary:    record.Summary,
		})
	}
	s.search.IndexDecisions(items...)
}

// announce builds and fans out a notification. Delivery happens after the change
// was committed, so failures are logged and never returned. The caller going
// away does not cancel it.
func (s *Service) announce(ctx context.Context, category notify.Category, event notify.Event, actorID string, candidates []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), announceTimeout)
	defer cancel()
	payload, err := notify.Build(category, event)
	if err != nil {
		s.logger.Warn("build notification", zap.String("category", string(category)), zap.Error(err))
		return
	}
	members, err := s.store.ListMembers(ctx, event.OrgID)
	if err != nil {
		s.logger.Warn("list members for notification", zap.String("org_id", event.OrgID), zap.Error(err))
		return
	}
	var muted []string
	for _, member := range members {
		if member.NotificationsMuted {
			muted = append(muted, member.ID)
		}
	}
	recipients := notify.Recipients(candidates, actorID, muted)
	sent, err := s.fanout.Send(ctx, payload, recipients)
	if err != nil {
		s.logger.Error("send notifications",
			zap.String("category", string(category)),
			zap.String("target_id", event.TargetID),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("notifications sent", zap.String("category", string(category)), zap.Int("recipients", sent))
}

func memberIDs(members []store.Member) []string {
	out := make([]string, 0, len(members))
	for _, member := range members {
		out = append(out, member.ID)
	}
	return out
}

func memberNames(members []store.Member) map[string]string {
	out := make(map[string]string, len(members))
	for _, member := range members {
		out[member.ID] = member.DisplayName
	}
	return out
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// trimmedOr returns the trimmed value, or fallback when value is nil.
func trimmedOr(value *string, fallback string) string {
	if value == nil {
		return fallback
	}
	return strings.TrimSpace(*value)
}
