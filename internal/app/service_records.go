package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"circles/api/internal/blob"
	"circles/api/internal/decision"
	"circles/api/internal/export"
	"circles/api/internal/notify"
	"circles/api/internal/policyrepo"
	"circles/api/internal/rbac"
	"circles/api/internal/search"
	"circles/api/internal/store"
	"circles/api/internal/util"
	"go.uber.org/zap"
)

const (
	uploadURLExpiry   = 15 * time.Minute
	downloadURLExpiry = 10 * time.Minute
	maxAttachmentSize = 25 << 20
)

type DecisionFilterInput struct {
	TeamID     string
	TargetType string
	TargetID   string
	MemberID   string
	Query      string
	Limit      int
}

// PolicyInput leaves the body unchanged on update when Body is nil.
type PolicyInput struct {
	Title   string  `json:"title"`
	Body    *string `json:"body"`
	TeamID  *string `json:"teamId"`
	Message string  `json:"message"`
}

type AttachmentInput struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Decisions

func (s *Service) ListDecisions(ctx context.Context, access Access, filter DecisionFilterInput) (map[string]any, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return nil, err
	}
	targetType := strings.ToLower(strings.TrimSpace(filter.TargetType))
	if targetType != "" && !validTargetType(targetType) {
		return nil, validation("invalid decision target type filter")
	}
	items, err := s.store.ListDecisions(ctx, store.DecisionFilter{
		OrgID:      access.Org.ID,
		TeamID:     strings.TrimSpace(filter.TeamID),
		TargetType: targetType,
		TargetID:   strings.TrimSpace(filter.TargetID),
		MemberID:   strings.TrimSpace(filter.MemberID),
		Query:      strings.TrimSpace(filter.Query),
		Limit:      filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"orgId": access.Org.ID, "items": items}, nil
}

func validTargetType(value string) bool {
	switch decision.TargetType(value) {
	case decision.TargetTeam, decision.TargetRole, decision.TargetMember, decision.TargetTopic,
		decision.TargetElection, decision.TargetVoting, decision.TargetLottery, decision.TargetPolicy, decision.TargetOrg:
		return true
	}
	return false
}

func (s *Service) GetDecision(ctx context.Context, access Access, decisionID string) (decision.Record, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return decision.Record{}, err
	}
	return s.store.GetDecision(ctx, access.Org.ID, decisionID)
}

func (s *Service) ExportDecisions(ctx context.Context, access Access, req export.Request) (*export.Result, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return nil, err
	}
	if req.TargetType != "" && !validTargetType(req.TargetType) {
		return nil, validation("invalid decision target type filter")
	}
	if req.TeamID != "" {
		if _, err := s.store.GetTeam(ctx, access.Org.ID, req.TeamID); err != nil {
			return nil, err
		}
	}
	req.OrgID = access.Org.ID
	result, err := s.exporter.Export(ctx, req)
	if err != nil {
		s.logger.Warn("export decisions", zap.String("org_id", access.Org.ID), zap.Error(err))
		return nil, err
	}
	return result, nil
}

// Notifications

func (s *Service) ListNotifications(ctx context.Context, access Access, unreadOnly bool, limit int) ([]notify.Notification, error) {
	return s.store.ListNotifications(ctx, access.Member.ID, unreadOnly, limit)
}

func (s *Service) MarkNotificationRead(ctx context.Context, access Access, notificationID string) error {
	changed, err := s.store.MarkNotificationRead(ctx, access.Member.ID, notificationID)
	if err != nil {
		return err
	}
	if !changed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Notification not found or already read", nil)
	}
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, access Access) (int64, error) {
	return s.store.MarkAllNotificationsRead(ctx, access.Member.ID)
}

// Policies

func (s *Service) policyRepo() (*policyrepo.Service, error) {
	if s.policies == nil {
		return nil, domainError(http.StatusServiceUnavailable, "POLICIES_UNAVAILABLE", "Policy storage not configured", nil)
	}
	return s.policies, nil
}

// canEditPolicy allows policy admins, and team leaders for their team's policies.
func (s *Service) canEditPolicy(ctx context.Context, access Access, teamID string) (bool, error) {
	if s.Can(access, rbac.ActionPolicies) {
		return true, nil
	}
	if teamID == "" {
		return false, nil
	}
	structure, err := s.loadStructure(ctx, access.Org.ID)
	if err != nil {
		return false, err
	}
	return s.canStructure(access, structure, teamID), nil
}

func (s *Service) ListPolicies(ctx context.Context, access Access) ([]store.Policy, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListPolicies(ctx, access.Org.ID)
}

func (s *Service) GetPolicy(ctx context.Context, access Access, policyID string) (store.Policy, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return store.Policy{}, err
	}
	return s.store.GetPolicy(ctx, access.Org.ID, policyID)
}

func (s *Service) CreatePolicy(ctx context.Context, access Access, input PolicyInput) (store.Policy, error) {
	repo, err := s.policyRepo()
	if err != nil {
		return store.Policy{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Policy{}, validation("title is required")
	}
	teamID := ""
	if input.TeamID != nil {
		teamID = strings.TrimSpace(*input.TeamID)
	}
	if teamID != "" {
		if _, err := s.store.GetTeam(ctx, access.Org.ID, teamID); err != nil {
			return store.Policy{}, err
		}
	}
	allowed, err := s.canEditPolicy(ctx, access, teamID)
	if err != nil {
		return store.Policy{}, err
	}
	if !allowed {
		return store.Policy{}, forbidden("You cannot create policies here")
	}

	now := s.now().UTC()
	policy := store.Policy{
		ID:        util.NewID("pol"),
		OrgID:     access.Org.ID,
		TeamID:    teamID,
		Title:     title,
		Body:      trimmedOr(input.Body, ""),
		UpdatedBy: access.Member.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	commit, err := repo.CommitPolicy(policy.OrgID, policy.ID, policyrepo.Content{Title: policy.Title, Body: policy.Body},
		access.Member.DisplayName, firstNonBlank(input.Message, "Create "+title))
	if err != nil {
		return store.Policy{}, err
	}
	policy.CommitHash = commit.Hash
	changes := store.ChangeSet{InsertPolicies: []store.Policy{policy}}
	if err := s.recordPolicy(ctx, changes, access, nil, policy, "Policy %s adopted"); err != nil {
		return store.Policy{}, err
	}
	s.afterPolicyChange(ctx, access, policy, "adopted")
	return policy, nil
}

func (s *Service) UpdatePolicy(ctx context.Context, access Access, policyID string, input PolicyInput) (store.Policy, error) {
	repo, err := s.policyRepo()
	if err != nil {
		return store.Policy{}, err
	}
	before, err := s.store.GetPolicy(ctx, access.Org.ID, policyID)
	if err != nil {
		return store.Policy{}, err
	}
	allowed, err := s.canEditPolicy(ctx, access, before.TeamID)
	if err != nil {
		return store.Policy{}, err
	}
	if !allowed {
		return store.Policy{}, forbidden("You cannot edit this policy")
	}
	after := before
	if title := strings.TrimSpace(input.Title); title != "" {
		after.Title = title
	}
	after.Body = trimmedOr(input.Body, before.Body)

	commit, err := repo.CommitPolicy(after.OrgID, after.ID, policyrepo.Content{Title: after.Title, Body: after.Body},
		access.Member.DisplayName, firstNonBlank(input.Message, "Update "+after.Title))
	if errors.Is(err, policyrepo.ErrNoChanges) {
		return before, nil
	}
	if err != nil {
		return store.Policy{}, err
	}
	after.CommitHash = commit.Hash
	after.UpdatedBy = access.Member.ID
	after.UpdatedAt = s.now().UTC()
	changes := store.ChangeSet{UpdatePolicies: []store.Policy{after}}
	if err := s.recordPolicy(ctx, changes, access, &before, after, "Policy %s amended"); err != nil {
		return store.Policy{}, err
	}
	s.afterPolicyChange(ctx, access, after, "amended")
	return after, nil
}

// policySnapshot is what the decision log diffs for a policy edit.
type policySnapshot struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	CommitHash string `json:"commitHash"`
}

// recordPolicy adds the policy decision to changes and commits both together.
func (s *Service) recordPolicy(ctx context.Context, changes store.ChangeSet, access Access, before *store.Policy, after store.Policy, titleFormat string) error {
	var previous any
	if before != nil {
		previous = policySnapshot{Title: before.Title, Body: before.Body, CommitHash: before.CommitHash}
	}
	if err := s.appendDecision(&changes, decision.Input{
		OrgID:      access.Org.ID,
		TeamID:     after.TeamID,
		MemberID:   access.Member.ID,
		TargetType: decision.TargetPolicy,
		TargetID:   after.ID,
		Title:      fmt.Sprintf(titleFormat, after.Title),
		Summary:    "Commit " + after.CommitHash,
	}, previous, policySnapshot{Title: after.Title, Body: after.Body, CommitHash: after.CommitHash}); err != nil {
		return err
	}
	if err := s.store.ApplyChanges(ctx, changes); err != nil {
		return err
	}
	s.indexDecisions(changes.Decisions)
	return nil
}

func (s *Service) afterPolicyChange(ctx context.Context, access Access, policy store.Policy, kind string) {
	if s.search != nil {
		s.search.IndexPolicy(search.PolicyRecord{
			ID:     policy.ID,
			OrgID:  policy.OrgID,
			TeamID: policy.TeamID,
			Title:  policy.Title,
			Body:   policy.Body,
		})
	}
	var candidates []string
	if policy.TeamID != "" {
		members, err := s.store.ListTeamMembers(ctx, policy.TeamID)
		if err != nil {
			s.logger.Warn("list team members", zap.String("team_id", policy.TeamID), zap.Error(err))
			return
		}
		candidates = members
	} else {
		members, err := s.store.ListMembers(ctx, policy.OrgID)
		if err != nil {
			s.logger.Warn("list members", zap.String("org_id", policy.OrgID), zap.Error(err))
			return
		}
		candidates = memberIDs(members)
	}
	s.announce(ctx, notify.CategoryPolicy, notify.Event{
		Kind:     kind,
		OrgID:    policy.OrgID,
		TeamID:   policy.TeamID,
		TargetID: policy.ID,
		Actor:    access.Member.DisplayName,
		Subject:  policy.Title,
		Link:     fmt.Sprintf("/orgs/%s/policies/%s", policy.OrgID, policy.ID),
	}, access.Member.ID, candidates)
}

func (s *Service) PolicyHistory(ctx context.Context, access Access, policyID string, limit int) (map[string]any, error) {
	repo, err := s.policyRepo()
	if err != nil {
		return nil, err
	}
	policy, err := s.GetPolicy(ctx, access, policyID)
	if err != nil {
		return nil, err
	}
	commits, err := repo.History(policy.OrgID, policy.ID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"policy": policy, "commits": commits}, nil
}

func (s *Service) PolicyVersion(ctx context.Context, access Access, policyID, hash string) (map[string]any, error) {
	repo, err := s.policyRepo()
	if err != nil {
		return nil, err
	}
	policy, err := s.GetPolicy(ctx, access, policyID)
	if err != nil {
		return nil, err
	}
	content, err := repo.ContentAt(policy.OrgID, policy.ID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Policy version not found", nil)
	}
	return map[string]any{"policyId": policy.ID, "hash": hash, "content": content}, nil
}

// Attachments

func (s *Service) blobStore() (*blob.Store, error) {
	if s.blob == nil {
		return nil, blob.ErrNotConfigured
	}
	return s.blob, nil
}

// CreateAttachment registers an attachment on the caller's own message and
// returns a presigned URL the client uploads the file to.
func (s *Service) CreateAttachment(ctx context.Context, access Access, messageID string, input AttachmentInput) (map[string]any, error) {
	if err := s.require(access, rbac.ActionParticipate); err != nil {
		return nil, err
	}
	objects, err := s.blobStore()
	if err != nil {
		return nil, err
	}
	message, err := s.store.GetMessage(ctx, access.Org.ID, messageID)
	if err != nil {
		return nil, err
	}
	if message.AuthorID != access.Member.ID {
		return nil, forbidden("Only the author can attach files to a message")
	}
	fileName := strings.TrimSpace(input.FileName)
	if fileName == "" {
		return nil, validation("fileName is required")
	}
	if input.SizeBytes <= 0 || input.SizeBytes > maxAttachmentSize {
		return nil, validation(fmt.Sprintf("sizeBytes must be between 1 and %d", maxAttachmentSize))
	}

	attachment := store.Attachment{
		ID:          util.NewID("att"),
		OrgID:       access.Org.ID,
		MessageID:   message.ID,
		FileName:    blob.SanitizeFileName(fileName),
		ContentType: firstNonBlank(input.ContentType, "application/octet-stream"),
		SizeBytes:   input.SizeBytes,
		UploadedBy:  access.Member.ID,
		CreatedAt:   s.now().UTC(),
	}
	attachment.ObjectKey = blob.ObjectKey(attachment.OrgID, attachment.MessageID, attachment.ID, attachment.FileName)
	uploadURL, err := objects.PresignUpload(ctx, attachment.ObjectKey, uploadURLExpiry)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		return nil, err
	}
	return map[string]any{
		"attachment": attachment,
		"uploadUrl":  uploadURL.String(),
		"expiresAt":  s.now().Add(uploadURLExpiry).UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) ListAttachments(ctx context.Context, access Access, messageID string) ([]store.Attachment, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListAttachments(ctx, access.Org.ID, messageID)
}

func (s *Service) AttachmentDownload(ctx context.Context, access Access, attachmentID string) (map[string]any, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return nil, err
	}
	objects, err := s.blobStore()
	if err != nil {
		return nil, err
	}
	attachment, err := s.store.GetAttachment(ctx, access.Org.ID, attachmentID)
	if err != nil {
		return nil, err
	}
	if _, err := objects.Stat(ctx, attachment.ObjectKey); err != nil {
		return nil, err
	}
	downloadURL, err := objects.PresignDownload(ctx, attachment.ObjectKey, attachment.FileName, downloadURLExpiry)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"attachment":  attachment,
		"downloadUrl": downloadURL.String(),
		"expiresAt":   s.now().Add(downloadURLExpiry).UTC().Format(time.RFC3339),
	}, nil
}

// Search

func (s *Service) Search(ctx context.Context, access Access, text, filterType, teamID string, limit, offset int) (search.Response, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	resultType, ok := search.ParseResultType(strings.ToLower(strings.TrimSpace(filterType)))
	if !ok {
		return search.Response{}, validation("type must be decision, message or policy")
	}
	text = strings.TrimSpace(text)
	if s.search == nil || text == "" {
		return search.Response{Results: []search.Result{}, Query: text, Backend: "none"}, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:         text,
		OrgID:        access.Org.ID,
		FilterType:   resultType,
		FilterTeamID: strings.TrimSpace(teamID),
		Limit:        limit,
		Offset:       offset,
	}), nil
}
