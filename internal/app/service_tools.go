package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"circles/api/internal/decision"
	"circles/api/internal/hierarchy"
	"circles/api/internal/notify"
	"circles/api/internal/rbac"
	"circles/api/internal/search"
	"circles/api/internal/store"
	"circles/api/internal/telemetry"
	"circles/api/internal/tools"
	"circles/api/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ToolInput struct {
	Kind string `json:"kind"`
	// topic
	Title    string `json:"title"`
	Proposal string `json:"proposal"`
	// election
	RoleID     string `json:"roleId"`
	TermMonths int    `json:"termMonths"`
	// voting
	Question   string     `json:"question"`
	Mode       string     `json:"mode"`
	Options    []string   `json:"options"`
	MaxChoices int        `json:"maxChoices"`
	Anonymous  bool       `json:"anonymous"`
	ClosesAt   *time.Time `json:"closesAt"`
	// lottery
	Scope              string   `json:"scope"`
	WinnerCount        int      `json:"winnerCount"`
	ExcludeRoleHolders bool     `json:"excludeRoleHolders"`
	Excluded           []string `json:"excluded"`
	Seed               string   `json:"seed"`
}

type PostMessageInput struct {
	Body string     `json:"body"`
	Tool *ToolInput `json:"tool"`
}

type ToolActionInput struct {
	Action      string `json:"action"`
	Text        string `json:"text"`
	Index       int    `json:"index"`
	Answer      string `json:"answer"`
	Response    string `json:"response"`
	Reason      string `json:"reason"`
	CandidateID string `json:"candidateId"`
	Choices     []int  `json:"choices"`
}

// toolState is the part of a tool written to the decision log. It leaves out
// ballots and nominations, which may be secret.
type toolState struct {
	Phase       string   `json:"phase"`
	Outcome     string   `json:"outcome,omitempty"`
	Objections  int      `json:"objections,omitempty"`
	CandidateID string   `json:"candidateId,omitempty"`
	ElectedID   string   `json:"electedMemberId,omitempty"`
	Winners     []string `json:"winners,omitempty"`
	Ballots     int      `json:"ballots,omitempty"`
	WinningOpts []int    `json:"winningOptions,omitempty"`
}

func stateOf(tool tools.Tool) toolState {
	state := toolState{Phase: tool.Phase()}
	switch {
	case tool.Topic != nil:
		state.Outcome = string(tool.Topic.Outcome)
		if tool.Topic.Phase == tools.TopicResolved {
			state.Objections = tool.Topic.Objections()
		}
	case tool.Election != nil:
		state.CandidateID = tool.Election.CandidateID
		state.ElectedID = tool.Election.ElectedMemberID
	case tool.Voting != nil:
		if tool.Voting.Status == tools.VotingClosed {
			results := tool.Voting.Results()
			state.Ballots = results.Ballots
			state.WinningOpts = results.Winners
		}
	case tool.Lottery != nil:
		state.Winners = tool.Lottery.Winners
	}
	return state
}

func targetTypeFor(kind tools.Kind) decision.TargetType {
	switch kind {
	case tools.KindElection:
		return decision.TargetElection
	case tools.KindVoting:
		return decision.TargetVoting
	case tools.KindLottery:
		return decision.TargetLottery
	default:
		return decision.TargetTopic
	}
}

func categoryFor(kind tools.Kind) notify.Category {
	switch kind {
	case tools.KindElection:
		return notify.CategoryElection
	case tools.KindVoting:
		return notify.CategoryVoting
	case tools.KindLottery:
		return notify.CategoryLottery
	default:
		return notify.CategoryTopic
	}
}

func toolSubject(tool tools.Tool, roles []hierarchy.Role) string {
	switch {
	case tool.Topic != nil:
		return tool.Topic.Title
	case tool.Election != nil:
		for _, role := range roles {
			if role.ID == tool.Election.RoleID {
				return role.Title
			}
		}
		return "a role"
	case tool.Voting != nil:
		return tool.Voting.Question
	case tool.Lottery != nil:
		return tool.Lottery.Title
	}
	return ""
}

func (s *Service) ListChannels(ctx context.Context, access Access) ([]store.Channel, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListChannels(ctx, access.Org.ID)
}

func (s *Service) ListMessages(ctx context.Context, access Access, channelID string, before *time.Time, limit int) (map[string]any, error) {
	if err := s.require(access, rbac.ActionRead); err != nil {
		return nil, err
	}
	channel, err := s.store.GetChannel(ctx, access.Org.ID, channelID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, channel.ID, before, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, messageView(message, access.Member.ID, s.now()))
	}
	return map[string]any{"channel": channel, "messages": items}, nil
}

// messageView renders a message as viewerID may see it.
func messageView(message store.Message, viewerID string, now time.Time) map[string]any {
	view := map[string]any{
		"id":        message.ID,
		"channelId": message.ChannelID,
		"teamId":    message.TeamID,
		"authorId":  message.AuthorID,
		"body":      message.Body,
		"createdAt": message.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": message.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if message.Tool == nil {
		return view
	}
	redacted := message.Tool.Redact(viewerID)
	view["tool"] = redacted
	view["phase"] = redacted.PhaseAt(now)
	if message.Tool.Election != nil {
		view["tally"] = message.Tool.Election.Tally(viewerID)
	}
	if message.Tool.Voting != nil {
		view["results"] = message.Tool.Voting.Results()
	}
	return view
}

func (s *Service) PostMessage(ctx context.Context, access Access, channelID string, input PostMessageInput) (map[string]any, error) {
	if err := s.require(access, rbac.ActionParticipate); err != nil {
		return nil, err
	}
	channel, err := s.store.GetChannel(ctx, access.Org.ID, channelID)
	if err != nil {
		return nil, err
	}
	body := strings.TrimSpace(input.Body)
	if body == "" && input.Tool == nil {
		return nil, validation("body or tool is required")
	}

	now := s.now().UTC()
	message := store.Message{
		ID:        util.NewID("msg"),
		OrgID:     access.Org.ID,
		ChannelID: channel.ID,
		TeamID:    channel.TeamID,
		AuthorID:  access.Member.ID,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var roles []hierarchy.Role
	if input.Tool != nil {
		roles, err = s.store.ListRoles(ctx, access.Org.ID)
		if err != nil {
			return nil, err
		}
		tool, err := s.newTool(*input.Tool, message, roles)
		if err != nil {
			return nil, err
		}
		message.Tool = &tool
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, err
	}
	if s.search != nil && body != "" {
		s.search.IndexMessage(search.MessageRecord{
			ID:        message.ID,
			OrgID:     message.OrgID,
			TeamID:    message.TeamID,
			ChannelID: message.ChannelID,
			Body:      body,
		})
	}

	candidates, err := s.store.ListTeamMembers(ctx, channel.TeamID)
	if err != nil {
		s.logger.Warn("list team members", zap.String("team_id", channel.TeamID), zap.Error(err))
	}
	event := notify.Event{
		Kind:     "created",
		OrgID:    access.Org.ID,
		TeamID:   channel.TeamID,
		TargetID: message.ID,
		Actor:    access.Member.DisplayName,
		Detail:   truncate(body, 140),
		Link:     fmt.Sprintf("/orgs/%s/channels/%s?message=%s", access.Org.ID, channel.ID, message.ID),
	}
	category := notify.CategoryMessage

	if message.Tool != nil {
		changes := store.ChangeSet{}
		if err := s.appendDecision(&changes, decision.Input{
			OrgID:      access.Org.ID,
			TeamID:     channel.TeamID,
			MemberID:   access.Member.ID,
			TargetType: targetTypeFor(message.Tool.Kind),
			TargetID:   message.ID,
			Title:      fmt.Sprintf("%s %q started", message.Tool.Kind, toolSubject(*message.Tool, roles)),
		}, nil, stateOf(*message.Tool)); err != nil {
			return nil, err
		}
		if err := s.store.ApplyChanges(ctx, changes); err != nil {
			return nil, err
		}
		s.indexDecisions(changes.Decisions)
		category = categoryFor(message.Tool.Kind)
		event.Subject = toolSubject(*message.Tool, roles)
	}
	s.announce(ctx, category, event, access.Member.ID, candidates)

	return messageView(message, access.Member.ID, s.now()), nil
}

func (s *Service) newTool(input ToolInput, message store.Message, roles []hierarchy.Role) (tools.Tool, error) {
	kind := tools.Kind(strings.ToLower(strings.TrimSpace(input.Kind)))
	switch kind {
	case tools.KindTopic:
		topic, err := tools.NewTopic(input.Title, input.Proposal)
		if err != nil {
			return tools.Tool{}, err
		}
		return tools.Tool{Kind: kind, Topic: topic}, nil
	case tools.KindElection:
		var target *hierarchy.Role
		for i := range roles {
			if roles[i].ID == input.RoleID {
				target = &roles[i]
				break
			}
		}
		if target == nil {
			return tools.Tool{}, domainError(http.StatusNotFound, "ROLE_NOT_FOUND", "Role not found", nil)
		}
		if target.TeamID != message.TeamID {
			return tools.Tool{}, validation("the role must belong to the channel's team")
		}
		if target.IsLinked() {
			return tools.Tool{}, hierarchy.ErrLinkedRoleEdit
		}
		election, err := tools.NewElection(target.ID, target.TeamID, input.TermMonths)
		if err != nil {
			return tools.Tool{}, err
		}
		return tools.Tool{Kind: kind, Election: election}, nil
	case tools.KindVoting:
		voting, err := tools.NewVoting(
			firstNonBlank(input.Question, input.Title),
			tools.VotingMode(strings.ToLower(strings.TrimSpace(input.Mode))),
			input.Options,
			input.MaxChoices,
			input.Anonymous,
			input.ClosesAt,
		)
		if err != nil {
			return tools.Tool{}, err
		}
		return tools.Tool{Kind: kind, Voting: voting}, nil
	case tools.KindLottery:
		scope := tools.LotteryScope(strings.ToLower(firstNonBlank(input.Scope, string(tools.LotteryTeam))))
		teamID := ""
		if scope == tools.LotteryTeam {
			teamID = message.TeamID
		}
		lottery, err := tools.NewLottery(
			input.Title,
			scope,
			teamID,
			input.WinnerCount,
			input.ExcludeRoleHolders,
			input.Excluded,
			firstNonBlank(input.Seed, message.ID),
		)
		if err != nil {
			return tools.Tool{}, err
		}
		return tools.Tool{Kind: kind, Lottery: lottery}, nil
	}
	return tools.Tool{}, tools.ErrUnknownKind
}

// ToolAction applies one transition to the tool embedded in a message. The
// transition, its decision and any role assignment commit in one transaction.
func (s *Service) ToolAction(ctx context.Context, access Access, messageID string, input ToolActionInput) (result map[string]any, err error) {
	action := strings.ToLower(strings.TrimSpace(input.Action))
	ctx, span := s.tracer.Start(ctx, "tool."+action, trace.WithAttributes(
		attribute.String("org.id", access.Org.ID),
		attribute.String("message.id", messageID),
		attribute.String("member.id", access.Member.ID),
	))
	defer func() { telemetry.End(span, err) }()

	if err := s.require(access, rbac.ActionParticipate); err != nil {
		return nil, err
	}
	message, err := s.store.GetMessage(ctx, access.Org.ID, messageID)
	if err != nil {
		return nil, err
	}
	if message.Tool == nil {
		return nil, domainError(http.StatusConflict, "NO_TOOL", "Message has no tool", nil)
	}
	roles, err := s.store.ListRoles(ctx, access.Org.ID)
	if err != nil {
		return nil, err
	}
	facilitators := tools.FacilitatorContext{AuthorID: message.AuthorID, OrgOwnerID: access.Org.OwnerMemberID}
	for _, role := range roles {
		if role.TeamID != message.TeamID || role.MemberID == nil {
			continue
		}
		switch role.Type {
		case hierarchy.RoleLeader:
			facilitators.LeaderIDs = append(facilitators.LeaderIDs, *role.MemberID)
		case hierarchy.RoleSecretary:
			facilitators.SecretaryIDs = append(facilitators.SecretaryIDs, *role.MemberID)
		}
	}
	actor := tools.Actor{MemberID: access.Member.ID, Facilitator: tools.IsFacilitator(access.Member.ID, facilitators)}
	span.SetAttributes(attribute.String("tool.kind", string(message.Tool.Kind)), attribute.Bool("actor.facilitator", actor.Facilitator))

	if message.Tool.Kind == tools.KindElection && (action == "nominate" || action == "propose") {
		if err := s.checkCandidate(ctx, access.Org.ID, input.CandidateID); err != nil {
			return nil, err
		}
	}

	var pool tools.PoolInput
	if message.Tool.Kind == tools.KindLottery && action == "draw" {
		if pool, err = s.lotteryPool(ctx, access.Org.ID, message.TeamID, roles); err != nil {
			return nil, err
		}
	}

	var before toolState
	updated, err := s.store.MutateMessageTool(ctx, access.Org.ID, messageID, func(current store.Message) (tools.Tool, store.ChangeSet, error) {
		if current.Tool == nil {
			return tools.Tool{}, store.ChangeSet{}, domainError(http.StatusConflict, "NO_TOOL", "Message has no tool", nil)
		}
		before = stateOf(*current.Tool)
		next := *current.Tool
		now := s.now().UTC()
		if err := applyToolAction(&next, actor, action, input, pool, now); err != nil {
			return tools.Tool{}, store.ChangeSet{}, err
		}
		changes := store.ChangeSet{}
		after := stateOf(next)
		if err := s.appendDecision(&changes, decision.Input{
			OrgID:      access.Org.ID,
			TeamID:     current.TeamID,
			MemberID:   access.Member.ID,
			TargetType: targetTypeFor(next.Kind),
			TargetID:   current.ID,
			Title:      fmt.Sprintf("%s %q: %s", next.Kind, toolSubject(next, roles), humanAction(action)),
		}, before, after); err != nil {
			return tools.Tool{}, store.ChangeSet{}, err
		}
		if next.Election != nil && before.Phase != after.Phase && next.Election.Phase == tools.ElectionElected {
			if err := s.assignElected(&changes, access, roles, *next.Election); err != nil {
				return tools.Tool{}, store.ChangeSet{}, err
			}
		}
		return next, changes, nil
	})
	if err != nil {
		return nil, err
	}

	after := stateOf(*updated.Tool)
	if before.Phase != after.Phase {
		s.afterPhaseChange(ctx, access, updated, roles, before, after)
	}
	s.logger.Info("tool action",
		zap.String("message_id", messageID),
		zap.String("kind", string(updated.Tool.Kind)),
		zap.String("action", action),
		zap.String("phase", after.Phase),
	)
	return messageView(updated, access.Member.ID, s.now()), nil
}

func applyToolAction(tool *tools.Tool, actor tools.Actor, action string, input ToolActionInput, pool tools.PoolInput, now time.Time) error {
	response := tools.ResponseKind(strings.ToLower(strings.TrimSpace(input.Response)))
	switch tool.Kind {
	case tools.KindTopic:
		topic := tool.Topic
		switch action {
		case "ask":
			return topic.AskQuestion(actor.MemberID, input.Text, now)
		case "answer":
			return topic.AnswerQuestion(actor, input.Index, input.Answer)
		case "start_consent":
			return topic.StartConsent(actor)
		case "respond":
			return topic.Respond(actor.MemberID, response, input.Reason, now)
		case "resolve":
			return topic.Resolve(actor, now)
		}
	case tools.KindElection:
		election := tool.Election
		switch action {
		case "nominate":
			return election.Nominate(actor.MemberID, strings.TrimSpace(input.CandidateID), input.Reason, now)
		case "advance":
			return election.Advance(actor)
		case "propose":
			return election.ProposeCandidate(actor, strings.TrimSpace(input.CandidateID))
		case "respond":
			return election.Respond(actor.MemberID, response, input.Reason, now)
		case "finalize":
			return election.Finalize(actor, now)
		case "cancel":
			return election.Cancel(actor, now)
		}
	case tools.KindVoting:
		voting := tool.Voting
		switch action {
		case "cast":
			return voting.Cast(actor.MemberID, input.Choices, now)
		case "retract":
			return voting.Retract(actor.MemberID, now)
		case "close":
			return voting.Close(actor, now)
		}
	case tools.KindLottery:
		if action == "draw" {
			return tool.Lottery.Draw(actor, tool.Lottery.EligiblePool(pool), now)
		}
	}
	return validation(fmt.Sprintf("unknown action %q for %s", action, tool.Kind))
}

func humanAction(action string) string {
	return strings.ReplaceAll(action, "_", " ")
}

func (s *Service) lotteryPool(ctx context.Context, orgID, teamID string, roles []hierarchy.Role) (tools.PoolInput, error) {
	members, err := s.store.ListMembers(ctx, orgID)
	if err != nil {
		return tools.PoolInput{}, err
	}
	teamMembers, err := s.store.ListTeamMembers(ctx, teamID)
	if err != nil {
		return tools.PoolInput{}, err
	}
	var holders []string
	for _, role := range roles {
		if role.TeamID == teamID && role.MemberID != nil {
			holders = append(holders, *role.MemberID)
		}
	}
	return tools.PoolInput{OrgMembers: memberIDs(members), TeamMembers: teamMembers, RoleHolders: holders}, nil
}

// checkCandidate rejects election candidates who are not members of the org.
// A blank id is left to the election itself.
func (s *Service) checkCandidate(ctx context.Context, orgID, candidateID string) error {
	candidateID = strings.TrimSpace(candidateID)
	if candidateID == "" {
		return nil
	}
	if _, err := s.store.GetMember(ctx, orgID, candidateID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusUnprocessableEntity, "CANDIDATE_NOT_MEMBER", "Candidate is not a member of this organization", nil)
		}
		return err
	}
	return nil
}

// assignElected gives the elected member the role and propagates it to linked roles.
func (s *Service) assignElected(changes *store.ChangeSet, access Access, roles []hierarchy.Role, election tools.Election) error {
	structure := orgStructure{roles: roles}
	role, ok := structure.role(election.RoleID)
	if !ok {
		return domainError(http.StatusConflict, "ROLE_REMOVED", "The elected role no longer exists", nil)
	}
	elected := election.ElectedMemberID
	assigned := role
	assigned.MemberID = &elected
	in := roleDecisionInput(access, assigned, "%s filled by election")
	in.Summary = fmt.Sprintf("Elected for %d months.", election.TermMonths)
	if election.TermMonths == 0 {
		in.Summary = "Elected without a fixed term."
	}
	record, changed, err := s.newDecision(in, role, assigned)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	changes.UpdateRoles = append(changes.UpdateRoles, assigned)
	changes.Decisions = append(changes.Decisions, record)
	linked, err := s.propagateRole(changes, access, structure, assigned)
	if err != nil {
		return err
	}
	joinRoleTeams(changes, append([]hierarchy.Role{assigned}, linked...)...)
	return nil
}

func (s *Service) afterPhaseChange(ctx context.Context, access Access, message store.Message, roles []hierarchy.Role, before, after toolState) {
	tool := *message.Tool
	decisions, err := s.store.ListDecisions(ctx, store.DecisionFilter{OrgID: access.Org.ID, TargetID: message.ID, Limit: 5})
	if err == nil {
		s.indexDecisions(decisions)
	}
	candidates, err := s.store.ListTeamMembers(ctx, message.TeamID)
	if err != nil {
		s.logger.Warn("list team members", zap.String("team_id", message.TeamID), zap.Error(err))
		return
	}
	if tool.Lottery != nil && tool.Lottery.Scope == tools.LotteryOrg {
		candidates = append(candidates, tool.Lottery.Pool...)
	}
	event := notify.Event{
		Kind:     "phase_changed",
		OrgID:    access.Org.ID,
		TeamID:   message.TeamID,
		TargetID: message.ID,
		Actor:    access.Member.DisplayName,
		Subject:  toolSubject(tool, roles),
		Link:     fmt.Sprintf("/orgs/%s/channels/%s?message=%s", access.Org.ID, message.ChannelID, message.ID),
		Data:     map[string]any{"from": before.Phase, "to": after.Phase},
	}
	switch {
	case tool.Election != nil && tool.Election.Phase == tools.ElectionElected:
		event.Kind = "elected"
		if members, err := s.store.ListMembers(ctx, access.Org.ID); err == nil {
			event.Detail = memberNames(members)[tool.Election.ElectedMemberID]
		}
	case tool.Lottery != nil && tool.Lottery.Status == tools.LotteryDrawn:
		event.Kind = "drawn"
		if members, err := s.store.ListMembers(ctx, access.Org.ID); err == nil {
			names := memberNames(members)
			winners := make([]string, 0, len(tool.Lottery.Winners))
			for _, id := range tool.Lottery.Winners {
				winners = append(winners, firstNonBlank(names[id], id))
			}
			event.Detail = strings.Join(winners, ", ")
		}
	case after.Phase == string(tools.VotingClosed) || after.Phase == string(tools.TopicResolved) || after.Phase == string(tools.ElectionCancelled):
		event.Kind = after.Phase
	}
	s.announce(ctx, categoryFor(tool.Kind), event, access.Member.ID, candidates)
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
