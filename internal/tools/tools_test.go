package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	facilitator = Actor{MemberID: "lead", Facilitator: true}
	member      = Actor{MemberID: "m-1"}
	now         = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

func TestIsFacilitator(t *testing.T) {
	fc := FacilitatorContext{
		AuthorID:     "author",
		OrgOwnerID:   "owner",
		LeaderIDs:    []string{"lead"},
		SecretaryIDs: []string{"sec"},
	}
	for _, id := range []string{"author", "owner", "lead", "sec"} {
		require.True(t, IsFacilitator(id, fc), id)
	}
	require.False(t, IsFacilitator("m-1", fc))
	require.False(t, IsFacilitator("", FacilitatorContext{}))
}

func TestTopicConsentFlow(t *testing.T) {
	topic, err := NewTopic("  Adopt async standups ", "Replace the daily call")
	require.NoError(t, err)
	require.Equal(t, "Adopt async standups", topic.Title)
	require.Equal(t, TopicClarification, topic.Phase)

	require.NoError(t, topic.AskQuestion("m-1", "What about on-call?", now))
	require.ErrorIs(t, topic.AskQuestion("m-1", "  ", now), ErrTextRequired)
	require.ErrorIs(t, topic.AnswerQuestion(member, 0, "Unchanged"), ErrNotFacilitator)
	require.NoError(t, topic.AnswerQuestion(facilitator, 0, "Unchanged"))
	require.ErrorIs(t, topic.AnswerQuestion(facilitator, 3, "x"), ErrQuestionNotFound)

	require.ErrorIs(t, topic.Respond("m-1", ResponseConsent, "", now), ErrInvalidPhase)
	require.ErrorIs(t, topic.StartConsent(member), ErrNotFacilitator)
	require.NoError(t, topic.StartConsent(facilitator))
	require.ErrorIs(t, topic.AskQuestion("m-1", "late", now), ErrInvalidPhase)

	require.ErrorIs(t, topic.Respond("m-1", ResponseObjection, " ", now), ErrReasonRequired)
	require.ErrorIs(t, topic.Respond("m-1", "maybe", "", now), ErrInvalidResponse)
	require.NoError(t, topic.Respond("m-1", ResponseObjection, "on-call gap", now))
	require.NoError(t, topic.Respond("m-2", ResponseConsent, "", now))
	require.Equal(t, 1, topic.Objections())

	require.NoError(t, topic.Respond("m-1", ResponseConsent, "", now))
	require.Len(t, topic.Responses, 2)
	require.Zero(t, topic.Objections())

	require.NoError(t, topic.Resolve(facilitator, now))
	require.Equal(t, TopicResolved, topic.Phase)
	require.Equal(t, TopicAccepted, topic.Outcome)
	require.NotNil(t, topic.ResolvedAt)
	require.ErrorIs(t, topic.Resolve(facilitator, now), ErrInvalidPhase)
}

func TestTopicResolvedWithObjection(t *testing.T) {
	topic, err := NewTopic("Move office", "")
	require.NoError(t, err)
	require.NoError(t, topic.StartConsent(facilitator))
	require.NoError(t, topic.Respond("m-1", ResponseObjection, "too far", now))
	require.NoError(t, topic.Resolve(facilitator, now))
	require.Equal(t, TopicObjected, topic.Outcome)

	_, err = NewTopic(" ", "")
	require.ErrorIs(t, err, ErrTitleRequired)
}

func TestElectionSecretTallyAndFlow(t *testing.T) {
	election, err := NewElection("role-1", "team-1", 12)
	require.NoError(t, err)
	require.ErrorIs(t, election.Advance(facilitator), ErrNoNominations)

	require.NoError(t, election.Nominate("m-1", "alice", "steady", now))
	require.NoError(t, election.Nominate("m-2", "bob", "", now))
	require.NoError(t, election.Nominate("m-3", "alice", "", now))

	view := election.Tally("m-2")
	require.False(t, view.Revealed)
	require.Equal(t, 3, view.Total)
	require.Empty(t, view.Entries)
	require.NotNil(t, view.Own)
	require.Equal(t, "bob", view.Own.CandidateID)

	redacted := Tool{Kind: KindElection, Election: election}.Redact("m-2")
	require.Len(t, redacted.Election.Nominations, 1)
	require.Len(t, election.Nominations, 3)

	require.ErrorIs(t, election.Advance(member), ErrNotFacilitator)
	require.NoError(t, election.Advance(facilitator))
	require.Equal(t, ElectionDiscussion, election.Phase)
	require.ErrorIs(t, election.Nominate("m-4", "carol", "", now), ErrInvalidPhase)

	view = election.Tally("m-2")
	require.True(t, view.Revealed)
	require.Equal(t, []TallyEntry{{CandidateID: "alice", Count: 2}, {CandidateID: "bob", Count: 1}}, view.Entries)

	require.NoError(t, election.Advance(facilitator))
	require.Equal(t, ElectionChangeRound, election.Phase)
	require.ErrorIs(t, election.Nominate("m-4", "carol", "", now), ErrNotNominated)
	require.NoError(t, election.Nominate("m-2", "alice", "convinced", now))

	require.ErrorIs(t, election.ProposeCandidate(facilitator, "carol"), ErrCandidateNotNominated)
	require.NoError(t, election.ProposeCandidate(facilitator, ""))
	require.Equal(t, "alice", election.CandidateID)
	require.Equal(t, ElectionConsent, election.Phase)

	require.NoError(t, election.Respond("m-2", ResponseObjection, "needs onboarding", now))
	require.ErrorIs(t, election.Finalize(facilitator, now), ErrObjectionsPending)
	require.NoError(t, election.Respond("m-2", ResponseConsent, "", now))
	require.NoError(t, election.Finalize(facilitator, now))
	require.Equal(t, ElectionElected, election.Phase)
	require.Equal(t, "alice", election.ElectedMemberID)
	require.ErrorIs(t, election.Cancel(facilitator, now), ErrInvalidPhase)
}

func TestElectionTieNeedsExplicitCandidate(t *testing.T) {
	election, err := NewElection("role-1", "team-1", 0)
	require.NoError(t, err)
	require.NoError(t, election.Nominate("m-1", "alice", "", now))
	require.NoError(t, election.Nominate("m-2", "bob", "", now))
	require.NoError(t, election.Advance(facilitator))

	require.ErrorIs(t, election.ProposeCandidate(facilitator, ""), ErrTieRequiresChoice)
	require.NoError(t, election.ProposeCandidate(facilitator, "bob"))
	require.Equal(t, "bob", election.CandidateID)

	require.NoError(t, election.Cancel(facilitator, now))
	require.Equal(t, ElectionCancelled, election.Phase)

	_, err = NewElection("", "team-1", 0)
	require.ErrorIs(t, err, ErrRoleRequired)
}

func TestNewVotingValidation(t *testing.T) {
	cases := []struct {
		name   string
		mode   VotingMode
		labels []string
		max    int
		want   error
	}{
		{name: "single", mode: VotingSingle, labels: []string{"a", "b"}},
		{name: "approval default max", mode: VotingApproval, labels: []string{"a", "b", "c"}},
		{name: "unknown mode", mode: "plurality", labels: []string{"a", "b"}, want: ErrInvalidMode},
		{name: "one option", mode: VotingSingle, labels: []string{"a"}, want: ErrTooFewOptions},
		{name: "duplicate label", mode: VotingSingle, labels: []string{"Yes", "yes"}, want: ErrDuplicateOption},
		{name: "blank label", mode: VotingRanked, labels: []string{"a", " "}, want: ErrDuplicateOption},
		{name: "max too large", mode: VotingApproval, labels: []string{"a", "b"}, max: 3, want: ErrInvalidMaxChoices},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			voting, err := NewVoting("Pick", tc.mode, tc.labels, tc.max, false, nil)
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
				return
			}
			require.NoError(t, err)
			require.Equal(t, VotingOpen, voting.Status)
			require.GreaterOrEqual(t, voting.MaxChoices, 1)
		})
	}
}

func TestVotingCastValidation(t *testing.T) {
	single, err := NewVoting("Lunch", VotingSingle, []string{"pizza", "salad"}, 0, false, nil)
	require.NoError(t, err)
	require.ErrorIs(t, single.Cast("m-1", []int{0, 1}, now), ErrInvalidChoice)
	require.ErrorIs(t, single.Cast("m-1", []int{2}, now), ErrInvalidChoice)
	require.ErrorIs(t, single.Cast("m-1", nil, now), ErrInvalidChoice)
	require.NoError(t, single.Cast("m-1", []int{0}, now))
	require.NoError(t, single.Cast("m-1", []int{1}, now))
	require.Len(t, single.Ballots, 1)
	require.Equal(t, []int{1}, single.Ballots[0].Choices)

	approval, err := NewVoting("Days", VotingApproval, []string{"mon", "tue", "wed"}, 2, false, nil)
	require.NoError(t, err)
	require.ErrorIs(t, approval.Cast("m-1", []int{0, 1, 2}, now), ErrInvalidChoice)
	require.ErrorIs(t, approval.Cast("m-1", []int{1, 1}, now), ErrInvalidChoice)
	require.NoError(t, approval.Cast("m-1", []int{0, 2}, now))

	require.NoError(t, approval.Retract("m-1", now))
	require.ErrorIs(t, approval.Retract("m-1", now), ErrNoBallot)

	require.ErrorIs(t, approval.Close(member, now), ErrNotFacilitator)
	require.NoError(t, approval.Close(facilitator, now))
	require.ErrorIs(t, approval.Cast("m-2", []int{0}, now), ErrVotingClosed)
}

func TestVotingDeadline(t *testing.T) {
	deadline := now.Add(time.Hour)
	voting, err := NewVoting("Lunch", VotingSingle, []string{"pizza", "salad"}, 0, false, &deadline)
	require.NoError(t, err)
	require.NoError(t, voting.Cast("m-1", []int{0}, now))
	require.ErrorIs(t, voting.Cast("m-2", []int{0}, deadline), ErrVotingClosed)
	require.True(t, voting.IsOpen(now))
	require.False(t, voting.IsOpen(deadline.Add(time.Second)))

	tool := Tool{Kind: KindVoting, Voting: voting}
	require.Equal(t, "open", tool.PhaseAt(now))
	require.Equal(t, "closed", tool.PhaseAt(deadline))
	require.Equal(t, "open", tool.Phase())

	voter := Actor{MemberID: "m-2"}
	require.ErrorIs(t, voting.Close(voter, now), ErrNotFacilitator)
	require.NoError(t, voting.Close(voter, deadline.Add(time.Minute)))
	require.Equal(t, VotingClosed, voting.Status)
	require.Equal(t, deadline, *voting.ClosedAt)
	require.ErrorIs(t, voting.Close(voter, deadline.Add(time.Hour)), ErrVotingClosed)
}

func TestRankedResultsUseBordaCount(t *testing.T) {
	voting, err := NewVoting("Priorities", VotingRanked, []string{"A", "B", "C"}, 0, false, nil)
	require.NoError(t, err)
	require.NoError(t, voting.Cast("m-1", []int{0, 1, 2}, now))
	require.NoError(t, voting.Cast("m-2", []int{1, 0}, now))
	require.NoError(t, voting.Cast("m-3", []int{1}, now))

	results := voting.Results()
	require.Equal(t, 3, results.Ballots)
	require.Equal(t, []int{1}, results.Winners)
	require.Equal(t, []OptionResult{
		{Index: 1, Label: "B", Votes: 2, Points: 8},
		{Index: 0, Label: "A", Votes: 1, Points: 5},
		{Index: 2, Label: "C", Votes: 0, Points: 1},
	}, results.Options)
}

func TestApprovalResultsReportTies(t *testing.T) {
	voting, err := NewVoting("Days", VotingApproval, []string{"mon", "tue", "wed"}, 2, false, nil)
	require.NoError(t, err)
	require.Empty(t, voting.Results().Winners)

	require.NoError(t, voting.Cast("m-1", []int{0, 1}, now))
	require.NoError(t, voting.Cast("m-2", []int{1, 0}, now))
	require.NoError(t, voting.Cast("m-3", []int{2}, now))

	results := voting.Results()
	require.Equal(t, []int{0, 1}, results.Winners)
	require.Equal(t, 2, results.Options[0].Votes)
	require.Equal(t, 2, results.Options[2].Index)
}

func TestAnonymousVotingRedactsVoters(t *testing.T) {
	voting, err := NewVoting("Secret", VotingSingle, []string{"yes", "no"}, 0, true, nil)
	require.NoError(t, err)
	require.NoError(t, voting.Cast("m-1", []int{0}, now))
	require.NoError(t, voting.Cast("m-2", []int{1}, now))

	view := Tool{Kind: KindVoting, Voting: voting}.Redact("m-2")
	require.Equal(t, "", view.Voting.Ballots[0].MemberID)
	require.Equal(t, "m-2", view.Voting.Ballots[1].MemberID)
	require.Equal(t, "m-1", voting.Ballots[0].MemberID)
}

func TestLotteryPoolAndDraw(t *testing.T) {
	lottery, err := NewLottery("Facilitator rotation", LotteryTeam, "team-1", 2, true, []string{"m-9"}, "msg-1")
	require.NoError(t, err)

	pool := lottery.EligiblePool(PoolInput{
		OrgMembers:  []string{"m-1", "m-2", "m-3", "m-4", "m-5"},
		TeamMembers: []string{"m-4", "m-2", "m-9", "m-1", "m-2", "m-3"},
		RoleHolders: []string{"m-3"},
	})
	require.Equal(t, []string{"m-1", "m-2", "m-4"}, pool)

	require.ErrorIs(t, lottery.Draw(member, pool, now), ErrNotFacilitator)
	require.NoError(t, lottery.Draw(facilitator, pool, now))
	require.Equal(t, LotteryDrawn, lottery.Status)
	require.Len(t, lottery.Winners, 2)
	require.NotEqual(t, lottery.Winners[0], lottery.Winners[1])
	for _, winner := range lottery.Winners {
		require.Contains(t, pool, winner)
	}
	require.ErrorIs(t, lottery.Draw(facilitator, pool, now), ErrAlreadyDrawn)

	again := DrawWinners("msg-1", []string{"m-4", "m-1", "m-2"}, 2)
	require.Equal(t, lottery.Winners, again)
}

func TestLotteryEdgeCases(t *testing.T) {
	lottery, err := NewLottery("Everyone", LotteryOrg, "", 10, false, nil, "seed")
	require.NoError(t, err)
	require.ErrorIs(t, lottery.Draw(facilitator, nil, now), ErrEmptyPool)
	require.NoError(t, lottery.Draw(facilitator, []string{"b", "a"}, now))
	require.ElementsMatch(t, []string{"a", "b"}, lottery.Winners)

	_, err = NewLottery("x", LotteryTeam, "", 1, false, nil, "")
	require.ErrorIs(t, err, ErrTeamRequired)
	_, err = NewLottery("x", "galaxy", "", 1, false, nil, "")
	require.ErrorIs(t, err, ErrInvalidScope)
	_, err = NewLottery("x", LotteryOrg, "", 0, false, nil, "")
	require.ErrorIs(t, err, ErrInvalidWinnerCount)
}

func TestToolEnvelope(t *testing.T) {
	topic, err := NewTopic("t", "")
	require.NoError(t, err)
	tool := Tool{Kind: KindTopic, Topic: topic}
	require.NoError(t, tool.Validate())
	require.Equal(t, "clarification", tool.Phase())
	require.ErrorIs(t, Tool{Kind: KindVoting}.Validate(), ErrUnknownKind)
	require.ErrorIs(t, Tool{Kind: "poll"}.Validate(), ErrUnknownKind)
}
