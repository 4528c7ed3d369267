package tools

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"time"
)

type ElectionPhase string

const (
	ElectionNomination  ElectionPhase = "nomination"
	ElectionDiscussion  ElectionPhase = "discussion"
	ElectionChangeRound ElectionPhase = "change_round"
	ElectionConsent     ElectionPhase = "consent"
	ElectionElected     ElectionPhase = "elected"
	ElectionCancelled   ElectionPhase = "cancelled"
)

var (
	ErrRoleRequired          = errors.New("role is required")
	ErrCandidateRequired     = errors.New("candidate is required")
	ErrCandidateNotNominated = errors.New("candidate has no nomination")
	ErrNoNominations         = errors.New("no nominations were submitted")
	ErrTieRequiresChoice     = errors.New("the tally is tied, choose a candidate explicitly")
	ErrNotNominated          = errors.New("only members who nominated can change their nomination")
)

type Nomination struct {
	VoterID     string    `json:"voterId"`
	CandidateID string    `json:"candidateId"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

type TallyEntry struct {
	CandidateID string `json:"candidateId"`
	Count       int    `json:"count"`
}

// TallyView is what a member sees of the nominations. Until the discussion phase
// the per-candidate counts stay hidden.
type TallyView struct {
	Revealed bool         `json:"revealed"`
	Total    int          `json:"total"`
	Entries  []TallyEntry `json:"entries,omitempty"`
	Own      *Nomination  `json:"own,omitempty"`
}

// Election fills a role through nomination, discussion and consent rounds.
type Election struct {
	RoleID          string            `json:"roleId"`
	TeamID          string            `json:"teamId"`
	Phase           ElectionPhase     `json:"phase"`
	TermMonths      int               `json:"termMonths,omitempty"`
	Nominations     []Nomination      `json:"nominations,omitempty"`
	CandidateID     string            `json:"candidateId,omitempty"`
	Responses       []ConsentResponse `json:"responses,omitempty"`
	ElectedMemberID string            `json:"electedMemberId,omitempty"`
	ClosedAt        *time.Time        `json:"closedAt,omitempty"`
}

func NewElection(roleID, teamID string, termMonths int) (*Election, error) {
	if strings.TrimSpace(roleID) == "" {
		return nil, ErrRoleRequired
	}
	if termMonths < 0 {
		termMonths = 0
	}
	return &Election{
		RoleID:     roleID,
		TeamID:     teamID,
		Phase:      ElectionNomination,
		TermMonths: termMonths,
	}, nil
}

func (e *Election) Finished() bool {
	return e.Phase == ElectionElected || e.Phase == ElectionCancelled
}

func (e *Election) Nominate(voterID, candidateID, reason string, now time.Time) error {
	if e.Phase != ElectionNomination && e.Phase != ElectionChangeRound {
		return ErrInvalidPhase
	}
	if strings.TrimSpace(voterID) == "" {
		return ErrMemberRequired
	}
	if strings.TrimSpace(candidateID) == "" {
		return ErrCandidateRequired
	}
	entry := Nomination{VoterID: voterID, CandidateID: candidateID, Reason: strings.TrimSpace(reason), At: now}
	for i := range e.Nominations {
		if e.Nominations[i].VoterID == voterID {
			e.Nominations[i] = entry
			return nil
		}
	}
	if e.Phase == ElectionChangeRound {
		return ErrNotNominated
	}
	e.Nominations = append(e.Nominations, entry)
	return nil
}

// Counts tallies nominations per candidate, highest count first and candidate id
// as the tie breaker.
func (e *Election) Counts() []TallyEntry {
	counts := make(map[string]int)
	for _, nomination := range e.Nominations {
		counts[nomination.CandidateID]++
	}
	entries := make([]TallyEntry, 0, len(counts))
	for candidate, count := range counts {
		entries = append(entries, TallyEntry{CandidateID: candidate, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].CandidateID < entries[j].CandidateID
	})
	return entries
}

func (e *Election) Tally(viewerID string) TallyView {
	view := TallyView{Total: len(e.Nominations)}
	for _, nomination := range e.Nominations {
		if nomination.VoterID == viewerID {
			own := nomination
			view.Own = &own
			break
		}
	}
	if e.Phase == ElectionNomination {
		return view
	}
	view.Revealed = true
	view.Entries = e.Counts()
	return view
}

// Advance moves nomination to discussion and discussion to the change round.
func (e *Election) Advance(actor Actor) error {
	if !actor.Facilitator {
		return ErrNotFacilitator
	}
	switch e.Phase {
	case ElectionNomination:
		if len(e.Nominations) == 0 {
			return ErrNoNominations
		}
		e.Phase = ElectionDiscussion
	case ElectionDiscussion:
		e.Phase = ElectionChangeRound
	default:
		return ErrInvalidPhase
	}
	return nil
}

// ProposeCandidate opens the consent round on candidateID, or on the tally leader
// when candidateID is empty.
func (e *Election) ProposeCandidate(actor Actor, candidateID string) error {
	if !actor.Facilitator {
		return ErrNotFacilitator
	}
	if e.Phase != ElectionDiscussion && e.Phase != ElectionChangeRound {
		return ErrInvalidPhase
	}
	counts := e.Counts()
	if len(counts) == 0 {
		return ErrNoNominations
	}
	candidateID = strings.TrimSpace(candidateID)
	if candidateID == "" {
		if len(counts) > 1 && counts[0].Count == counts[1].Count {
			return ErrTieRequiresChoice
		}
		candidateID = counts[0].CandidateID
	} else if !slices.ContainsFunc(counts, func(entry TallyEntry) bool { return entry.CandidateID == candidateID }) {
		return ErrCandidateNotNominated
	}
	e.CandidateID = candidateID
	e.Responses = nil
	e.Phase = ElectionConsent
	return nil
}

func (e *Election) Respond(memberID string, kind ResponseKind, reason string, now time.Time) error {
	if e.Phase != ElectionConsent {
		return ErrInvalidPhase
	}
	responses, err := recordResponse(e.Responses, memberID, kind, reason, now)
	if err != nil {
		return err
	}
	e.Responses = responses
	return nil
}

func (e *Election) Finalize(actor Actor, now time.Time) error {
	if !actor.Facilitator {
		return ErrNotFacilitator
	}
	if e.Phase != ElectionConsent {
		return ErrInvalidPhase
	}
	if countObjections(e.Responses) > 0 {
		return ErrObjectionsPending
	}
	e.Phase = ElectionElected
	e.ElectedMemberID = e.CandidateID
	closedAt := now
	e.ClosedAt = &closedAt
	return nil
}

func (e *Election) Cancel(actor Actor, now time.Time) error {
	if !actor.Facilitator {
		return ErrNotFacilitator
	}
	if e.Finished() {
		return ErrInvalidPhase
	}
	e.Phase = ElectionCancelled
	closedAt := now
	e.ClosedAt = &closedAt
	return nil
}

func (e Election) redact(viewerID string) Election {
	if e.Phase != ElectionNomination {
		return e
	}
	out := e
	out.Nominations = nil
	for _, nomination := range e.Nominations {
		if nomination.VoterID == viewerID {
			out.Nominations = append(out.Nominations, nomination)
		}
	}
	return out
}
