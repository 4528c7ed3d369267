// Package tools implements the collaborative tools that can be embedded in a chat
// message: consent topics, elections, votings and lotteries. Every tool is a small
// state machine; transitions are pure and take the current time as an argument so
// callers can run them inside a storage transaction.
package tools

import (
	"errors"
	"slices"
	"strings"
	"time"
)

type Kind string

const (
	KindTopic    Kind = "topic"
	KindElection Kind = "election"
	KindVoting   Kind = "voting"
	KindLottery  Kind = "lottery"
)

var (
	ErrUnknownKind       = errors.New("unknown tool kind")
	ErrInvalidPhase      = errors.New("action not allowed in the current phase")
	ErrNotFacilitator    = errors.New("only a facilitator can perform this action")
	ErrReasonRequired    = errors.New("an objection requires a reason")
	ErrInvalidResponse   = errors.New("response must be consent or objection")
	ErrTitleRequired     = errors.New("title is required")
	ErrTextRequired      = errors.New("text is required")
	ErrQuestionNotFound  = errors.New("question not found")
	ErrMemberRequired    = errors.New("member is required")
	ErrObjectionsPending = errors.New("objections must be resolved first")
)

// Actor is the member performing a tool action. Facilitator is computed by the
// caller with IsFacilitator.
type Actor struct {
	MemberID    string
	Facilitator bool
}

// FacilitatorContext carries the facts needed to decide who may steer a tool.
type FacilitatorContext struct {
	AuthorID     string
	OrgOwnerID   string
	LeaderIDs    []string
	SecretaryIDs []string
}

// IsFacilitator reports whether memberID is the message author, the organization
// owner, or a leader or secretary of the message's team.
func IsFacilitator(memberID string, fc FacilitatorContext) bool {
	if memberID == "" {
		return false
	}
	if memberID == fc.AuthorID || memberID == fc.OrgOwnerID {
		return true
	}
	return slices.Contains(fc.LeaderIDs, memberID) || slices.Contains(fc.SecretaryIDs, memberID)
}

// Tool is the envelope stored with a message. Exactly one payload is set.
type Tool struct {
	Kind     Kind      `json:"kind"`
	Topic    *Topic    `json:"topic,omitempty"`
	Election *Election `json:"election,omitempty"`
	Voting   *Voting   `json:"voting,omitempty"`
	Lottery  *Lottery  `json:"lottery,omitempty"`
}

func (t Tool) Validate() error {
	switch t.Kind {
	case KindTopic:
		if t.Topic == nil {
			return ErrUnknownKind
		}
	case KindElection:
		if t.Election == nil {
			return ErrUnknownKind
		}
	case KindVoting:
		if t.Voting == nil {
			return ErrUnknownKind
		}
	case KindLottery:
		if t.Lottery == nil {
			return ErrUnknownKind
		}
	default:
		return ErrUnknownKind
	}
	return nil
}

// Phase returns the phase or status string of the embedded tool.
func (t Tool) Phase() string {
	switch t.Kind {
	case KindTopic:
		if t.Topic != nil {
			return string(t.Topic.Phase)
		}
	case KindElection:
		if t.Election != nil {
			return string(t.Election.Phase)
		}
	case KindVoting:
		if t.Voting != nil {
			return string(t.Voting.Status)
		}
	case KindLottery:
		if t.Lottery != nil {
			return string(t.Lottery.Status)
		}
	}
	return ""
}

// PhaseAt is Phase with deadlines applied: an open voting past its deadline
// reads as closed.
func (t Tool) PhaseAt(now time.Time) string {
	if t.Kind == KindVoting && t.Voting != nil && t.Voting.Expired(now) {
		return string(VotingClosed)
	}
	return t.Phase()
}

// Redact returns a copy of the tool as viewerID may see it: secret nominations
// and anonymous ballots are stripped.
func (t Tool) Redact(viewerID string) Tool {
	out := t
	if t.Election != nil {
		election := t.Election.redact(viewerID)
		out.Election = &election
	}
	if t.Voting != nil {
		voting := t.Voting.redact(viewerID)
		out.Voting = &voting
	}
	return out
}

type ResponseKind string

const (
	ResponseConsent   ResponseKind = "consent"
	ResponseObjection ResponseKind = "objection"
)

type ConsentResponse struct {
	MemberID string       `json:"memberId"`
	Kind     ResponseKind `json:"kind"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

func recordResponse(responses []ConsentResponse, memberID string, kind ResponseKind, reason string, now time.Time) ([]ConsentResponse, error) {
	if strings.TrimSpace(memberID) == "" {
		return responses, ErrMemberRequired
	}
	if kind != ResponseConsent && kind != ResponseObjection {
		return responses, ErrInvalidResponse
	}
	reason = strings.TrimSpace(reason)
	if kind == ResponseObjection && reason == "" {
		return responses, ErrReasonRequired
	}
	entry := ConsentResponse{MemberID: memberID, Kind: kind, Reason: reason, At: now}
	out := slices.Clone(responses)
	for i := range out {
		if out[i].MemberID == memberID {
			out[i] = entry
			return out, nil
		}
	}
	return append(out, entry), nil
}

func countObjections(responses []ConsentResponse) int {
	count := 0
	for _, response := range responses {
		if response.Kind == ResponseObjection {
			count++
		}
	}
	return count
}
