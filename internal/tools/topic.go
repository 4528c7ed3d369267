package tools

import (
	"strings"
	"time"
)

type TopicPhase string

const (
	TopicClarification TopicPhase = "clarification"
	TopicConsent       TopicPhase = "consent"
	TopicResolved      TopicPhase = "resolved"
)

type TopicOutcome string

const (
	TopicAccepted TopicOutcome = "accepted"
	TopicObjected TopicOutcome = "objected"
)

type Question struct {
	MemberID string    `json:"memberId"`
	Text     string    `json:"text"`
	Answer   string    `json:"answer,omitempty"`
	AskedAt  time.Time `json:"askedAt"`
}

// Topic is a proposal taken through clarification and consent rounds.
type Topic struct {
	Title      string            `json:"title"`
	Proposal   string            `json:"proposal"`
	Phase      TopicPhase        `json:"phase"`
	Questions  []Question        `json:"questions,omitempty"`
	Responses  []ConsentResponse `json:"responses,omitempty"`
	Outcome    TopicOutcome      `json:"outcome,omitempty"`
	ResolvedAt *time.Time        `json:"resolvedAt,omitempty"`
}

func NewTopic(title, proposal string) (*Topic, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	return &Topic{
		Title:    title,
		Proposal: strings.TrimSpace(proposal),
		Phase:    TopicClarification,
	}, nil
}

func (t *Topic) AskQuestion(memberID, text string, now time.Time) error {
	if t.Phase != TopicClarification {
		return ErrInvalidPhase
	}
	if strings.TrimSpace(memberID) == "" {
		return ErrMemberRequired
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrTextRequired
	}
	t.Questions = append(t.Questions, Question{MemberID: memberID, Text: text, AskedAt: now})
	return nil
}

func (t *Topic) AnswerQuestion(actor Actor, index int, answer string) error {
	if !actor.Facilitator {
		return ErrNotFacilitator
	}
	if t.Phase != TopicClarification {
		return ErrInvalidPhase
	}
	if index < 0 || index >= len(t.Questions) {
		return ErrQuestionNotFound
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return ErrTextRequired
	}
	t.Questions[index].Answer = answer
	return nil
}

func (t *Topic) StartConsent(actor Actor) error {
	if !actor.Facilitator {
		return ErrNotFacilitator
	}
	if t.Phase != TopicClarification {
		return ErrInvalidPhase
	}
	t.Phase = TopicConsent
	return nil
}

func (t *Topic) Respond(memberID string, kind ResponseKind, reason string, now time.Time) error {
	if t.Phase != TopicConsent {
		return ErrInvalidPhase
	}
	responses, err := recordResponse(t.Responses, memberID, kind, reason, now)
	if err != nil {
		return err
	}
	t.Responses = responses
	return nil
}

// Resolve closes the consent round. The outcome is accepted only when nobody objected.
func (t *Topic) Resolve(actor Actor, now time.Time) error {
	if !actor.Facilitator {
		return ErrNotFacilitator
	}
	if t.Phase != TopicConsent {
		return ErrInvalidPhase
	}
	t.Phase = TopicResolved
	t.Outcome = TopicAccepted
	if countObjections(t.Responses) > 0 {
		t.Outcome = TopicObjected
	}
	resolvedAt := now
	t.ResolvedAt = &resolvedAt
	return nil
}

func (t *Topic) Objections() int {
	return countObjections(t.Responses)
}
