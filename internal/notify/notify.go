// Package notify turns governance events into typed notifications and fans them
// out to members: persisted in batches, published live, and optionally emailed.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Category string

const (
	CategoryMessage    Category = "message"
	CategoryTopic      Category = "topic"
	CategoryElection   Category = "election"
	CategoryVoting     Category = "voting"
	CategoryLottery    Category = "lottery"
	CategoryRole       Category = "role"
	CategoryDecision   Category = "decision"
	CategoryInvitation Category = "invitation"
	CategoryPolicy     Category = "policy"
)

const DefaultBatchSize = 100

var ErrUnknownCategory = errors.New("unknown notification category")

func ParseCategory(value string) (Category, error) {
	category := Category(strings.ToLower(strings.TrimSpace(value)))
	switch category {
	case CategoryMessage, CategoryTopic, CategoryElection, CategoryVoting, CategoryLottery,
		CategoryRole, CategoryDecision, CategoryInvitation, CategoryPolicy:
		return category, nil
	}
	return "", ErrUnknownCategory
}

// Event describes what happened. Kind is a short verb such as "created",
// "phase_changed", "elected", "drawn" or "closed".
type Event struct {
	Kind     string
	OrgID    string
	TeamID   string
	TargetID string
	Actor    string
	Subject  string
	Detail   string
	Link     string
	Data     map[string]any
}

type Payload struct {
	Category Category       `json:"category"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	OrgID    string         `json:"orgId"`
	TeamID   string         `json:"teamId,omitempty"`
	TargetID string         `json:"targetId,omitempty"`
	Link     string         `json:"link,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Notification is the per-member row persisted by a Sink.
type Notification struct {
	ID        string          `json:"id"`
	MemberID  string          `json:"memberId"`
	OrgID     string          `json:"orgId"`
	TeamID    string          `json:"teamId,omitempty"`
	Category  Category        `json:"category"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	TargetID  string          `json:"targetId,omitempty"`
	Link      string          `json:"link,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ReadAt    *time.Time      `json:"readAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Build renders the title and body for an event of the given category.
func Build(category Category, event Event) (Payload, error) {
	if _, err := ParseCategory(string(category)); err != nil {
		return Payload{}, err
	}
	actor := fallback(event.Actor, "Someone")
	subject := fallback(event.Subject, string(category))
	kind := fallback(event.Kind, "updated")

	var title, body string
	switch category {
	case CategoryMessage:
		title = fmt.Sprintf("New message from %s", actor)
		body = event.Detail
	case CategoryTopic:
		title = fmt.Sprintf("Topic %q %s", subject, humanize(kind))
		body = fmt.Sprintf("%s moved the topic forward.", actor)
		if kind == "created" {
			body = fmt.Sprintf("%s proposed a topic for consent.", actor)
		}
	case CategoryElection:
		title = fmt.Sprintf("Election for %s %s", subject, humanize(kind))
		body = fmt.Sprintf("%s updated the election.", actor)
		if kind == "elected" && event.Detail != "" {
			body = fmt.Sprintf("%s was elected.", event.Detail)
		}
	case CategoryVoting:
		title = fmt.Sprintf("Voting %q %s", subject, humanize(kind))
		body = fmt.Sprintf("%s updated the voting.", actor)
		if kind == "created" {
			body = "Your vote is requested."
		}
	case CategoryLottery:
		title = fmt.Sprintf("Lottery %q %s", subject, humanize(kind))
		body = fmt.Sprintf("%s ran the lottery.", actor)
		if kind == "drawn" && event.Detail != "" {
			body = fmt.Sprintf("Winners: %s.", event.Detail)
		}
	case CategoryRole:
		title = fmt.Sprintf("Role %s %s", subject, humanize(kind))
		body = fmt.Sprintf("%s changed the role.", actor)
	case CategoryDecision:
		title = fmt.Sprintf("Decision recorded: %s", subject)
		body = event.Detail
	case CategoryInvitation:
		title = fmt.Sprintf("%s invited you to %s", actor, subject)
		body = "Accept the invitation to join the organization."
	case CategoryPolicy:
		title = fmt.Sprintf("Policy %q %s", subject, humanize(kind))
		body = fmt.Sprintf("%s edited the policy.", actor)
	}
	if event.Detail != "" && body == "" {
		body = event.Detail
	}

	return Payload{
		Category: category,
		Title:    title,
		Body:     body,
		OrgID:    event.OrgID,
		TeamID:   event.TeamID,
		TargetID: event.TargetID,
		Link:     event.Link,
		Data:     event.Data,
	}, nil
}

// Recipients de-duplicates candidates, drops the actor and muted members and sorts
// the result.
func Recipients(candidates []string, actorID string, muted []string) []string {
	skip := make(map[string]struct{}, len(muted)+1)
	skip[actorID] = struct{}{}
	for _, id := range muted {
		skip[id] = struct{}{}
	}
	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, excluded := skip[id]; excluded {
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func Batches(recipients []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := make([][]string, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		batches = append(batches, recipients[start:end])
	}
	return batches
}

func humanize(kind string) string {
	return strings.ReplaceAll(kind, "_", " ")
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
