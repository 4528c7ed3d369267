// Package decision builds the immutable audit records written for every governance
// change: who changed what, and the before/after value of every modified field.
package decision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNoChanges      = errors.New("nothing changed")
	ErrTargetRequired = errors.New("decision target is required")
	ErrAuthorRequired = errors.New("decision author is required")
	ErrOrgRequired    = errors.New("decision organization is required")
)

type TargetType string

const (
	TargetTeam     TargetType = "team"
	TargetRole     TargetType = "role"
	TargetMember   TargetType = "member"
	TargetTopic    TargetType = "topic"
	TargetElection TargetType = "election"
	TargetVoting   TargetType = "voting"
	TargetLottery  TargetType = "lottery"
	TargetPolicy   TargetType = "policy"
	TargetOrg      TargetType = "org"
)

type Change struct {
	Field  string          `json:"field"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

type Changes []Change

func (c Changes) Fields() []string {
	fields := make([]string, 0, len(c))
	for _, change := range c {
		fields = append(fields, change.Field)
	}
	return fields
}

// Record is one entry in the decision log.
type Record struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"orgId"`
	TeamID     string     `json:"teamId,omitempty"`
	RoleID     string     `json:"roleId,omitempty"`
	MemberID   string     `json:"memberId"`
	TargetType TargetType `json:"targetType"`
	TargetID   string     `json:"targetId"`
	Title      string     `json:"title"`
	Summary    string     `json:"summary,omitempty"`
	Diff       Changes    `json:"diff"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Input carries everything NewRecord needs besides the two snapshots.
type Input struct {
	OrgID      string
	TeamID     string
	RoleID     string
	MemberID   string
	TargetType TargetType
	TargetID   string
	Title      string
	Summary    string
}

// NewRecord diffs before against after and returns the record to append. An update
// that changes nothing yields ErrNoChanges.
func NewRecord(in Input, before, after any, now time.Time) (Record, error) {
	if strings.TrimSpace(in.OrgID) == "" {
		return Record{}, ErrOrgRequired
	}
	if in.TargetType == "" || strings.TrimSpace(in.TargetID) == "" {
		return Record{}, ErrTargetRequired
	}
	if strings.TrimSpace(in.MemberID) == "" {
		return Record{}, ErrAuthorRequired
	}
	changes, err := Diff(before, after)
	if err != nil {
		return Record{}, err
	}
	if len(changes) == 0 {
		return Record{}, ErrNoChanges
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = fmt.Sprintf("%s %s updated", in.TargetType, in.TargetID)
	}
	return Record{
		OrgID:      in.OrgID,
		TeamID:     in.TeamID,
		RoleID:     in.RoleID,
		MemberID:   in.MemberID,
		TargetType: in.TargetType,
		TargetID:   in.TargetID,
		Title:      title,
		Summary:    strings.TrimSpace(in.Summary),
		Diff:       changes,
		CreatedAt:  now.UTC(),
	}, nil
}

// Diff flattens both values into JSON objects and reports every top-level field whose
// encoded value differs. A nil side is treated as an empty object.
func Diff(before, after any) (Changes, error) {
	left, err := flatten(before)
	if err != nil {
		return nil, fmt.Errorf("flatten before: %w", err)
	}
	right, err := flatten(after)
	if err != nil {
		return nil, fmt.Errorf("flatten after: %w", err)
	}

	keys := make(map[string]struct{}, len(left)+len(right))
	for key := range left {
		keys[key] = struct{}{}
	}
	for key := range right {
		keys[key] = struct{}{}
	}

	changes := Changes{}
	for key := range keys {
		oldValue, hadOld := left[key]
		newValue, hasNew := right[key]
		if hadOld && hasNew && equalJSON(oldValue, newValue) {
			continue
		}
		change := Change{Field: key}
		if hadOld && !isNull(oldValue) {
			change.Before = oldValue
		}
		if hasNew && !isNull(newValue) {
			change.After = newValue
		}
		if change.Before == nil && change.After == nil {
			continue
		}
		changes = append(changes, change)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes, nil
}

func flatten(value any) (map[string]json.RawMessage, error) {
	if value == nil {
		return map[string]json.RawMessage{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(raw, []byte("null")) {
		return map[string]json.RawMessage{}, nil
	}
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("value is not an object: %w", err)
	}
	return out, nil
}

func equalJSON(a, b json.RawMessage) bool {
	var left, right any
	if json.Unmarshal(a, &left) != nil || json.Unmarshal(b, &right) != nil {
		return bytes.Equal(a, b)
	}
	normalizedLeft, _ := json.Marshal(left)
	normalizedRight, _ := json.Marshal(right)
	return bytes.Equal(normalizedLeft, normalizedRight)
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
