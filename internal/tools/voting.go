package tools

import (
	"errors"
	"sort"
	"strings"
	"time"
)

type VotingMode string

const (
	VotingSingle   VotingMode = "single"
	VotingApproval VotingMode = "approval"
	VotingRanked   VotingMode = "ranked"
)

type VotingStatus string

const (
	VotingOpen   VotingStatus = "open"
	VotingClosed VotingStatus = "closed"
)

var (
	ErrInvalidMode       = errors.New("invalid voting mode")
	ErrTooFewOptions     = errors.New("a voting needs at least two options")
	ErrDuplicateOption   = errors.New("option labels must be unique and non-empty")
	ErrInvalidMaxChoices = errors.New("max choices out of range")
	ErrVotingClosed      = errors.New("voting is closed")
	ErrInvalidChoice     = errors.New("invalid choice")
	ErrNoBallot          = errors.New("no ballot to retract")
)

type Option struct {
	Label string `json:"label"`
}

type Ballot struct {
	MemberID string    `json:"memberId,omitempty"`
	Choices  []int     `json:"choices"`
	At       time.Time `json:"at"`
}

type OptionResult struct {
	Index  int    `json:"index"`
	Label  string `json:"label"`
	Votes  int    `json:"votes"`
	Points int    `json:"points"`
}

type Results struct {
	Mode    VotingMode     `json:"mode"`
	Ballots int            `json:"ballots"`
	Options []OptionResult `json:"options"`
	Winners []int          `json:"winners"`
}

// Voting collects ballots in single choice, approval or ranked mode.
type Voting struct {
	Question   string       `json:"question"`
	Mode       VotingMode   `json:"mode"`
	Options    []Option     `json:"options"`
	MaxChoices int          `json:"maxChoices,omitempty"`
	Anonymous  bool         `json:"anonymous,omitempty"`
	Status     VotingStatus `json:"status"`
	Ballots    []Ballot     `json:"ballots,omitempty"`
	ClosesAt   *time.Time   `json:"closesAt,omitempty"`
	ClosedAt   *time.Time   `json:"closedAt,omitempty"`
}

func NewVoting(question string, mode VotingMode, labels []string, maxChoices int, anonymous bool, closesAt *time.Time) (*Voting, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrTitleRequired
	}
	switch mode {
	case VotingSingle, VotingApproval, VotingRanked:
	default:
		return nil, ErrInvalidMode
	}
	if len(labels) < 2 {
		return nil, ErrTooFewOptions
	}
	seen := make(map[string]struct{}, len(labels))
	options := make([]Option, 0, len(labels))
	for _, label := range labels {
		label = strings.TrimSpace(label)
		key := strings.ToLower(label)
		if _, dup := seen[key]; label == "" || dup {
			return nil, ErrDuplicateOption
		}
		seen[key] = struct{}{}
		options = append(options, Option{Label: label})
	}

	switch mode {
	case VotingSingle:
		maxChoices = 1
	case VotingRanked:
		maxChoices = len(options)
	case VotingApproval:
		if maxChoices == 0 {
			maxChoices = len(options)
		}
		if maxChoices < 1 || maxChoices > len(options) {
			return nil, ErrInvalidMaxChoices
		}
	}

	return &Voting{
		Question:   question,
		Mode:       mode,
		Options:    options,
		MaxChoices: maxChoices,
		Anonymous:  anonymous,
		Status:     VotingOpen,
		ClosesAt:   closesAt,
	}, nil
}

// IsOpen reports whether ballots are accepted at now.
func (v *Voting) IsOpen(now time.Time) bool {
	if v.Status != VotingOpen {
		return false
	}
	return v.ClosesAt == nil || now.Before(*v.ClosesAt)
}

// Expired reports whether the deadline passed while the voting is still open.
func (v *Voting) Expired(now time.Time) bool {
	return v.Status == VotingOpen && v.ClosesAt != nil && !now.Before(*v.ClosesAt)
}

func (v *Voting) ValidateChoices(choices []int) error {
	if len(choices) == 0 {
		return ErrInvalidChoice
	}
	seen := make(map[int]struct{}, len(choices))
	for _, choice := range choices {
		if choice < 0 || choice >= len(v.Options) {
			return ErrInvalidChoice
		}
		if _, dup := seen[choice]; dup {
			return ErrInvalidChoice
		}
		seen[choice] = struct{}{}
	}
	switch v.Mode {
	case VotingSingle:
		if len(choices) != 1 {
			return ErrInvalidChoice
		}
	case VotingApproval:
		if len(choices) > v.MaxChoices {
			return ErrInvalidChoice
		}
	case VotingRanked:
		if len(choices) > len(v.Options) {
			return ErrInvalidChoice
		}
	default:
		return ErrInvalidMode
	}
	return nil
}

func (v *Voting) Cast(memberID string, choices []int, now time.Time) error {
	if strings.TrimSpace(memberID) == "" {
		return ErrMemberRequired
	}
	if !v.IsOpen(now) {
		return ErrVotingClosed
	}
	if err := v.ValidateChoices(choices); err != nil {
		return err
	}
	ballot := Ballot{MemberID: memberID, Choices: append([]int(nil), choices...), At: now}
	for i := range v.Ballots {
		if v.Ballots[i].MemberID == memberID {
			v.Ballots[i] = ballot
			return nil
		}
	}
	v.Ballots = append(v.Ballots, ballot)
	return nil
}

func (v *Voting) Retract(memberID string, now time.Time) error {
	if !v.IsOpen(now) {
		return ErrVotingClosed
	}
	for i := range v.Ballots {
		if v.Ballots[i].MemberID == memberID {
			v.Ballots = append(v.Ballots[:i], v.Ballots[i+1:]...)
			return nil
		}
	}
	return ErrNoBallot
}

// Close ends the voting. Only a facilitator may close early; once the deadline
// has passed any participant may settle it, and it closes at the deadline.
func (v *Voting) Close(actor Actor, now time.Time) error {
	if v.Status == VotingClosed {
		return ErrVotingClosed
	}
	closedAt := now
	switch {
	case v.Expired(now):
		closedAt = *v.ClosesAt
	case !actor.Facilitator:
		return ErrNotFacilitator
	}
	v.Status = VotingClosed
	v.ClosedAt = &closedAt
	return nil
}

// Results tallies the ballots. Ranked votings use a Borda count: with n options the
// option ranked at position i earns n-i points; unranked options earn nothing.
func (v *Voting) Results() Results {
	n := len(v.Options)
	options := make([]OptionResult, n)
	for i, option := range v.Options {
		options[i] = OptionResult{Index: i, Label: option.Label}
	}
	for _, ballot := range v.Ballots {
		for position, choice := range ballot.Choices {
			if choice < 0 || choice >= n {
				continue
			}
			switch v.Mode {
			case VotingRanked:
				options[choice].Points += n - position
				if position == 0 {
					options[choice].Votes++
				}
			default:
				options[choice].Votes++
				options[choice].Points++
			}
		}
	}

	score := func(result OptionResult) int {
		if v.Mode == VotingRanked {
			return result.Points
		}
		return result.Votes
	}
	sort.SliceStable(options, func(i, j int) bool {
		if score(options[i]) != score(options[j]) {
			return score(options[i]) > score(options[j])
		}
		return options[i].Index < options[j].Index
	})

	winners := []int{}
	if len(v.Ballots) > 0 && n > 0 && score(options[0]) > 0 {
		top := score(options[0])
		for _, result := range options {
			if score(result) != top {
				break
			}
			winners = append(winners, result.Index)
		}
	}

	return Results{
		Mode:    v.Mode,
		Ballots: len(v.Ballots),
		Options: options,
		Winners: winners,
	}
}

func (v Voting) redact(viewerID string) Voting {
	if !v.Anonymous {
		return v
	}
	out := v
	out.Ballots = make([]Ballot, 0, len(v.Ballots))
	for _, ballot := range v.Ballots {
		if ballot.MemberID != viewerID {
			ballot.MemberID = ""
		}
		out.Ballots = append(out.Ballots, ballot)
	}
	return out
}
