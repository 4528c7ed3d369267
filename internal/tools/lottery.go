package tools

import (
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"strings"
	"time"
)

type LotteryScope string

const (
	LotteryTeam LotteryScope = "team"
	LotteryOrg  LotteryScope = "org"
)

type LotteryStatus string

const (
	LotteryPending LotteryStatus = "pending"
	LotteryDrawn   LotteryStatus = "drawn"
)

var (
	ErrInvalidScope       = errors.New("lottery scope must be team or org")
	ErrTeamRequired       = errors.New("team scope requires a team")
	ErrInvalidWinnerCount = errors.New("winner count must be positive")
	ErrEmptyPool          = errors.New("no eligible members to draw from")
	ErrAlreadyDrawn       = errors.New("lottery has already been drawn")
)

// PoolInput lists the candidates known to the caller for a draw.
type PoolInput struct {
	OrgMembers  []string
	TeamMembers []string
	RoleHolders []string
}

// Lottery picks WinnerCount members at random from an eligible pool. The draw is
// reproducible: the same seed and pool always yield the same winners.
type Lottery struct {
	Title              string        `json:"title"`
	Scope              LotteryScope  `json:"scope"`
	TeamID             string        `json:"teamId,omitempty"`
	ExcludeRoleHolders bool          `json:"excludeRoleHolders,omitempty"`
	Excluded           []string      `json:"excluded,omitempty"`
	WinnerCount        int           `json:"winnerCount"`
	Seed               string        `json:"seed"`
	Status             LotteryStatus `json:"status"`
	Pool               []string      `json:"pool,omitempty"`
	Winners            []string      `json:"winners,omitempty"`
	DrawnAt            *time.Time    `json:"drawnAt,omitempty"`
}

func NewLottery(title string, scope LotteryScope, teamID string, winnerCount int, excludeRoleHolders bool, excluded []string, seed string) (*Lottery, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	switch scope {
	case LotteryTeam:
		if strings.TrimSpace(teamID) == "" {
			return nil, ErrTeamRequired
		}
	case LotteryOrg:
	default:
		return nil, ErrInvalidScope
	}
	if winnerCount < 1 {
		return nil, ErrInvalidWinnerCount
	}
	return &Lottery{
		Title:              title,
		Scope:              scope,
		TeamID:             teamID,
		ExcludeRoleHolders: excludeRoleHolders,
		Excluded:           normalizeIDs(excluded),
		WinnerCount:        winnerCount,
		Seed:               strings.TrimSpace(seed),
		Status:             LotteryPending,
	}, nil
}

// EligiblePool returns the sorted, de-duplicated candidate ids for this lottery.
func (l *Lottery) EligiblePool(in PoolInput) []string {
	source := in.OrgMembers
	if l.Scope == LotteryTeam {
		source = in.TeamMembers
	}
	skip := make(map[string]struct{}, len(l.Excluded)+len(in.RoleHolders))
	for _, id := range l.Excluded {
		skip[id] = struct{}{}
	}
	if l.ExcludeRoleHolders {
		for _, id := range in.RoleHolders {
			skip[id] = struct{}{}
		}
	}
	pool := make([]string, 0, len(source))
	for _, id := range normalizeIDs(source) {
		if _, excluded := skip[id]; excluded {
			continue
		}
		pool = append(pool, id)
	}
	return pool
}

func (l *Lottery) Draw(actor Actor, pool []string, now time.Time) error {
	if !actor.Facilitator {
		return ErrNotFacilitator
	}
	if l.Status == LotteryDrawn {
		return ErrAlreadyDrawn
	}
	pool = normalizeIDs(pool)
	if len(pool) == 0 {
		return ErrEmptyPool
	}
	l.Pool = pool
	l.Winners = DrawWinners(l.Seed, pool, l.WinnerCount)
	l.Status = LotteryDrawn
	drawnAt := now
	l.DrawnAt = &drawnAt
	return nil
}

// DrawWinners shuffles a copy of pool with a PCG source seeded from seed and returns
// the first count entries.
func DrawWinners(seed string, pool []string, count int) []string {
	shuffled := slices.Clone(pool)
	slices.Sort(shuffled)
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(seed))
	sum := hash.Sum64()
	rng := rand.New(rand.NewPCG(sum, sum^0x9e3779b97f4a7c15))
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	if count > len(shuffled) {
		count = len(shuffled)
	}
	if count < 0 {
		count = 0
	}
	return shuffled[:count]
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
