package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDecision ResultType = "decision"
	ResultMessage  ResultType = "message"
	ResultPolicy   ResultType = "policy"
)

func ParseResultType(value string) (ResultType, bool) {
	switch ResultType(value) {
	case "", ResultDecision, ResultMessage, ResultPolicy:
		return ResultType(value), true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	OrgID   string     `json:"orgId"`
	TeamID  string     `json:"teamId,omitempty"`
}

// Query describes a search request. OrgID is always applied as a filter.
type Query struct {
	Text         string
	OrgID        string
	FilterType   ResultType // empty = all types
	FilterTeamID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDecisions(items []DecisionRecord) error
	IndexMessages(items []MessageRecord) error
	IndexPolicies(items []PolicyRecord) error
	DeleteMessage(id string) error
}

// DecisionRecord is the data indexed for a decision log entry.
type DecisionRecord struct {
	ID         string `json:"id"`
	OrgID      string `json:"orgId"`
	TeamID     string `json:"teamId"`
	TargetType string `json:"targetType"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
}

// MessageRecord is the data indexed for a channel message.
type MessageRecord struct {
	ID        string `json:"id"`
	OrgID     string `json:"orgId"`
	TeamID    string `json:"teamId"`
	ChannelID string `json:"channelId"`
	Body      string `json:"body"`
}

// PolicyRecord is the data indexed for a policy document.
type PolicyRecord struct {
	ID     string `json:"id"`
	OrgID  string `json:"orgId"`
	TeamID string `json:"teamId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

const defaultLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > 100 {
		return 100
	}
	return limit
}
