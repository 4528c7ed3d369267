package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the whole API is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs one UNION ALL over decisions, messages and policies ranked by ts_rank.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	countSQL, dataSQL, args := buildFTSQuery(q)
	if dataSQL == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.OrgID, &r.TeamID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func buildFTSQuery(q Query) (string, string, []any) {
	if strings.TrimSpace(q.Text) == "" || q.OrgID == "" {
		return "", "", nil
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.OrgID}
	teamFilter := ""
	if q.FilterTeamID != "" {
		args = append(args, q.FilterTeamID)
		teamFilter = " AND %s.team_id = $3"
	}
	where := func(alias string) string {
		clause := fmt.Sprintf("%s.fts @@ %s AND %s.org_id = $2", alias, tsQuery, alias)
		if teamFilter != "" {
			clause += fmt.Sprintf(teamFilter, alias)
		}
		return clause
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultDecision {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'decision'::text AS type, d.id, d.title,
				ts_headline('english', coalesce(d.summary, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.org_id, d.team_id,
				ts_rank(d.fts, %s) AS rank
			FROM decisions d
			WHERE %s`, tsQuery, tsQuery, where("d")))
	}
	if q.FilterType == "" || q.FilterType == ResultMessage {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, left(m.body, 80) AS title,
				ts_headline('english', coalesce(m.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.org_id, m.team_id,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			WHERE %s`, tsQuery, tsQuery, where("m")))
	}
	if q.FilterType == "" || q.FilterType == ResultPolicy {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'policy'::text AS type, p.id, p.title,
				ts_headline('english', coalesce(p.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.org_id, p.team_id,
				ts_rank(p.fts, %s) AS rank
			FROM policies p
			WHERE %s`, tsQuery, tsQuery, where("p")))
	}
	if len(subQueries) == 0 {
		return "", "", nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, org_id, team_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, normalizeLimit(q.Limit), max(q.Offset, 0))
	return countSQL, dataSQL, args
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DecisionRecord, []MessageRecord, []PolicyRecord, error) {
	decisions := make([]DecisionRecord, 0)
	err := p.scanAll(ctx, `SELECT id, org_id, team_id, target_type, title, summary FROM decisions`, func(rows *sql.Rows) error {
		var d DecisionRecord
		if err := rows.Scan(&d.ID, &d.OrgID, &d.TeamID, &d.TargetType, &d.Title, &d.Summary); err != nil {
			return err
		}
		decisions = append(decisions, d)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load decisions: %w", err)
	}

	messages := make([]MessageRecord, 0)
	err = p.scanAll(ctx, `SELECT id, org_id, team_id, channel_id, body FROM messages WHERE body <> ''`, func(rows *sql.Rows) error {
		var m MessageRecord
		if err := rows.Scan(&m.ID, &m.OrgID, &m.TeamID, &m.ChannelID, &m.Body); err != nil {
			return err
		}
		messages = append(messages, m)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load messages: %w", err)
	}

	policies := make([]PolicyRecord, 0)
	err = p.scanAll(ctx, `SELECT id, org_id, team_id, title, body FROM policies`, func(rows *sql.Rows) error {
		var pr PolicyRecord
		if err := rows.Scan(&pr.ID, &pr.OrgID, &pr.TeamID, &pr.Title, &pr.Body); err != nil {
			return err
		}
		policies = append(policies, pr)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load policies: %w", err)
	}

	return decisions, messages, policies, nil
}

func (p *PgFTS) scanAll(ctx context.Context, query string, scan func(*sql.Rows) error) error {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
