package export

import (
	"bytes"
	"html/template"
	"sort"
	"strconv"
	"strings"
	"time"

	"circles/api/internal/decision"
	"circles/api/internal/hierarchy"
	"circles/api/internal/store"
)

var decisionLogTemplate = template.Must(template.New("decisions").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"lower": strings.ToLower,
}).Parse(decisionLogHTML))

type TemplateData struct {
	OrgName     string
	GeneratedAt time.Time
	Scope       string
	Decisions   []TemplateDecision
}

type TemplateDecision struct {
	Title      string
	Summary    string
	TargetType string
	Team       string
	Author     string
	CreatedAt  time.Time
	Changes    []TemplateChange
}

type TemplateChange struct {
	Field  string
	Before string
	After  string
}

func RenderDecisionLogHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := decisionLogTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// buildTemplateData orders decisions oldest first and resolves member and team names.
func buildTemplateData(org store.Org, members []store.Member, teams []hierarchy.Team, records []decision.Record, req Request, now time.Time) TemplateData {
	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.ID] = m.DisplayName
	}
	teamNames := make(map[string]string, len(teams))
	for _, t := range teams {
		teamNames[t.ID] = t.Name
	}

	sorted := append([]decision.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := make([]TemplateDecision, 0, len(sorted))
	for _, rec := range sorted {
		if req.Since != nil && rec.CreatedAt.Before(*req.Since) {
			continue
		}
		item := TemplateDecision{
			Title:      rec.Title,
			Summary:    rec.Summary,
			TargetType: string(rec.TargetType),
			Team:       teamNames[rec.TeamID],
			Author:     firstNonEmpty(names[rec.MemberID], rec.MemberID),
			CreatedAt:  rec.CreatedAt,
		}
		for _, change := range rec.Diff {
			item.Changes = append(item.Changes, TemplateChange{
				Field:  change.Field,
				Before: displayValue(change.Before),
				After:  displayValue(change.After),
			})
		}
		out = append(out, item)
	}

	scope := "All teams"
	if req.TeamID != "" {
		scope = firstNonEmpty(teamNames[req.TeamID], req.TeamID)
	}
	return TemplateData{OrgName: org.Name, GeneratedAt: now, Scope: scope, Decisions: out}
}

// displayValue shows JSON strings unquoted and everything else as compact JSON.
func displayValue(raw []byte) string {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return "(none)"
	}
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		if unquoted, err := strconv.Unquote(value); err == nil {
			return unquoted
		}
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

const decisionLogHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.OrgName}} decision log</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #2f7d5b; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .decision { border-left: 3px solid #2f7d5b; padding: 0.5rem 1rem; margin: 1.5rem 0; page-break-inside: avoid; }
    .decision h2 { font-size: 1.1em; margin: 0 0 0.25rem; }
    .tag { display: inline-block; background: #eef5f1; border-radius: 3px; padding: 0 0.4rem; font-size: 0.8em; }
    table { border-collapse: collapse; width: 100%; font-size: 0.85em; margin-top: 0.5rem; }
    th, td { border: 1px solid #ddd; padding: 0.25rem 0.5rem; text-align: left; vertical-align: top; }
    th { background: #f5f5f5; }
  </style>
</head>
<body>
  <h1>{{.OrgName}} decision log</h1>
  <div class="meta">{{.Scope}} | generated {{formatDate .GeneratedAt "Jan 2, 2006 15:04 MST"}} | {{len .Decisions}} decisions</div>
  {{range .Decisions}}
  <div class="decision">
    <h2>{{.Title}}</h2>
    <div class="meta"><span class="tag">{{lower .TargetType}}</span>{{if .Team}} {{.Team}} |{{end}} {{.Author}} | {{formatDate .CreatedAt "Jan 2, 2006 15:04"}}</div>
    {{if .Summary}}<p>{{.Summary}}</p>{{end}}
    {{if .Changes}}
    <table>
      <tr><th>Field</th><th>Before</th><th>After</th></tr>
      {{range .Changes}}<tr><td>{{.Field}}</td><td>{{.Before}}</td><td>{{.After}}</td></tr>{{end}}
    </table>
    {{end}}
  </div>
  {{else}}
  <p>No decisions recorded.</p>
  {{end}}
</body>
</html>`
