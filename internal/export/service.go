package export

import (
	"context"
	"fmt"
	"time"

	"circles/api/internal/decision"
	"circles/api/internal/hierarchy"
	"circles/api/internal/store"
)

type DataSource interface {
	GetOrg(ctx context.Context, orgID string) (store.Org, error)
	ListMembers(ctx context.Context, orgID string) ([]store.Member, error)
	ListTeams(ctx context.Context, orgID string) ([]hierarchy.Team, error)
	ListDecisions(ctx context.Context, filter store.DecisionFilter) ([]decision.Record, error)
}

// Printer turns a rendered HTML page into a PDF.
type Printer interface {
	PrintPDF(ctx context.Context, html string) ([]byte, error)
}

const maxExportDecisions = 5000

type Service struct {
	source  DataSource
	printer Printer
	now     func() time.Time
}

func NewService(source DataSource, printer Printer) *Service {
	return &Service{source: source, printer: printer, now: time.Now}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	format, ok := ParseFormat(string(req.Format))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	org, err := s.source.GetOrg(ctx, req.OrgID)
	if err != nil {
		return nil, fmt.Errorf("get org: %w", err)
	}
	members, err := s.source.ListMembers(ctx, req.OrgID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	teams, err := s.source.ListTeams(ctx, req.OrgID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}

	limit := req.Limit
	if limit <= 0 || limit > maxExportDecisions {
		limit = maxExportDecisions
	}
	records, err := s.source.ListDecisions(ctx, store.DecisionFilter{
		OrgID:      req.OrgID,
		TeamID:     req.TeamID,
		TargetType: req.TargetType,
		MemberID:   req.MemberID,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}

	data := buildTemplateData(org, members, teams, records, req, s.now().UTC())
	html, err := RenderDecisionLogHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := sanitizeFilename(org.Slug + "-decisions")
	if format == FormatHTML {
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}
	if s.printer == nil {
		return nil, ErrPDFDependencyMissing
	}
	pdf, err := s.printer.PrintPDF(ctx, html)
	if err != nil {
		return nil, err
	}
	return &Result{Data: pdf, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
}
