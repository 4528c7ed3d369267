package export

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"circles/api/internal/decision"
	"circles/api/internal/hierarchy"
	"circles/api/internal/store"
)

type fakeSource struct {
	decisions []decision.Record
	filter    store.DecisionFilter
}

func (f *fakeSource) GetOrg(context.Context, string) (store.Org, error) {
	return store.Org{ID: "org-1", Name: "Acme Coop", Slug: "acme"}, nil
}

func (f *fakeSource) ListMembers(context.Context, string) ([]store.Member, error) {
	return []store.Member{{ID: "mem-1", DisplayName: "Avery"}}, nil
}

func (f *fakeSource) ListTeams(context.Context, string) ([]hierarchy.Team, error) {
	return []hierarchy.Team{{ID: "team-1", Name: "Finance"}}, nil
}

func (f *fakeSource) ListDecisions(_ context.Context, filter store.DecisionFilter) ([]decision.Record, error) {
	f.filter = filter
	return f.decisions, nil
}

type fakePrinter struct {
	html string
	err  error
}

func (p *fakePrinter) PrintPDF(_ context.Context, html string) ([]byte, error) {
	p.html = html
	return []byte("%PDF-1.7"), p.err
}

func sampleDecisions() []decision.Record {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return []decision.Record{
		{
			ID: "dec-2", OrgID: "org-1", TeamID: "team-1", MemberID: "mem-1",
			TargetType: decision.TargetRole, TargetID: "role-1", Title: "Treasurer renamed",
			Diff:      decision.Changes{{Field: "title", Before: json.RawMessage(`"Treasurer"`), After: json.RawMessage(`"Finance lead"`)}},
			CreatedAt: base.Add(time.Hour),
		},
		{
			ID: "dec-1", OrgID: "org-1", TeamID: "team-1", MemberID: "mem-9",
			TargetType: decision.TargetTeam, TargetID: "team-1", Title: "Finance created",
			Diff:      decision.Changes{{Field: "name", After: json.RawMessage(`"Finance"`)}},
			CreatedAt: base,
		},
	}
}

func TestExportHTMLOrdersAndResolvesNames(t *testing.T) {
	source := &fakeSource{decisions: sampleDecisions()}
	svc := NewService(source, nil)

	result, err := svc.Export(context.Background(), Request{OrgID: "org-1", TeamID: "team-1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	html := string(result.Data)
	if result.Filename != "acme-decisions.html" {
		t.Errorf("unexpected filename %q", result.Filename)
	}
	if source.filter.TeamID != "team-1" || source.filter.Limit != maxExportDecisions {
		t.Errorf("unexpected filter %+v", source.filter)
	}
	first := strings.Index(html, "Finance created")
	second := strings.Index(html, "Treasurer renamed")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("decisions should be listed oldest first")
	}
	for _, want := range []string{"Acme Coop decision log", "Avery", "mem-9", "Finance lead", "(none)"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q", want)
		}
	}
}

func TestExportPDFUsesPrinter(t *testing.T) {
	printer := &fakePrinter{}
	svc := NewService(&fakeSource{decisions: sampleDecisions()}, printer)

	result, err := svc.Export(context.Background(), Request{OrgID: "org-1", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.MimeType != "application/pdf" || !strings.HasPrefix(string(result.Data), "%PDF") {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(printer.html, "All teams") {
		t.Error("printer should receive rendered html")
	}
}

func TestExportErrors(t *testing.T) {
	svc := NewService(&fakeSource{}, nil)
	if _, err := svc.Export(context.Background(), Request{OrgID: "org-1", Format: "docx"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := svc.Export(context.Background(), Request{OrgID: "org-1", Format: FormatPDF}); !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("expected ErrPDFDependencyMissing, got %v", err)
	}
}

func TestExportSinceFilter(t *testing.T) {
	since := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	svc := NewService(&fakeSource{decisions: sampleDecisions()}, nil)
	result, err := svc.Export(context.Background(), Request{OrgID: "org-1", Format: FormatHTML, Since: &since})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(result.Data), "Finance created") {
		t.Fatal("decisions before since must be skipped")
	}
}

func TestRenderEscapesUserContent(t *testing.T) {
	html, err := RenderDecisionLogHTML(TemplateData{
		OrgName:   "Acme",
		Decisions: []TemplateDecision{{Title: "<script>alert(1)</script>", TargetType: "team"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Fatal("titles must be escaped")
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("a b+<é>")
	if got != "a%20b%2B%3C%C3%A9%3E" {
		t.Fatalf("percentEncodeForDataURL() = %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"Acme Coop-decisions": "acme-coop-decisions",
		"???":                 "decisions",
		"":                    "decisions",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, ok := ParseFormat(""); !ok || f != FormatPDF {
		t.Fatalf("empty format should default to pdf, got %q", f)
	}
	if _, ok := ParseFormat("docx"); ok {
		t.Fatal("docx is not supported")
	}
}
