// Package export renders the decision log as HTML or PDF.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case "", FormatPDF:
		return FormatPDF, true
	case FormatHTML:
		return FormatHTML, true
	default:
		return "", false
	}
}

// Request selects the decisions to export. Empty filters export the whole org log.
type Request struct {
	OrgID      string
	TeamID     string
	TargetType string
	MemberID   string
	Since      *time.Time
	Format     Format
	Limit      int
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat    = errors.New("unsupported export format")
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
