// Package parser converts raw document bytes into ordered text segments.
//
// Each supported format is a variant satisfying the same contract:
// bytes in, ordered (text, metadata) segments out. Selection is keyed by the
// extension hint produced by the fetcher. Any variant failure degrades to the
// plain-text variant.
package parser

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"docqa/internal/config"
	"docqa/internal/domain"
)

// Format identifies a parser variant.
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatDOCX  Format = "docx"
	FormatEmail Format = "email"
	FormatHTML  Format = "html"
	FormatText  Format = "text"
)

// DefaultDocxSegmentChars is the accumulated character count after which a DOCX segment is closed.
const DefaultDocxSegmentChars = 1500

// FormatForExt selects the variant for an extension hint such as ".pdf".
func FormatForExt(ext string) Format {
	switch strings.ToLower(strings.TrimSpace(ext)) {
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".eml", ".msg":
		return FormatEmail
	case ".html", ".htm":
		return FormatHTML
	default:
		return FormatText
	}
}

type variant func(data []byte) ([]domain.Segment, error)

// Parser dispatches to format variants.
type Parser struct {
	variants map[Format]variant
	logger   *log.Logger
}

// New creates a parser.
func New(cfg config.ParserConfig, logger *log.Logger) *Parser {
	threshold := cfg.DocxSegmentChars
	if threshold <= 0 {
		threshold = DefaultDocxSegmentChars
	}
	return &Parser{
		variants: map[Format]variant{
			FormatPDF:   parsePDF,
			FormatDOCX:  func(data []byte) ([]domain.Segment, error) { return parseDOCX(data, threshold) },
			FormatEmail: parseEmail,
			FormatHTML:  parseHTML,
			FormatText:  parseText,
		},
		logger: logger.With("component", "parser"),
	}
}

// Parse converts data using the variant selected by ext. A failing variant
// is logged and replaced by the plain-text variant.
func (p *Parser) Parse(data []byte, ext string) []domain.Segment {
	format := FormatForExt(ext)
	segs, err := p.ParseFormat(format, data)
	if err != nil {
		p.logger.Warn("parse degraded to plain text", "format", format, "err", err)
		segs, _ = parseText(data)
	}
	return segs
}

// ParseFormat runs a single variant without fallback.
func (p *Parser) ParseFormat(format Format, data []byte) ([]domain.Segment, error) {
	v, ok := p.variants[format]
	if !ok {
		return nil, domain.Errorf(domain.KindParse, "parse", "unsupported format %q", format)
	}
	return v(data)
}

func parseText(data []byte) ([]domain.Segment, error) {
	text := strings.TrimPrefix(decodeUTF8(data), "\ufeff")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []domain.Segment{{Text: text, Metadata: map[string]any{}}}, nil
}

// decodeUTF8 decodes data as UTF-8, skipping invalid bytes.
func decodeUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "")
}

// collapseSpace collapses internal whitespace runs to one space and trims the ends.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
