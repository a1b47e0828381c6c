package parser

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"docqa/internal/domain"
)

// parsePDF emits one segment per page that carries visible text.
func parsePDF(data []byte) (segs []domain.Segment, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			segs = nil
			err = domain.Errorf(domain.KindParse, "parse.pdf", "malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, domain.Wrap(domain.KindParse, "parse.pdf", err)
	}
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		raw, err := page.GetPlainText(nil)
		if err != nil {
			return nil, domain.Wrap(domain.KindParse, "parse.pdf", fmt.Errorf("page %d: %w", i, err))
		}
		text := collapseSpace(raw)
		if text == "" {
			continue
		}
		segs = append(segs, domain.Segment{Text: text, Metadata: map[string]any{domain.MetaPage: i}})
	}
	return segs, nil
}
