package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"docqa/internal/domain"
)

const docxBody = "word/document.xml"

// parseDOCX groups non-empty paragraphs into segments, closing a segment
// once its accumulated character count exceeds threshold.
func parseDOCX(data []byte, threshold int) ([]domain.Segment, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, domain.Wrap(domain.KindParse, "parse.docx", err)
	}
	paras, err := docxParagraphs(reader)
	if err != nil {
		return nil, err
	}

	var (
		segs  []domain.Segment
		curr  []string
		count int
	)
	for _, p := range paras {
		curr = append(curr, p)
		count += utf8.RuneCountInString(p)
		if count > threshold {
			segs = append(segs, domain.Segment{Text: strings.Join(curr, " "), Metadata: map[string]any{}})
			curr, count = nil, 0
		}
	}
	if len(curr) > 0 {
		segs = append(segs, domain.Segment{Text: strings.Join(curr, " "), Metadata: map[string]any{}})
	}
	return segs, nil
}

// docxParagraphs streams word/document.xml and returns the whitespace-collapsed
// text of each non-empty paragraph in document order.
func docxParagraphs(reader *zip.Reader) ([]string, error) {
	var body *zip.File
	for _, f := range reader.File {
		if f.Name == docxBody {
			body = f
			break
		}
	}
	if body == nil {
		return nil, domain.Errorf(domain.KindParse, "parse.docx", "missing %s", docxBody)
	}
	rc, err := body.Open()
	if err != nil {
		return nil, domain.Wrap(domain.KindParse, "parse.docx", err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		paras  []string
		buf    strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Wrap(domain.KindParse, "parse.docx", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				buf.Reset()
			case "t":
				inText = true
			case "tab", "br", "cr":
				buf.WriteByte(' ')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if text := collapseSpace(buf.String()); text != "" {
					paras = append(paras, text)
				}
				buf.Reset()
			}
		case xml.CharData:
			if inText {
				buf.Write(t)
			}
		}
	}
	return paras, nil
}
