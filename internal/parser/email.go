package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"docqa/internal/domain"
)

var (
	tagRe         = regexp.MustCompile(`<[^>]+>`)
	scriptBlockRe = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	styleBlockRe  = regexp.MustCompile(`(?is)<style\b.*?</style>`)
)

// parseEmail concatenates every decoded text/plain and text/html part into one segment.
func parseEmail(data []byte) ([]domain.Segment, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, domain.Wrap(domain.KindParse, "parse.email", err)
	}

	ct := msg.Header.Get("Content-Type")
	cte := msg.Header.Get("Content-Transfer-Encoding")
	var texts []string
	mediaType, params, err := mime.ParseMediaType(ct)
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		texts = walkMultipart(msg.Body, params["boundary"])
	} else {
		// Non-multipart bodies are decoded directly, whatever their declared type.
		payload, _ := io.ReadAll(msg.Body)
		texts = []string{collapseSpace(stripTags(decodePart(payload, cte, params["charset"])))}
	}

	joined := collapseSpace(strings.Join(texts, " "))
	if joined == "" {
		return nil, nil
	}
	return []domain.Segment{{Text: joined, Metadata: map[string]any{}}}, nil
}

func walkMultipart(r io.Reader, boundary string) []string {
	if boundary == "" {
		return nil
	}
	mr := multipart.NewReader(r, boundary)
	var texts []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}
		switch {
		case strings.HasPrefix(mediaType, "multipart/"):
			texts = append(texts, walkMultipart(part, params["boundary"])...)
		case mediaType == "text/plain" || mediaType == "text/html":
			payload, readErr := io.ReadAll(part)
			if readErr != nil {
				continue
			}
			// multipart.Reader already removed quoted-printable encoding.
			txt := decodePart(payload, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
			if mediaType == "text/html" {
				txt = stripTags(txt)
			}
			if txt = collapseSpace(txt); txt != "" {
				texts = append(texts, txt)
			}
		}
		_ = part.Close()
	}
	return texts
}

// decodePart undoes the transfer encoding and converts the charset to UTF-8.
// Decoding failures fall back to permissive UTF-8 with invalid bytes skipped.
func decodePart(payload []byte, transferEncoding, charset string) string {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		cleaned := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, string(payload))
		if decoded, err := base64.StdEncoding.DecodeString(cleaned); err == nil {
			payload = decoded
		}
	case "quoted-printable":
		if decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(payload))); err == nil {
			payload = decoded
		}
	}
	cs := strings.ToLower(strings.TrimSpace(charset))
	if cs != "" && cs != "utf-8" && cs != "us-ascii" {
		if enc, err := htmlindex.Get(cs); err == nil {
			if decoded, err := enc.NewDecoder().Bytes(payload); err == nil {
				return decodeUTF8(decoded)
			}
		}
	}
	return decodeUTF8(payload)
}

// stripTags removes markup with simple tag removal.
func stripTags(s string) string {
	s = scriptBlockRe.ReplaceAllString(s, " ")
	s = styleBlockRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	return html.UnescapeString(s)
}

func parseHTML(data []byte) ([]domain.Segment, error) {
	text := collapseSpace(stripTags(decodeUTF8(data)))
	if text == "" {
		return nil, nil
	}
	return []domain.Segment{{Text: text, Metadata: map[string]any{}}}, nil
}
