// Package fetcher retrieves raw document bytes over HTTP.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"docqa/internal/config"
	"docqa/internal/domain"
)

// DefaultTimeout bounds a single document retrieval.
const DefaultTimeout = 45 * time.Second

const userAgent = "docqa-fetcher/1.0"

// mimeExtensions maps declared content types to file-extension hints.
var mimeExtensions = map[string]string{
	"application/pdf": ".pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"message/rfc822":             ".eml",
	"application/vnd.ms-outlook": ".msg",
	"text/plain":                 ".txt",
	"text/html":                  ".html",
	"application/xhtml+xml":      ".html",
	"text/markdown":              ".md",
	"text/csv":                   ".csv",
	"application/json":           ".json",
}

// Document is the result of a successful fetch.
type Document struct {
	URL         string
	Data        []byte
	ContentType string
	Ext         string
}

// Fetcher downloads documents with a hard timeout.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a fetcher from configuration.
func New(cfg config.FetcherConfig) *Fetcher {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: cfg.MaxBytes,
	}
}

// NewWithClient creates a fetcher that uses the supplied client.
func NewWithClient(client *http.Client, maxBytes int64) *Fetcher {
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch retrieves rawURL and determines its extension hint.
// Failures are returned as domain errors of kind fetch.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, domain.Errorf(domain.KindFetch, "fetch", "unsupported url %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindFetch, "fetch", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return nil, domain.Errorf(domain.KindFetch, "fetch", "timeout fetching %s", rawURL)
		}
		return nil, domain.Wrap(domain.KindFetch, "fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.Errorf(domain.KindFetch, "fetch", "GET %s: %s", rawURL, resp.Status)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, domain.Wrap(domain.KindFetch, "fetch", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, domain.Errorf(domain.KindFetch, "fetch", "%s exceeds %d bytes", rawURL, f.maxBytes)
	}

	ct := resp.Header.Get("Content-Type")
	return &Document{
		URL:         rawURL,
		Data:        data,
		ContentType: ct,
		Ext:         DetectExt(ct, rawURL),
	}, nil
}

// DetectExt returns the extension hint for a response: the declared content
// type wins when recognised, otherwise the URL path suffix is used.
func DetectExt(contentType, rawURL string) string {
	if ext := ExtFromContentType(contentType); ext != "" {
		return ext
	}
	return ExtFromURL(rawURL)
}

// ExtFromContentType maps a Content-Type header value to an extension, or "".
func ExtFromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return mimeExtensions[strings.ToLower(mediaType)]
}

// ExtFromURL returns the lower-cased path suffix of rawURL, ignoring the query.
func ExtFromURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.ToLower(path.Ext(p))
}

// String implements fmt.Stringer for log output.
func (d *Document) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", d.URL, d.Ext, len(d.Data))
}
