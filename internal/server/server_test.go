package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/config"
	"docqa/internal/domain"
	"docqa/internal/logging"
	"docqa/internal/service"
)

const token = "secret-token"

type fakeRunner struct {
	got  service.Request
	resp *service.Response
	err  error
}

func (f *fakeRunner) Run(_ context.Context, req service.Request) (*service.Response, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	answers := make([]string, len(req.Questions))
	for i, q := range req.Questions {
		answers[i] = "answer to " + q
	}
	return &service.Response{Answers: answers}, nil
}

func newTestServer(t *testing.T, runner Runner, mutate func(*config.ServerConfig)) http.Handler {
	t.Helper()
	cfg := config.Default().Server
	cfg.BearerToken = token
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, runner, logging.Discard())
	require.NoError(t, err)
	return s.Handler()
}

func doRun(h http.Handler, body, query string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hackrx/run"+query, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	return e
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(config.Default().Server, &fakeRunner{}, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALLOWED_BEARER_TOKEN")
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &fakeRunner{}, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestRequestIDPropagated(t *testing.T) {
	h := newTestServer(t, &fakeRunner{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", rr.Header().Get("X-Request-ID"))
}

func TestRun_Unauthorized(t *testing.T) {
	h := newTestServer(t, &fakeRunner{}, nil)
	rr := doRun(h, `{"documents":"http://x/a.pdf","questions":["q"]}`, "", false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rr).Error)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hackrx/run", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRun_SingleDocumentString(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestServer(t, runner, nil)
	rr := doRun(h, `{"documents":"http://x/a.pdf","questions":["one","two"]}`, "", true)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"answers":["answer to one","answer to two"]}`, rr.Body.String())
	assert.Equal(t, []string{"http://x/a.pdf"}, runner.got.Documents)
	assert.False(t, runner.got.Debug)
}

func TestRun_DocumentListAndDebug(t *testing.T) {
	runner := &fakeRunner{resp: &service.Response{
		Answers: []string{"thirty days"},
		Traces: []service.Trace{{
			Answer:        "thirty days",
			Reasoning:     "clause 2",
			Confidence:    0.9,
			SourceClauses: []service.SourceClause{{ID: "abc_0000", Score: 0.8, Metadata: map[string]any{"page": 2}}},
		}},
		Collection: "idx_ignored",
	}}
	h := newTestServer(t, runner, nil)
	rr := doRun(h, `{"documents":["http://x/a.pdf","http://x/b.docx"],"questions":["grace?"]}`, "?debug=true", true)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, runner.got.Debug)
	assert.Equal(t, []string{"http://x/a.pdf", "http://x/b.docx"}, runner.got.Documents)
	assert.JSONEq(t, `{
		"answers": ["thirty days"],
		"traces": [{
			"answer": "thirty days",
			"reasoning": "clause 2",
			"confidence": 0.9,
			"source_clauses": [{"id": "abc_0000", "score": 0.8, "metadata": {"page": 2}}]
		}]
	}`, rr.Body.String())
}

func TestRun_MalformedBody(t *testing.T) {
	h := newTestServer(t, &fakeRunner{}, nil)
	for _, body := range []string{`{`, `{"documents": 3, "questions": ["q"]}`} {
		rr := doRun(h, body, "", true)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
		assert.Equal(t, "invalid_input", decodeError(t, rr).Error)
	}
}

func TestRun_BodyTooLarge(t *testing.T) {
	h := newTestServer(t, &fakeRunner{}, nil)
	body := `{"documents":"` + strings.Repeat("a", MaxBodyBytes) + `","questions":["q"]}`
	rr := doRun(h, body, "", true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestRun_ErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{domain.Errorf(domain.KindInvalidInput, "run", "at least one question is required"), http.StatusBadRequest, "invalid_input"},
		{domain.Errorf(domain.KindFetch, "fetch", "GET x: 404"), http.StatusBadGateway, "fetch"},
		{domain.Errorf(domain.KindParse, "ingest", "no extractable text"), http.StatusUnprocessableEntity, "parse"},
		{domain.Errorf(domain.KindEmbedding, "embed", "unavailable"), http.StatusServiceUnavailable, "embedding"},
		{domain.Errorf(domain.KindIndex, "flat", "row count mismatch"), http.StatusInternalServerError, "index"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		h := newTestServer(t, &fakeRunner{err: tc.err}, nil)
		rr := doRun(h, `{"documents":"http://x/a","questions":["q"]}`, "", true)
		assert.Equal(t, tc.status, rr.Code, tc.kind)
		e := decodeError(t, rr)
		assert.Equal(t, tc.kind, e.Error)
		assert.Equal(t, tc.status, e.Code)
		assert.NotEmpty(t, e.Message)
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, &fakeRunner{}, func(c *config.ServerConfig) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})
	codes := make([]int, 3)
	for i := range codes {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		codes[i] = rr.Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimitDisabled(t *testing.T) {
	h := newTestServer(t, &fakeRunner{}, nil)
	for i := 0; i < 20; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}
}

func TestStatusForKind_StoreUnavailable(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusForKind(domain.KindStoreUnavailable))
}
