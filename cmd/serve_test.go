//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/plantid/internal/config"
	"github.com/sells-group/plantid/internal/identify"
	"github.com/sells-group/plantid/internal/model"
	"github.com/sells-group/plantid/internal/provider"
)

func testConfig() *config.Config {
	p := config.ProviderConfig{
		Enabled:           true,
		BaseURL:           "http://127.0.0.1:0",
		APIKey:            "test",
		RPS:               100,
		FailThreshold:     1,
		ResetTimeout:      time.Minute,
		HalfOpenSuccesses: 1,
		CallTimeout:       time.Second,
	}
	c := &config.Config{}
	c.Log = config.LogConfig{Level: "info", Format: "json"}
	c.Server = config.ServerConfig{Port: 8080, MaxUploadMB: 1}
	c.Identify = config.IdentifyConfig{
		MaxResults:     10,
		RequestTimeout: 5 * time.Second,
		Priority:       []string{config.PlantNet, config.PlantID},
	}
	c.Cache = config.CacheConfig{Driver: "memory", TTL: time.Hour}
	c.Providers.PlantNet = p
	c.Providers.PlantID = p
	return c
}

func stub(id string, fn func() ([]model.Candidate, error)) provider.Client {
	return provider.Func{Name: id, Fn: func(context.Context, []byte, model.Options) ([]model.Candidate, error) {
		return fn()
	}}
}

func fixed(cands ...model.Candidate) func() ([]model.Candidate, error) {
	return func() ([]model.Candidate, error) { return cands, nil }
}

func newTestEnv(t *testing.T, clients ...provider.Client) *appEnv {
	t.Helper()
	cfg = testConfig()
	env, err := buildEnv(context.Background(), clients)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

func multipartBody(t *testing.T, image []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if image != nil {
		fw, err := mw.CreateFormFile("image", "leaf.jpg")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postIdentify(t *testing.T, h http.Handler, image []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, image, fields)
	req := httptest.NewRequest(http.MethodPost, "/v1/identify", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	env := newTestEnv(t,
		stub("plantnet", fixed()),
		stub("plantid", fixed()),
	)
	h := newRouter(env, 1<<20)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_IdentifySuccess(t *testing.T) {
	env := newTestEnv(t,
		stub("plantnet", fixed(model.Candidate{ScientificName: "Monstera deliciosa", Confidence: 0.9, SourceProviderID: "plantnet"})),
		stub("plantid", fixed(model.Candidate{ScientificName: "monstera  deliciosa", Confidence: 0.6, SourceProviderID: "plantid"})),
	)
	h := newRouter(env, 1<<20)

	rr := postIdentify(t, h, []byte("jpeg-bytes"), map[string]string{"organs": "leaf", "lang": "en"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		RequestID        string                         `json:"request_id"`
		Candidates       []model.Candidate              `json:"candidates"`
		Degraded         bool                           `json:"degraded"`
		ProviderStatuses map[string]model.CircuitStatus `json:"provider_statuses"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, rr.Header().Get("X-Request-ID"), resp.RequestID)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "Monstera deliciosa", resp.Candidates[0].ScientificName)
	assert.InDelta(t, 0.9, resp.Candidates[0].Confidence, 0.0001)
	assert.False(t, resp.Degraded)
	assert.Equal(t, model.CircuitClosed, resp.ProviderStatuses["plantid"])
}

func TestRouter_IdentifyKeepsInboundRequestID(t *testing.T) {
	env := newTestEnv(t,
		stub("plantnet", fixed(model.Candidate{ScientificName: "Ficus lyrata", Confidence: 0.7})),
		stub("plantid", fixed()),
	)
	h := newRouter(env, 1<<20)

	body, ct := multipartBody(t, []byte("img"), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/identify", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))
	assert.Contains(t, rr.Body.String(), `"request_id":"req-123"`)
}

func TestRouter_IdentifyValidation(t *testing.T) {
	env := newTestEnv(t, stub("plantnet", fixed()), stub("plantid", fixed()))
	h := newRouter(env, 1<<20)

	tests := []struct {
		name    string
		image   []byte
		fields  map[string]string
		wantMsg string
	}{
		{"missing image", nil, nil, "image is required"},
		{"empty image", []byte{}, nil, "image is empty"},
		{"bad include_diseases", []byte("img"), map[string]string{"include_diseases": "maybe"}, "include_diseases"},
		{"bad max_results", []byte("img"), map[string]string{"max_results": "-1"}, "max_results"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postIdentify(t, h, tt.image, tt.fields)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.wantMsg)
		})
	}
}

func TestRouter_IdentifyNotMultipart(t *testing.T) {
	env := newTestEnv(t, stub("plantnet", fixed()), stub("plantid", fixed()))
	h := newRouter(env, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/v1/identify", bytes.NewBufferString(`{"image":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_IdentifyTooLarge(t *testing.T) {
	env := newTestEnv(t, stub("plantnet", fixed()), stub("plantid", fixed()))
	h := newRouter(env, 512)

	rr := postIdentify(t, h, bytes.Repeat([]byte("x"), 4096), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestRouter_NoUsableResultThenUnavailable(t *testing.T) {
	boom := func() ([]model.Candidate, error) { return nil, errors.New("connection reset by peer") }
	env := newTestEnv(t, stub("plantnet", boom), stub("plantid", boom))
	h := newRouter(env, 1<<20)

	// Both providers fail: nothing usable, and fail_threshold=1 opens both.
	rr := postIdentify(t, h, []byte("img-1"), nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	rr = postIdentify(t, h, []byte("img-2"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "unavailable")
}

func TestRouter_Providers(t *testing.T) {
	env := newTestEnv(t, stub("plantnet", fixed()), stub("plantid", fixed()))
	h := newRouter(env, 1<<20)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Providers []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Providers, 2)
	assert.Equal(t, "plantnet", body.Providers[0].ID)
	assert.Equal(t, "closed", body.Providers[0].Status)
	assert.Equal(t, "plantid", body.Providers[1].ID)
}

func TestRouter_ResetProvider(t *testing.T) {
	boom := func() ([]model.Candidate, error) { return nil, errors.New("connection reset by peer") }
	env := newTestEnv(t,
		stub("plantnet", boom),
		stub("plantid", fixed(model.Candidate{ScientificName: "Ficus lyrata", Confidence: 0.7})),
	)
	h := newRouter(env, 1<<20)

	// fail_threshold=1: one failure opens plantnet.
	rr := postIdentify(t, h, []byte("img-1"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, model.CircuitOpen, env.Orchestrator.Statuses()["plantnet"].Status)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/providers/plantnet/reset", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "plantnet", body.ID)
	assert.Equal(t, "closed", body.Status)
	assert.Equal(t, model.CircuitClosed, env.Orchestrator.Statuses()["plantnet"].Status)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/providers/inaturalist/reset", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_Metrics(t *testing.T) {
	env := newTestEnv(t, stub("plantnet", fixed()), stub("plantid", fixed()))
	h := newRouter(env, 1<<20)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "plantid_breaker_state")
}

func TestRouter_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, stub("plantnet", fixed()), stub("plantid", fixed()))
	h := newRouter(env, 1<<20)

	req := httptest.NewRequest(http.MethodOptions, "/v1/identify", nil)
	req.Header.Set("Origin", "https://garden.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{identify.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{identify.ErrNoUsableResult, http.StatusBadGateway},
		{model.ErrEmptyImage, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestParseOptions(t *testing.T) {
	body, ct := multipartBody(t, []byte("img"), map[string]string{
		"project":          "weurope",
		"organs":           "leaf, flower",
		"include_diseases": "true",
		"lang":             "fr",
		"max_results":      "3",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/identify", body)
	req.Header.Set("Content-Type", ct)
	require.NoError(t, req.ParseMultipartForm(1<<20))

	opts, err := parseOptions(req)
	require.NoError(t, err)
	assert.Equal(t, "weurope", opts.Project)
	assert.Equal(t, []string{"leaf", "flower"}, opts.Organs)
	assert.True(t, opts.IncludeDiseases)
	assert.Equal(t, "fr", opts.Language)
	assert.Equal(t, 3, opts.MaxResults)
}
