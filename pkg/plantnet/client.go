// Package plantnet is a client for the Pl@ntNet identification API (v2).
package plantnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://my-api.plantnet.org"
	defaultProject = "all"
	defaultOrgan   = "auto"
)

// ErrSpeciesNotFound is returned when the API answers 404 "Species not found".
var ErrSpeciesNotFound = eris.New("plantnet: species not found")

// Client identifies plant images against Pl@ntNet.
type Client interface {
	Identify(ctx context.Context, req IdentifyRequest) (*IdentifyResponse, error)
}

// IdentifyRequest describes one identification call.
type IdentifyRequest struct {
	Image     []byte
	Filename  string   // defaults to "image.jpg"
	Organs    []string // one organ per image; defaults to "auto"
	Project   string   // defaults to "all"
	Language  string
	NbResults int
	NoReject  bool
}

// IdentifyResponse is the JSON body returned by POST /v2/identify/{project}.
type IdentifyResponse struct {
	BestMatch                       string   `json:"bestMatch"`
	Language                        string   `json:"language"`
	PreferedReferential             string   `json:"preferedReferential"`
	Results                         []Result `json:"results"`
	Version                         string   `json:"version"`
	RemainingIdentificationRequests int      `json:"remainingIdentificationRequests"`
}

// Result is one scored species suggestion.
type Result struct {
	Score   float64 `json:"score"`
	Species Species `json:"species"`
	GBIF    *ExtID  `json:"gbif,omitempty"`
	POWO    *ExtID  `json:"powo,omitempty"`
}

// Species holds the taxon details of a suggestion.
type Species struct {
	ScientificNameWithoutAuthor string   `json:"scientificNameWithoutAuthor"`
	ScientificNameAuthorship    string   `json:"scientificNameAuthorship"`
	ScientificName              string   `json:"scientificName"`
	Genus                       Taxon    `json:"genus"`
	Family                      Taxon    `json:"family"`
	CommonNames                 []string `json:"commonNames"`
}

// Taxon is a named rank (genus, family).
type Taxon struct {
	ScientificNameWithoutAuthor string `json:"scientificNameWithoutAuthor"`
	ScientificName              string `json:"scientificName"`
}

// ExtID references an external taxonomy database entry.
type ExtID struct {
	ID string `json:"id"`
}

// APIError is returned for any non-2xx response other than 404.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("plantnet: unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second budget for this client.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Pl@ntNet API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Identify(ctx context.Context, req IdentifyRequest) (*IdentifyResponse, error) {
	if len(req.Image) == 0 {
		return nil, eris.New("plantnet: image is required")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "plantnet: rate limit")
		}
		return nil, eris.Wrapf(context.DeadlineExceeded, "plantnet: rate limit: %v", err)
	}

	body, contentType, err := encodeMultipart(req)
	if err != nil {
		return nil, err
	}

	project := req.Project
	if project == "" {
		project = defaultProject
	}
	params := url.Values{
		"api-key":                {c.apiKey},
		"include-related-images": {"false"},
		"no-reject":              {strconv.FormatBool(req.NoReject)},
	}
	if req.NbResults > 0 {
		params.Set("nb-results", strconv.Itoa(req.NbResults))
	}
	if req.Language != "" {
		params.Set("lang", req.Language)
	}
	reqURL := fmt.Sprintf("%s/v2/identify/%s?%s", c.baseURL, url.PathEscape(project), params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, eris.Wrap(err, "plantnet: create request")
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "plantnet: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "plantnet: read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrSpeciesNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, eris.Wrap(&APIError{StatusCode: resp.StatusCode, Body: truncate(respBody, 512)}, "plantnet: identify")
	}

	var result IdentifyResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "plantnet: unmarshal response")
	}
	return &result, nil
}

func encodeMultipart(req IdentifyRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := req.Filename
	if filename == "" {
		filename = "image.jpg"
	}
	part, err := w.CreateFormFile("images", filename)
	if err != nil {
		return nil, "", eris.Wrap(err, "plantnet: create form file")
	}
	if _, err := part.Write(req.Image); err != nil {
		return nil, "", eris.Wrap(err, "plantnet: write image")
	}

	// The API pairs organs with images positionally; one image means one organ.
	organ := defaultOrgan
	if len(req.Organs) > 0 && req.Organs[0] != "" {
		organ = req.Organs[0]
	}
	if err := w.WriteField("organs", organ); err != nil {
		return nil, "", eris.Wrap(err, "plantnet: write organs")
	}
	if err := w.Close(); err != nil {
		return nil, "", eris.Wrap(err, "plantnet: close multipart")
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
