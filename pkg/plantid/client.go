// Package plantid is a client for the Plant.id identification API (v3).
package plantid

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://plant.id"
	defaultDetails = "common_names,taxonomy,gbif_id"
)

// Client identifies plant images against Plant.id.
type Client interface {
	Identify(ctx context.Context, req IdentifyRequest) (*IdentifyResponse, error)
}

// IdentifyRequest describes one identification call.
type IdentifyRequest struct {
	Image         []byte
	MediaType     string // defaults to "image/jpeg"
	Language      string
	Health        bool // also run disease assessment
	SimilarImages bool
}

// IdentifyResponse is the JSON body returned by POST /api/v3/identification.
type IdentifyResponse struct {
	AccessToken string `json:"access_token"`
	Status      string `json:"status"`
	Result      Result `json:"result"`
}

// Result groups the classification and health sections.
type Result struct {
	IsPlant        *Binary        `json:"is_plant,omitempty"`
	Classification Classification `json:"classification"`
	Disease        *Disease       `json:"disease,omitempty"`
	IsHealthy      *Binary        `json:"is_healthy,omitempty"`
}

// Binary is a yes/no prediction with its probability.
type Binary struct {
	Binary      bool    `json:"binary"`
	Probability float64 `json:"probability"`
	Threshold   float64 `json:"threshold"`
}

// Classification lists species suggestions.
type Classification struct {
	Suggestions []Suggestion `json:"suggestions"`
}

// Disease lists health assessment suggestions.
type Disease struct {
	Suggestions []DiseaseSuggestion `json:"suggestions"`
}

// Suggestion is a candidate species.
type Suggestion struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	Details     Details `json:"details"`
}

// Details is populated according to the "details" query parameter.
type Details struct {
	CommonNames []string  `json:"common_names"`
	Taxonomy    *Taxonomy `json:"taxonomy,omitempty"`
	GBIFID      *int64    `json:"gbif_id,omitempty"`
	Language    string    `json:"language"`
}

// Taxonomy holds higher ranks for a suggestion.
type Taxonomy struct {
	Kingdom string `json:"kingdom"`
	Phylum  string `json:"phylum"`
	Class   string `json:"class"`
	Order   string `json:"order"`
	Family  string `json:"family"`
	Genus   string `json:"genus"`
}

// DiseaseSuggestion is one detected health issue.
type DiseaseSuggestion struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("plantid: unexpected status %d: %s", e.StatusCode, e.Body)
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

// NewClient creates a Plant.id API client.
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
		limiter: rate.NewLimiter(2, 2),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type identifyBody struct {
	Images        []string `json:"images"`
	SimilarImages bool     `json:"similar_images"`
	Health        string   `json:"health,omitempty"`
}

func (c *httpClient) Identify(ctx context.Context, req IdentifyRequest) (*IdentifyResponse, error) {
	if len(req.Image) == 0 {
		return nil, eris.New("plantid: image is required")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "plantid: rate limit")
		}
		return nil, eris.Wrapf(context.DeadlineExceeded, "plantid: rate limit: %v", err)
	}

	mediaType := req.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	body := identifyBody{
		Images:        []string{"data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(req.Image)},
		SimilarImages: req.SimilarImages,
	}
	if req.Health {
		body.Health = "all"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "plantid: marshal request")
	}

	params := url.Values{"details": {defaultDetails}}
	if req.Language != "" {
		params.Set("language", req.Language)
	}
	reqURL := c.baseURL + "/api/v3/identification?" + params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "plantid: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Api-Key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "plantid: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "plantid: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, eris.Wrap(&APIError{StatusCode: resp.StatusCode, Body: truncate(respBody, 512)}, "plantid: identify")
	}

	var result IdentifyResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "plantid: unmarshal response")
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
