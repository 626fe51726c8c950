package model

import (
	"slices"
	"time"
)

// Taxonomy holds optional classification metadata for a candidate.
type Taxonomy struct {
	Family string `json:"family,omitempty"`
	Genus  string `json:"genus,omitempty"`
	GBIFID string `json:"gbif_id,omitempty"`
}

// Disease is a health-assessment suggestion attached to a candidate.
type Disease struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
}

// Candidate is one species guess from one provider.
type Candidate struct {
	ScientificName   string    `json:"scientific_name"`
	CommonNames      []string  `json:"common_names,omitempty"`
	Confidence       float64   `json:"confidence"` // 0.0-1.0
	SourceProviderID string    `json:"source_provider_id"`
	Taxonomy         *Taxonomy `json:"taxonomy,omitempty"`
	Diseases         []Disease `json:"diseases,omitempty"`
}

// Clone returns a deep copy so merged results never alias provider data.
func (c Candidate) Clone() Candidate {
	out := c
	out.CommonNames = slices.Clone(c.CommonNames)
	out.Diseases = slices.Clone(c.Diseases)
	if c.Taxonomy != nil {
		t := *c.Taxonomy
		out.Taxonomy = &t
	}
	return out
}

// OutcomeKind tags a ProviderResult.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ProviderResult is the outcome of one dispatched call.
type ProviderResult struct {
	ProviderID string
	Outcome    OutcomeKind
	Candidates []Candidate // set on success
	Err        error       // failure kind or skip reason
	Latency    time.Duration
}

// Succeeded builds a success outcome.
func Succeeded(providerID string, candidates []Candidate, latency time.Duration) ProviderResult {
	return ProviderResult{ProviderID: providerID, Outcome: OutcomeSuccess, Candidates: candidates, Latency: latency}
}

// Failed builds a failure outcome.
func Failed(providerID string, err error, latency time.Duration) ProviderResult {
	return ProviderResult{ProviderID: providerID, Outcome: OutcomeFailure, Err: err, Latency: latency}
}

// Skipped builds an outcome for a call that was never attempted.
func Skipped(providerID string, reason error) ProviderResult {
	return ProviderResult{ProviderID: providerID, Outcome: OutcomeSkipped, Err: reason}
}

// CombinedResult is the ranked response returned to callers and cached.
type CombinedResult struct {
	Candidates       []Candidate              `json:"candidates"`
	Degraded         bool                     `json:"degraded"`
	ProviderStatuses map[string]CircuitStatus `json:"provider_statuses"`
	Contributors     []string                 `json:"contributors,omitempty"`
	ContentHash      string                   `json:"content_hash"`
	CreatedAt        time.Time                `json:"created_at"`
}

// Clone returns a deep copy.
func (r CombinedResult) Clone() CombinedResult {
	out := r
	if r.Candidates != nil {
		out.Candidates = make([]Candidate, len(r.Candidates))
		for i, c := range r.Candidates {
			out.Candidates[i] = c.Clone()
		}
	}
	out.Contributors = slices.Clone(r.Contributors)
	if r.ProviderStatuses != nil {
		out.ProviderStatuses = make(map[string]CircuitStatus, len(r.ProviderStatuses))
		for k, v := range r.ProviderStatuses {
			out.ProviderStatuses[k] = v
		}
	}
	return out
}

// Top returns the best candidate, or false when there is none.
func (r *CombinedResult) Top() (Candidate, bool) {
	if r == nil || len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// CacheEntry is a stored CombinedResult with its expiry.
type CacheEntry struct {
	Key       string         `json:"key"`
	Value     CombinedResult `json:"value"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Expired reports whether the entry is no longer valid at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
