// Package combine merges per-provider candidate lists into one ranked list.
package combine

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/plantid/internal/model"
)

// ErrNoUsableResult means no successful provider produced a candidate.
var ErrNoUsableResult = eris.New("no usable identification result")

// DefaultMaxResults caps the merged list when no limit is configured.
const DefaultMaxResults = 10

// Combiner ranks merged candidates. Provider priority breaks confidence ties.
type Combiner struct {
	rank       map[string]int
	maxResults int
}

// New creates a Combiner. priority lists provider IDs best-first; providers
// not listed rank after all listed ones.
func New(priority []string, maxResults int) *Combiner {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	rank := make(map[string]int, len(priority))
	for i, id := range priority {
		if _, dup := rank[id]; !dup {
			rank[id] = i
		}
	}
	return &Combiner{rank: rank, maxResults: maxResults}
}

type group struct {
	best  model.Candidate
	names []string
	seen  map[string]bool
}

// Combine merges candidates from Success outcomes. Candidates naming the same
// species (case and whitespace insensitive) collapse into the most confident
// one; common names from the others are appended after its own. limit, when
// positive and smaller than the configured maximum, truncates further.
// It returns the ranked candidates and the providers that contributed at
// least one of them, in priority order.
func (c *Combiner) Combine(results []model.ProviderResult, limit int) ([]model.Candidate, []string, error) {
	groups := make(map[string]*group)
	var keys []string
	fold := cases.Fold() // a Caser is not safe for concurrent use

	for _, r := range results {
		if r.Outcome != model.OutcomeSuccess {
			continue
		}
		for _, cand := range r.Candidates {
			if cand.SourceProviderID == "" {
				cand.SourceProviderID = r.ProviderID
			}
			key := normalize(fold, cand.ScientificName)
			if key == "" {
				continue
			}
			g, ok := groups[key]
			if !ok {
				g = &group{best: cand.Clone(), seen: make(map[string]bool)}
				groups[key] = g
				keys = append(keys, key)
				g.addNames(cand.CommonNames)
				continue
			}
			if c.better(cand, g.best) {
				// The new winner's names go first.
				prev := g.names
				g.best = cand.Clone()
				g.names, g.seen = nil, make(map[string]bool)
				g.addNames(cand.CommonNames)
				g.addNames(prev)
			} else {
				g.addNames(cand.CommonNames)
			}
		}
	}

	if len(groups) == 0 {
		return nil, nil, ErrNoUsableResult
	}

	out := make([]model.Candidate, 0, len(groups))
	for _, k := range keys {
		g := groups[k]
		g.best.CommonNames = g.names
		out = append(out, g.best)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return c.better(out[i], out[j])
	})

	n := c.maxResults
	if limit > 0 && limit < n {
		n = limit
	}
	if len(out) > n {
		out = out[:n]
	}

	return out, c.contributors(out), nil
}

// better reports whether a outranks b: higher confidence, then provider
// priority, then name.
func (c *Combiner) better(a, b model.Candidate) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	ra, rb := c.priority(a.SourceProviderID), c.priority(b.SourceProviderID)
	if ra != rb {
		return ra < rb
	}
	return a.ScientificName < b.ScientificName
}

func (c *Combiner) priority(id string) int {
	if r, ok := c.rank[id]; ok {
		return r
	}
	return len(c.rank)
}

func (c *Combiner) contributors(cands []model.Candidate) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, cand := range cands {
		if !seen[cand.SourceProviderID] {
			seen[cand.SourceProviderID] = true
			ids = append(ids, cand.SourceProviderID)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ri, rj := c.priority(ids[i]), c.priority(ids[j])
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func normalize(fold cases.Caser, name string) string {
	return fold.String(strings.Join(strings.Fields(name), " "))
}

func (g *group) addNames(names []string) {
	for _, n := range names {
		n = strings.TrimSpace(n)
		k := strings.ToLower(n)
		if n == "" || g.seen[k] {
			continue
		}
		g.seen[k] = true
		g.names = append(g.names, n)
	}
}
