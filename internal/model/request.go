package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
)

// DefaultProject is the taxonomy project used when a request names none.
const DefaultProject = "all"

// ErrEmptyImage is returned when a request is built without image bytes.
var ErrEmptyImage = eris.New("model: image is empty")

// Options carries the caller's identification flags.
type Options struct {
	IncludeDiseases bool     `json:"include_diseases"`
	Project         string   `json:"project,omitempty"`  // taxonomy project, e.g. "all", "weurope"
	Organs          []string `json:"organs,omitempty"`   // leaf, flower, fruit, bark, auto
	Language        string   `json:"language,omitempty"` // ISO 639-1 for common names
	MaxResults      int      `json:"max_results,omitempty"`
}

// Normalize returns a copy with stable casing and ordering so that
// equivalent option sets fingerprint identically.
func (o Options) Normalize() Options {
	n := Options{
		IncludeDiseases: o.IncludeDiseases,
		Project:         strings.ToLower(strings.TrimSpace(o.Project)),
		Language:        strings.ToLower(strings.TrimSpace(o.Language)),
		MaxResults:      o.MaxResults,
	}
	if n.Project == "" {
		n.Project = DefaultProject
	}
	if n.MaxResults < 0 {
		n.MaxResults = 0
	}
	for _, organ := range o.Organs {
		organ = strings.ToLower(strings.TrimSpace(organ))
		if organ == "" {
			continue
		}
		n.Organs = append(n.Organs, organ)
	}
	slices.Sort(n.Organs)
	n.Organs = slices.Compact(n.Organs)
	return n
}

// Fingerprint is a deterministic rendering of the normalized options.
func (o Options) Fingerprint() string {
	n := o.Normalize()
	return fmt.Sprintf("diseases=%t|project=%s|organs=%s|lang=%s|max=%d",
		n.IncludeDiseases, n.Project, strings.Join(n.Organs, ","), n.Language, n.MaxResults)
}

// Request is a single identification call. Build it with NewRequest.
type Request struct {
	image       []byte
	contentHash string
	options     Options
}

// NewRequest copies the image, normalizes the options and derives the
// content hash used for caching and identity.
func NewRequest(image []byte, opts Options) (Request, error) {
	if len(image) == 0 {
		return Request{}, ErrEmptyImage
	}
	norm := opts.Normalize()
	return Request{
		image:       slices.Clone(image),
		contentHash: ContentHash(image, norm),
		options:     norm,
	}, nil
}

// ContentHash returns hex SHA-256 over the image bytes followed by the
// options fingerprint.
func ContentHash(image []byte, opts Options) string {
	h := sha256.New()
	h.Write(image)
	h.Write([]byte{0})
	h.Write([]byte(opts.Fingerprint()))
	return hex.EncodeToString(h.Sum(nil))
}

// Image returns the raw image bytes. Callers must not modify the slice.
func (r Request) Image() []byte { return r.image }

// ContentHash returns the request identity key.
func (r Request) ContentHash() string { return r.contentHash }

// Options returns a copy of the normalized options.
func (r Request) Options() Options {
	o := r.options
	o.Organs = slices.Clone(r.options.Organs)
	return o
}
