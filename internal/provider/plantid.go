package provider

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/plantid/internal/model"
	"github.com/sells-group/plantid/internal/resilience"
	"github.com/sells-group/plantid/pkg/plantid"
)

// PlantIDID is the provider ID used for Plant.id.
const PlantIDID = "plantid"

// PlantID adapts the Plant.id API client to Client.
type PlantID struct {
	client plantid.Client
}

// NewPlantID wraps a Plant.id client.
func NewPlantID(client plantid.Client) *PlantID {
	return &PlantID{client: client}
}

// ID implements Client.
func (p *PlantID) ID() string { return PlantIDID }

// Identify implements Client. Disease suggestions describe the photographed
// plant as a whole, so they are attached to every candidate.
func (p *PlantID) Identify(ctx context.Context, image []byte, opts model.Options) ([]model.Candidate, error) {
	resp, err := p.client.Identify(ctx, plantid.IdentifyRequest{
		Image:    image,
		Language: opts.Language,
		Health:   opts.IncludeDiseases,
	})
	if err != nil {
		return nil, err
	}

	var diseases []model.Disease
	if opts.IncludeDiseases && resp.Result.Disease != nil {
		for _, d := range resp.Result.Disease.Suggestions {
			diseases = append(diseases, model.Disease{Name: d.Name, Probability: clampConfidence(d.Probability)})
		}
	}

	suggestions := resp.Result.Classification.Suggestions
	if opts.MaxResults > 0 && len(suggestions) > opts.MaxResults {
		suggestions = suggestions[:opts.MaxResults]
	}

	out := make([]model.Candidate, 0, len(suggestions))
	for i, s := range suggestions {
		if s.Name == "" {
			return nil, eris.Wrapf(resilience.ErrMalformedResponse, "plantid: suggestion %d has no name", i)
		}
		c := model.Candidate{
			ScientificName:   s.Name,
			CommonNames:      s.Details.CommonNames,
			Confidence:       clampConfidence(s.Probability),
			SourceProviderID: PlantIDID,
		}
		if len(diseases) > 0 {
			c.Diseases = append([]model.Disease(nil), diseases...)
		}

		var tax model.Taxonomy
		if s.Details.Taxonomy != nil {
			tax.Family = s.Details.Taxonomy.Family
			tax.Genus = s.Details.Taxonomy.Genus
		}
		if s.Details.GBIFID != nil {
			tax.GBIFID = strconv.FormatInt(*s.Details.GBIFID, 10)
		}
		if tax != (model.Taxonomy{}) {
			c.Taxonomy = &tax
		}
		out = append(out, c)
	}
	return out, nil
}
