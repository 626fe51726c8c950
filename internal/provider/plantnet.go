package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/plantid/internal/model"
	"github.com/sells-group/plantid/internal/resilience"
	"github.com/sells-group/plantid/pkg/plantnet"
)

// PlantNetID is the provider ID used for Pl@ntNet.
const PlantNetID = "plantnet"

// PlantNet adapts the Pl@ntNet API client to Client.
type PlantNet struct {
	client plantnet.Client
}

// NewPlantNet wraps a Pl@ntNet client.
func NewPlantNet(client plantnet.Client) *PlantNet {
	return &PlantNet{client: client}
}

// ID implements Client.
func (p *PlantNet) ID() string { return PlantNetID }

// Identify implements Client. Pl@ntNet has no health assessment, so
// IncludeDiseases is ignored.
func (p *PlantNet) Identify(ctx context.Context, image []byte, opts model.Options) ([]model.Candidate, error) {
	resp, err := p.client.Identify(ctx, plantnet.IdentifyRequest{
		Image:     image,
		Organs:    opts.Organs,
		Project:   opts.Project,
		Language:  opts.Language,
		NbResults: opts.MaxResults,
	})
	if err != nil {
		// 404 means the image was processed but nothing matched.
		if errors.Is(err, plantnet.ErrSpeciesNotFound) {
			return []model.Candidate{}, nil
		}
		return nil, err
	}

	out := make([]model.Candidate, 0, len(resp.Results))
	for i, r := range resp.Results {
		name := r.Species.ScientificNameWithoutAuthor
		if name == "" {
			name = r.Species.ScientificName
		}
		if name == "" {
			return nil, eris.Wrapf(resilience.ErrMalformedResponse, "plantnet: result %d has no species name", i)
		}

		c := model.Candidate{
			ScientificName:   name,
			CommonNames:      r.Species.CommonNames,
			Confidence:       clampConfidence(r.Score),
			SourceProviderID: PlantNetID,
		}
		family := r.Species.Family.ScientificNameWithoutAuthor
		genus := r.Species.Genus.ScientificNameWithoutAuthor
		var gbif string
		if r.GBIF != nil {
			gbif = r.GBIF.ID
		}
		if family != "" || genus != "" || gbif != "" {
			c.Taxonomy = &model.Taxonomy{Family: family, Genus: genus, GBIFID: gbif}
		}
		out = append(out, c)
	}
	return out, nil
}
