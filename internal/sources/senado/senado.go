// Package senado adapts the Senado Federal open data API. The upstream has no
// search endpoint, so the current senator list is fetched and filtered here,
// and pagination is an offset into the filtered list.
package senado

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/Ayash-Bera/agregador/pkg/utils"
)

const (
	Name     = "senado"
	category = "parlamentares"
	listPath = "/senador/lista/atual.json"
)

type identificacao struct {
	CodigoParlamentar       string `json:"CodigoParlamentar"`
	NomeParlamentar         string `json:"NomeParlamentar"`
	NomeCompletoParlamentar string `json:"NomeCompletoParlamentar"`
	SiglaPartidoParlamentar string `json:"SiglaPartidoParlamentar"`
	UfParlamentar           string `json:"UfParlamentar"`
	UrlPaginaParlamentar    string `json:"UrlPaginaParlamentar"`
	EmailParlamentar        string `json:"EmailParlamentar"`
}

type parlamentar struct {
	Identificacao identificacao `json:"IdentificacaoParlamentar"`
	raw           json.RawMessage
}

// parlamentares accepts both a list and a single object, since the API
// collapses one-element lists.
type parlamentares []parlamentar

func (p *parlamentares) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		data = append(append([]byte{'['}, data...), ']')
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(parlamentares, 0, len(raws))
	for _, raw := range raws {
		var item parlamentar
		if err := json.Unmarshal(raw, &item); err != nil {
			return err
		}
		item.raw = raw
		out = append(out, item)
	}
	*p = out
	return nil
}

type listResponse struct {
	Lista struct {
		Parlamentares struct {
			Parlamentar parlamentares `json:"Parlamentar"`
		} `json:"Parlamentares"`
	} `json:"ListaParlamentarEmExercicio"`
}

type Adapter struct {
	client *sources.Client
}

func New(client *sources.Client) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Descriptor() models.SourceDescriptor { return a.client.Descriptor() }

func (a *Adapter) Query(ctx context.Context, q models.Query, cursor string, size int) (*sources.Page, error) {
	offset, err := sources.ParseOffset(cursor)
	if err != nil {
		return nil, sources.NewFailure(Name, models.StatusBadRequest, err)
	}

	var resp listResponse
	if err := a.client.GetJSON(ctx, listPath, nil, &resp); err != nil {
		return nil, err
	}

	var matches []models.NormalizedResult
	for _, p := range resp.Lista.Parlamentares.Parlamentar {
		r := normalize(q, p)
		if r.Relevance > 0 {
			matches = append(matches, r)
		}
	}
	// The upstream list order is not guaranteed; sort so offsets stay stable.
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	page := &sources.Page{Total: len(matches)}
	if offset >= len(matches) {
		page.Exhausted = true
		return page, nil
	}
	end := offset + size
	if end >= len(matches) {
		end = len(matches)
		page.Exhausted = true
	} else {
		page.NextCursor = fmt.Sprintf("%d", end)
	}
	page.Results = matches[offset:end]
	return page, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.GetJSON(ctx, listPath, nil, nil)
}

func normalize(q models.Query, p parlamentar) models.NormalizedResult {
	id := p.Identificacao
	title := id.NomeParlamentar
	if title == "" {
		title = id.NomeCompletoParlamentar
	}
	description := strings.TrimSpace(fmt.Sprintf("%s (%s-%s)", id.NomeCompletoParlamentar, id.SiglaPartidoParlamentar, id.UfParlamentar))
	searchable := strings.Join([]string{id.NomeParlamentar, id.NomeCompletoParlamentar, id.SiglaPartidoParlamentar, id.UfParlamentar}, " ")
	return models.NormalizedResult{
		ID:          models.ResultID(Name, id.CodigoParlamentar),
		Source:      Name,
		Category:    category,
		Title:       title,
		Description: utils.Snippet(description, utils.MaxDescriptionLength),
		Payload:     p.raw,
		URL:         id.UrlPaginaParlamentar,
		Relevance:   utils.TextRelevance(q.Text, searchable),
	}
}
