// Package transparencia adapts the Portal da Transparência API. Every call
// needs the chave-api-dados key; without it the source reports auth_required.
package transparencia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/Ayash-Bera/agregador/pkg/utils"
)

const (
	Name          = "transparencia"
	category      = "orgaos"
	searchPath    = "/api-de-dados/orgaos-siafi"
	KeyHeader     = "chave-api-dados"
	fixedPageSize = 15
	siteURL       = "https://portaldatransparencia.gov.br/orgaos/"
)

type orgao struct {
	Codigo      string `json:"codigo"`
	Descricao   string `json:"descricao"`
	CodigoLabel string `json:"codigoDescricaoFormatado"`
}

type Adapter struct {
	client *sources.Client
}

// New expects a client built with KeyHeader as its credential header.
func New(client *sources.Client) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Descriptor() models.SourceDescriptor { return a.client.Descriptor() }

// Query pages through órgãos whose description matches the query. The portal
// ignores any page size parameter, so the cursor pins its fixed size.
func (a *Adapter) Query(ctx context.Context, q models.Query, cursor string, _ int) (*sources.Page, error) {
	pc, err := sources.ParsePageCursor(cursor, fixedPageSize)
	if err != nil {
		return nil, sources.NewFailure(Name, models.StatusBadRequest, err)
	}

	params := url.Values{}
	params.Set("descricao", q.Text)
	params.Set("pagina", strconv.Itoa(pc.Page))

	var items []json.RawMessage
	if err := a.client.GetJSON(ctx, searchPath, params, &items); err != nil {
		return nil, err
	}

	page := &sources.Page{Total: -1}
	for _, raw := range items {
		var o orgao
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, sources.NewFailure(Name, models.StatusServerError, fmt.Errorf("failed to decode orgao: %w", err))
		}
		page.Results = append(page.Results, normalize(q, o, raw))
	}

	if len(items) < pc.Size {
		page.Exhausted = true
		page.Total = (pc.Page-1)*pc.Size + len(items)
	} else {
		page.NextCursor = pc.Next()
	}
	return page, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.GetJSON(ctx, searchPath, url.Values{"pagina": {"1"}}, nil)
}

func normalize(q models.Query, o orgao, raw json.RawMessage) models.NormalizedResult {
	title := o.Descricao
	if title == "" {
		title = o.CodigoLabel
	}
	return models.NormalizedResult{
		ID:          models.ResultID(Name, o.Codigo),
		Source:      Name,
		Category:    category,
		Title:       title,
		Description: utils.Snippet(o.CodigoLabel, utils.MaxDescriptionLength),
		Payload:     raw,
		URL:         siteURL + o.Codigo,
		Relevance:   utils.TextRelevance(q.Text, o.Descricao),
	}
}
