// Package camara adapts the Câmara dos Deputados open data API (proposições).
// Pagination follows the opaque "next" links the API returns.
package camara

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/Ayash-Bera/agregador/pkg/utils"
)

const (
	Name     = "camara"
	category = "proposicoes"
	maxItems = 100
	siteURL  = "https://www.camara.leg.br/proposicoesWeb/fichadetramitacao?idProposicao="
)

type link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type proposicao struct {
	ID        int    `json:"id"`
	URI       string `json:"uri"`
	SiglaTipo string `json:"siglaTipo"`
	Numero    int    `json:"numero"`
	Ano       int    `json:"ano"`
	Ementa    string `json:"ementa"`
}

type listResponse struct {
	Dados []json.RawMessage `json:"dados"`
	Links []link            `json:"links"`
}

type Adapter struct {
	client *sources.Client
}

func New(client *sources.Client) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Descriptor() models.SourceDescriptor { return a.client.Descriptor() }

func (a *Adapter) Query(ctx context.Context, q models.Query, cursor string, size int) (*sources.Page, error) {
	target := cursor
	if target == "" {
		target = a.client.Endpoint("/proposicoes", firstPageParams(q, size))
	} else if !strings.HasPrefix(target, a.client.Descriptor().BaseURL) {
		return nil, sources.NewFailure(Name, models.StatusBadRequest, fmt.Errorf("cursor does not point at %s", a.client.Descriptor().BaseURL))
	}

	var resp listResponse
	if err := a.client.GetURL(ctx, target, &resp); err != nil {
		return nil, err
	}

	page := &sources.Page{Total: -1}
	for _, raw := range resp.Dados {
		var p proposicao
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, sources.NewFailure(Name, models.StatusServerError, fmt.Errorf("failed to decode proposicao: %w", err))
		}
		page.Results = append(page.Results, normalize(q, p, raw))
	}

	next := linkHref(resp.Links, "next")
	page.NextCursor = next
	page.Exhausted = next == ""
	page.Total = estimateTotal(resp.Links, len(resp.Dados))
	return page, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	var resp listResponse
	return a.client.GetJSON(ctx, "/proposicoes", url.Values{"itens": {"1"}}, &resp)
}

func firstPageParams(q models.Query, size int) url.Values {
	if size > maxItems {
		size = maxItems
	}
	params := url.Values{}
	params.Set("keywords", q.Text)
	params.Set("itens", strconv.Itoa(size))
	params.Set("ordem", "DESC")
	params.Set("ordenarPor", "id")
	if q.DateStart != nil {
		params.Set("dataInicio", q.DateStart.Format("2006-01-02"))
	}
	if q.DateEnd != nil {
		params.Set("dataFim", q.DateEnd.Format("2006-01-02"))
	}
	return params
}

func normalize(q models.Query, p proposicao, raw json.RawMessage) models.NormalizedResult {
	title := fmt.Sprintf("%s %d/%d", p.SiglaTipo, p.Numero, p.Ano)
	var ts time.Time
	if p.Ano > 0 {
		ts = time.Date(p.Ano, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return models.NormalizedResult{
		ID:          models.ResultID(Name, strconv.Itoa(p.ID)),
		Source:      Name,
		Category:    category,
		Title:       title,
		Description: utils.Snippet(p.Ementa, utils.MaxDescriptionLength),
		Payload:     raw,
		URL:         siteURL + strconv.Itoa(p.ID),
		Relevance:   utils.TextRelevance(q.Text, title+" "+p.Ementa),
		Timestamp:   ts,
	}
}

func linkHref(links []link, rel string) string {
	for _, l := range links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

// estimateTotal reads pagina and itens off the "last" link. The API reports
// the exact count only in a response header.
func estimateTotal(links []link, pageLen int) int {
	last := linkHref(links, "last")
	if last == "" {
		return -1
	}
	u, err := url.Parse(last)
	if err != nil {
		return -1
	}
	pages, err1 := strconv.Atoi(u.Query().Get("pagina"))
	items, err2 := strconv.Atoi(u.Query().Get("itens"))
	if err1 != nil || err2 != nil {
		return -1
	}
	if pages <= 1 {
		return pageLen
	}
	return pages * items
}
