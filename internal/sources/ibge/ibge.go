// Package ibge adapts the IBGE news and releases search API.
package ibge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/Ayash-Bera/agregador/pkg/utils"
)

const (
	Name         = "ibge"
	category     = "noticias"
	searchPath   = "/v3/noticias/"
	dateLayout   = "02/01/2006 15:04:05"
	filterLayout = "01-02-2006"
	maxPageSize  = 100
)

var brasilia = time.FixedZone("BRT", -3*60*60)

type item struct {
	ID             int    `json:"id"`
	Tipo           string `json:"tipo"`
	Titulo         string `json:"titulo"`
	Introducao     string `json:"introducao"`
	DataPublicacao string `json:"data_publicacao"`
	Editorias      string `json:"editorias"`
	Link           string `json:"link"`
}

type searchResponse struct {
	Count      int               `json:"count"`
	Page       int               `json:"page"`
	TotalPages int               `json:"totalPages"`
	NextPage   int               `json:"nextPage"`
	Items      []json.RawMessage `json:"items"`
}

type Adapter struct {
	client *sources.Client
}

func New(client *sources.Client) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Descriptor() models.SourceDescriptor { return a.client.Descriptor() }

func (a *Adapter) Query(ctx context.Context, q models.Query, cursor string, size int) (*sources.Page, error) {
	if size > maxPageSize {
		size = maxPageSize
	}
	pc, err := sources.ParsePageCursor(cursor, size)
	if err != nil {
		return nil, sources.NewFailure(Name, models.StatusBadRequest, err)
	}

	params := url.Values{}
	params.Set("busca", q.Text)
	params.Set("page", strconv.Itoa(pc.Page))
	params.Set("qtd", strconv.Itoa(pc.Size))
	if q.DateStart != nil {
		params.Set("de", q.DateStart.Format(filterLayout))
	}
	if q.DateEnd != nil {
		params.Set("ate", q.DateEnd.Format(filterLayout))
	}

	var resp searchResponse
	if err := a.client.GetJSON(ctx, searchPath, params, &resp); err != nil {
		return nil, err
	}

	page := &sources.Page{Total: resp.Count}
	for _, raw := range resp.Items {
		var it item
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, sources.NewFailure(Name, models.StatusServerError, fmt.Errorf("failed to decode item: %w", err))
		}
		page.Results = append(page.Results, normalize(q, it, raw))
	}

	if len(resp.Items) == 0 || pc.Page >= resp.TotalPages {
		page.Exhausted = true
	} else {
		page.NextCursor = pc.Next()
	}
	return page, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.GetJSON(ctx, searchPath, url.Values{"qtd": {"1"}}, nil)
}

func normalize(q models.Query, it item, raw json.RawMessage) models.NormalizedResult {
	var ts time.Time
	if t, err := time.ParseInLocation(dateLayout, it.DataPublicacao, brasilia); err == nil {
		ts = t.UTC()
	}
	return models.NormalizedResult{
		ID:          models.ResultID(Name, strconv.Itoa(it.ID)),
		Source:      Name,
		Category:    category,
		Title:       utils.CleanText(it.Titulo),
		Description: utils.Snippet(it.Introducao, utils.MaxDescriptionLength),
		Payload:     raw,
		URL:         it.Link,
		Relevance:   utils.TextRelevance(q.Text, it.Titulo+" "+it.Introducao),
		Timestamp:   ts,
	}
}
