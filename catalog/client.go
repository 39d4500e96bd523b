package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	c "github.com/patrickmn/go-cache"

	"github.com/offerpipe/offerpipe/config"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"go.uber.org/zap"
)

// Query is one candidate search against the product catalog.
type Query struct {
	Name     string
	AltNames []string
	Keywords []string
	Limit    int
}

type Client interface {
	Search(ctx context.Context, query Query) ([]model.CandidateProduct, error)
}

var _ Client = new(HttpClient)

// HttpClient queries the catalog search service. Results are cached with
// a short TTL: sibling items of one flyer frequently search near-identical
// names.
type HttpClient struct {
	conf   config.CatalogConfig
	client *http.Client
	cache  *c.Cache
}

func NewHttpClient(conf config.CatalogConfig) *HttpClient {
	return &HttpClient{
		conf:   conf,
		client: &http.Client{},
		cache:  c.New(conf.CacheTTL, 10*time.Minute),
	}
}

func (hc *HttpClient) Search(ctx context.Context, query Query) ([]model.CandidateProduct, error) {
	if query.Limit == 0 {
		query.Limit = hc.conf.SearchLimit
	}
	cacheKey := cacheKey(query)
	if cached, found := hc.cache.Get(cacheKey); found {
		return cached.([]model.CandidateProduct), nil
	}

	params := url.Values{}
	params.Set("name", query.Name)
	params.Set("limit", strconv.Itoa(query.Limit))
	if len(query.AltNames) > 0 {
		params.Set("altNames", strings.Join(query.AltNames, ","))
	}
	if len(query.Keywords) > 0 {
		params.Set("keywords", strings.Join(query.Keywords, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.conf.URL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.client.Do(req)
	if err != nil {
		return nil, model.NewTransientError("catalog search", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewTransientError("read catalog response", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, model.NewTransientError("catalog search", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, model.NewValidationError(fmt.Sprintf("catalog search: status %d", resp.StatusCode))
	}
	var result struct {
		Candidates []model.CandidateProduct `json:"candidates"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		logger.Error("malformed catalog response", zap.Error(err))
		return nil, model.NewValidationError(fmt.Sprintf("malformed catalog response: %v", err))
	}
	hc.cache.Set(cacheKey, result.Candidates, c.DefaultExpiration)
	return result.Candidates, nil
}

func cacheKey(query Query) string {
	return fmt.Sprintf("%s|%s|%s|%d", query.Name, strings.Join(query.AltNames, ","), strings.Join(query.Keywords, ","), query.Limit)
}
