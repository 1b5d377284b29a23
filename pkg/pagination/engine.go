package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/asc-client/pkg/query"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for pagination.
var (
	ascPagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asc_pages_fetched_total",
		Help: "Total number of list pages fetched",
	})

	ascPaginationItems = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asc_pagination_items",
		Help:    "Number of data items returned per paginated listing",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)

// DefaultPageSize is the page size requested when none is configured.
const DefaultPageSize = 100

// Getter fetches one page and decodes it into v.
type Getter interface {
	GetJSON(ctx context.Context, url string, params query.Params, v any) error
}

// Options control page size and the number of collected items.
type Options struct {
	// PageSize is sent as the limit of every request (0 lets the server decide).
	PageSize int

	// Limit stops fetching once this many items were collected (0 means all).
	// The result may exceed Limit by up to one page.
	Limit int
}

// DefaultOptions returns the default page size without an item limit.
func DefaultOptions() Options {
	return Options{PageSize: DefaultPageSize}
}

// effectivePageSize returns min(PageSize, Limit) over the values that are set.
func (o Options) effectivePageSize() int {
	switch {
	case o.PageSize > 0 && o.Limit > 0:
		return min(o.PageSize, o.Limit)
	case o.PageSize > 0:
		return o.PageSize
	default:
		return max(o.Limit, 0)
	}
}

// Result holds the collected resources in arrival order.
type Result struct {
	Data     []json.RawMessage
	Included []json.RawMessage
}

// page is the list response envelope.
type page struct {
	Data     []json.RawMessage `json:"data"`
	Included []json.RawMessage `json:"included,omitempty"`
	Links    struct {
		Self string `json:"self"`
		Next string `json:"next,omitempty"`
	} `json:"links"`
	Meta struct {
		Paging struct {
			Total int `json:"total"`
			Limit int `json:"limit"`
		} `json:"paging"`
	} `json:"meta"`
}

// Engine follows next links until a listing is exhausted.
type Engine struct {
	getter Getter
	logger zerolog.Logger
}

// NewEngine creates an engine fetching pages through getter.
func NewEngine(getter Getter) *Engine {
	return &Engine{
		getter: getter,
		logger: log.With().Str("component", "asc-pagination").Logger(),
	}
}

// Paginate collects every page of the listing at rawURL.
func (e *Engine) Paginate(ctx context.Context, rawURL string, params query.Params, opts Options) (*Result, error) {
	params = params.Compact()

	first := params
	if size := opts.effectivePageSize(); size > 0 {
		first = query.Params{"limit": strconv.Itoa(size)}.Merge(params)
	}

	result := &Result{}
	current, err := e.fetch(ctx, rawURL, first)
	if err != nil {
		return nil, err
	}
	result.add(current)
	pages := 1

	for current.Links.Next != "" && (opts.Limit <= 0 || len(result.Data) < opts.Limit) {
		next, err := url.Parse(current.Links.Next)
		if err != nil {
			return nil, fmt.Errorf("parse next link %q: %w", current.Links.Next, err)
		}
		extra := params.Without(next.Query())

		current, err = e.fetch(ctx, current.Links.Next, extra)
		if err != nil {
			return nil, err
		}
		result.add(current)
		pages++
	}

	ascPaginationItems.Observe(float64(len(result.Data)))
	e.logger.Debug().
		Str("url", rawURL).
		Int("pages", pages).
		Int("items", len(result.Data)).
		Int("included", len(result.Included)).
		Msg("Pagination complete")

	return result, nil
}

func (e *Engine) fetch(ctx context.Context, rawURL string, params query.Params) (*page, error) {
	var p page
	if err := e.getter.GetJSON(ctx, rawURL, params, &p); err != nil {
		return nil, err
	}
	ascPagesFetchedTotal.Inc()
	e.logger.Debug().
		Str("url", rawURL).
		Int("items", len(p.Data)).
		Int("total", p.Meta.Paging.Total).
		Bool("has_next", p.Links.Next != "").
		Msg("Fetched page")
	return &p, nil
}

func (r *Result) add(p *page) {
	r.Data = append(r.Data, p.Data...)
	r.Included = append(r.Included, p.Included...)
}
