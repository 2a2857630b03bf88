// Package history drives paginated retrieval of stored messages. The
// service serves at most 100 items per page, newest-first across pages;
// the paginator walks backwards and hands the caller one ascending slice.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pulsewire/internal/token"
)

const (
	// pageSize is imposed by the service, not tunable.
	pageSize  = 100
	hardLimit = 1000
)

var ErrInvalidDateTime = errors.New("datetime bound requires both date and time")

type Strategy string

const (
	StrategyNone     Strategy = "none"
	StrategyAt       Strategy = "at"
	StrategyRange    Strategy = "range"
	StrategyDateTime Strategy = "datetime"
)

type Query struct {
	Channel  string
	Strategy Strategy

	// exact-token lookup for StrategyAt
	AtToken string

	// range bounds, sequence tokens
	StartToken string
	EndToken   string

	// datetime bounds, "yyyy-MM-dd" + "HH:mm:ss:SSS" pairs
	StartDate string
	StartTime string
	EndDate   string
	EndTime   string

	MaxRows int
}

// Item is one stored message as returned by a page fetch.
type Item struct {
	Channel   string          `json:"channel"`
	Timetoken string          `json:"timetoken"`
	Publisher string          `json:"publisher,omitempty"`
	Message   json.RawMessage `json:"message"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// PageParams is the request shape handed to the injected fetch function.
// Start is an inclusive upper bound walking backwards in time.
type PageParams struct {
	Channel string
	Start   string
	End     string
	Count   int
}

type Page struct {
	Items []Item
	Count int
}

type FetchPage func(ctx context.Context, params PageParams) (Page, error)

// Progress is invoked after each successful page with the running total
// and the effective row limit.
type Progress func(fetched, limit int)

type Paginator struct {
	Fetch    FetchPage
	Progress Progress
	Logger   *zap.Logger
}

// FetchAll pulls pages until the row limit is reached or a page comes
// back short. A fetch error propagates immediately and discards whatever
// was accumulated; there is no partial-result contract.
func (p Paginator) FetchAll(ctx context.Context, q Query) ([]Item, error) {
	if p.Fetch == nil {
		return nil, errors.New("history: page fetch function is required")
	}
	params, err := BuildParams(q)
	if err != nil {
		return nil, err
	}

	limit := q.MaxRows
	if limit <= 0 || limit > hardLimit {
		limit = hardLimit
	}

	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var items []Item
	for {
		page, err := p.Fetch(ctx, params)
		if err != nil {
			return nil, err
		}
		if len(page.Items) == 0 {
			break
		}

		// each successive page is strictly older, so prepending keeps the
		// accumulated slice in ascending timetoken order
		items = append(append([]Item{}, page.Items...), items...)
		if p.Progress != nil {
			p.Progress(len(items), limit)
		}
		logger.Debug("history page fetched",
			zap.String("channel", q.Channel),
			zap.Int("page_items", len(page.Items)),
			zap.Int("total", len(items)),
		)

		if len(items) >= limit || len(page.Items) < pageSize {
			break
		}

		earliest := page.Items[0].Timetoken
		next, decErr := token.Decrement(earliest)
		if decErr != nil {
			return nil, fmt.Errorf("history: bad timetoken %q in page: %w", earliest, decErr)
		}
		params.Start = next
	}
	return items, nil
}

// BuildParams translates a query strategy into the initial page request.
func BuildParams(q Query) (PageParams, error) {
	params := PageParams{Channel: q.Channel, Count: pageSize}

	switch q.Strategy {
	case StrategyAt:
		// exact-token lookup
		params.End = q.AtToken
		params.Count = 1
	case StrategyRange:
		params.Start = q.StartToken
		params.End = q.EndToken
	case StrategyDateTime:
		start, err := DateTimeToken(q.StartDate, q.StartTime)
		if err != nil {
			return PageParams{}, err
		}
		end, err := DateTimeToken(q.EndDate, q.EndTime)
		if err != nil {
			return PageParams{}, err
		}
		params.Start = start
		params.End = end
	}
	return params, nil
}

// DateTimeToken builds the service's fixed-width datetime bound,
// "yyyy-MM-dd HH:mm:ss:SSS0000". Both components empty means no bound;
// only one present is an error.
func DateTimeToken(date, clock string) (string, error) {
	if date == "" && clock == "" {
		return "", nil
	}
	if date == "" || clock == "" {
		return "", ErrInvalidDateTime
	}
	return date + " " + clock + "0000", nil
}

// DeleteBounds converts an inclusive token range into the delete call's
// exclusive-start form by decrementing the lower bound.
func DeleteBounds(startToken, endToken string) (string, string, error) {
	start, err := token.Decrement(startToken)
	if err != nil {
		return "", "", fmt.Errorf("history: invalid delete start token: %w", err)
	}
	return start, endToken, nil
}
