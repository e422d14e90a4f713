// Package marketdata fetches market state from the matching service for
// the blender. The fetch is bounded and breaker-guarded: when the matching
// side is down the blender proceeds with the market price unavailable
// rather than stalling score pipelines.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/xmarket/xmarket/internal/book"
	"github.com/xmarket/xmarket/internal/config"
	"github.com/xmarket/xmarket/internal/domain"
)

// Source yields the current market pressure for a symbol.
type Source interface {
	Pressure(ctx context.Context, symbol string) (book.Pressure, error)
}

// Client reads `/market/{symbol}/pressure` from the matching service.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a Client for the matching service base URL.
func NewClient(baseURL string) *Client {
	settings := gobreaker.Settings{
		Name:        "matching",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("market fetch breaker state change")
		},
	}
	return &Client{
		base:    baseURL,
		http:    &http.Client{Timeout: config.MarketFetchTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Pressure fetches one symbol's market state. The call is bounded by the
// market fetch timeout regardless of the caller's context.
func (c *Client) Pressure(ctx context.Context, symbol string) (book.Pressure, error) {
	ctx, cancel := context.WithTimeout(ctx, config.MarketFetchTimeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, symbol)
	})
	if err != nil {
		return book.Pressure{}, domain.Wrap(domain.KindTransient, "market pressure fetch", err)
	}
	return out.(book.Pressure), nil
}

func (c *Client) fetch(ctx context.Context, symbol string) (book.Pressure, error) {
	u := fmt.Sprintf("%s/market/%s/pressure", c.base, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return book.Pressure{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return book.Pressure{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return book.Pressure{}, fmt.Errorf("matching service returned %d", resp.StatusCode)
	}
	var p book.Pressure
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return book.Pressure{}, err
	}
	return p, nil
}
