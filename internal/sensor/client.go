package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bilal/esphomebot/internal/config"
	"github.com/rs/zerolog/log"
)

// maximum body we accept from a sensor endpoint
const maxBody = 64 << 10

type Kind string

const (
	KindTransport Kind = "transport"
	KindStatus    Kind = "status"
	KindDecode    Kind = "decode"
)

// FetchError aborts a batch at the first failing endpoint.
type FetchError struct {
	Kind       Kind
	Endpoint   string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("%s: HTTP status %d", e.Endpoint, e.StatusCode)
	case KindDecode:
		return fmt.Sprintf("%s: invalid JSON: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("%s: connection error: %v", e.Endpoint, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client queries the configured endpoints one after another.
type Client struct {
	baseURL   string
	endpoints []string
	client    *http.Client
}

// New builds a client from cfg. A nil httpClient gets a client with the
// configured sensor timeout.
func New(cfg *config.Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.SensorTimeout(),
			Transport: &http.Transport{
				MaxIdleConns:    len(cfg.Sensors.Endpoints),
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}
	endpoints := make([]string, len(cfg.Sensors.Endpoints))
	copy(endpoints, cfg.Sensors.Endpoints)

	return &Client{
		baseURL:   cfg.Sensors.BaseURL,
		endpoints: endpoints,
		client:    httpClient,
	}
}

// Fetch returns one reading per endpoint or the first *FetchError.
func (c *Client) Fetch(ctx context.Context) (Batch, error) {
	batch := make(Batch, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		r, err := c.fetchOne(ctx, ep)
		if err != nil {
			return nil, err
		}
		batch = append(batch, r)
	}
	return batch, nil
}

func (c *Client) fetchOne(ctx context.Context, endpoint string) (Reading, error) {
	url := c.endpointURL(endpoint)
	log.Debug().Str("url", url).Msg("requesting sensor")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Reading{}, &FetchError{Kind: KindTransport, Endpoint: endpoint, URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Reading{}, &FetchError{Kind: KindTransport, Endpoint: endpoint, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return Reading{}, &FetchError{
			Kind:       KindStatus,
			Endpoint:   endpoint,
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        errors.New(resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Reading{}, &FetchError{Kind: KindTransport, Endpoint: endpoint, URL: url, Err: err}
	}

	// the whole body must be one JSON document, trailing bytes included
	var r Reading
	if err := json.Unmarshal(body, &r); err != nil {
		return Reading{}, &FetchError{Kind: KindDecode, Endpoint: endpoint, URL: url, Err: err}
	}
	r.Endpoint = endpoint

	log.Debug().Str("url", url).Str("id", r.ID).Str("state", r.State).Msg("sensor answered")
	return r, nil
}

func (c *Client) endpointURL(endpoint string) string {
	if strings.HasSuffix(c.baseURL, "/") {
		return c.baseURL + endpoint
	}
	return c.baseURL + "/" + endpoint
}
