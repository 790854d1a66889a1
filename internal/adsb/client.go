package adsb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/pkg/logger"
)

// Source types
const (
	SourceLocal    = "local"
	SourceExternal = "external-adsbexchangelike"
)

// Client polls one aircraft.json style endpoint
type Client struct {
	cfg    config.ADSBIngest
	client *http.Client
	logger *logger.Logger
}

// NewClient creates a client for the configured source
func NewClient(cfg config.ADSBIngest, log *logger.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: config.Seconds(cfg.TimeoutSecs)},
		logger: log.Named("adsb-cli"),
	}
}

// Source returns the configured source type
func (c *Client) Source() string {
	return c.cfg.SourceType
}

// FetchData fetches ADS-B data from the configured source
func (c *Client) FetchData(ctx context.Context) (*RawAircraftData, error) {
	switch c.cfg.SourceType {
	case SourceLocal:
		return c.fetchLocal(ctx)
	case SourceExternal:
		return c.fetchExternal(ctx)
	}
	return nil, fmt.Errorf("unknown ADS-B source %q", c.cfg.SourceType)
}

func (c *Client) fetchLocal(ctx context.Context) (*RawAircraftData, error) {
	body, err := c.get(ctx, c.cfg.LocalSourceURL, nil)
	if err != nil {
		return nil, err
	}
	var data RawAircraftData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode aircraft.json: %w", err)
	}
	c.logger.Debug("Polled receiver",
		logger.Int("targets", len(data.Aircraft)),
		logger.Int("messages", data.Messages))
	return &data, nil
}

// fetchExternal queries an ADS-B Exchange / RapidAPI style endpoint.
// The URL is a template taking latitude, longitude and radius.
func (c *Client) fetchExternal(ctx context.Context) (*RawAircraftData, error) {
	target := fmt.Sprintf(c.cfg.ExternalSourceURL, c.cfg.CenterLat, c.cfg.CenterLon, c.cfg.SearchRadiusNM)
	body, err := c.get(ctx, target, map[string]string{
		"x-rapidapi-host": c.cfg.APIHost,
		"x-rapidapi-key":  c.cfg.APIKey,
	})
	if err != nil {
		return nil, err
	}

	var ext ExternalAPIResponse
	if err := json.Unmarshal(body, &ext); err == nil && ext.AC != nil {
		now := ext.Now
		if now > 1e12 {
			now /= 1000 // milliseconds
		}
		if now == 0 {
			now = float64(time.Now().UnixMilli()) / 1000
		}
		c.logger.Debug("Polled external source", logger.Int("targets", len(ext.AC)))
		return &RawAircraftData{Now: now, Messages: ext.Messages, Aircraft: ext.AC}, nil
	}

	// some mirrors answer in the receiver format
	var data RawAircraftData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode external response: %w", err)
	}
	c.logger.Debug("Polled external source", logger.Int("targets", len(data.Aircraft)))
	return &data, nil
}

func (c *Client) get(ctx context.Context, target string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", req.URL.Host, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}
