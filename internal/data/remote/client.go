// Package remote fetches grids and time series from the upstream data
// service over HTTP.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/oceanatlas/server/internal/grid"
)

// maxBodyBytes bounds a decoded response.
const maxBodyBytes = 256 << 20

// Client queries the data service.
type Client struct {
	baseURL *url.URL
	httpCli *http.Client
}

// NewClient creates a new data service client.
func NewClient(baseURL string, timeout time.Duration, maxConns int) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported data service URL %q", baseURL)
	}
	if maxConns <= 0 {
		maxConns = 8
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: u,
		httpCli: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        maxConns,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: maxConns,
				MaxConnsPerHost:     maxConns,
			},
		},
	}, nil
}

// FetchGrid retrieves the grid identified by key.
func (c *Client) FetchGrid(ctx context.Context, key grid.QueryKey) (*grid.Grid, error) {
	q := url.Values{}
	q.Set("source", key.Source)
	q.Set("year", strconv.Itoa(key.Year))
	q.Set("index", key.Index)
	q.Set("scenario", key.Scenario)
	q.Set("model", key.Model)
	if key.Group != "" {
		q.Set("group", key.Group)
	}

	var g grid.Grid
	if err := c.get(ctx, "grid", q, &g); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrUnavailable, err)
	}
	return &g, nil
}

// FetchTimeSeries retrieves the time series selected by q.
func (c *Client) FetchTimeSeries(ctx context.Context, sq grid.SeriesQuery) (*grid.TimeSeries, error) {
	q := url.Values{}
	q.Set("x", strconv.FormatFloat(sq.X, 'f', -1, 64))
	q.Set("y", strconv.FormatFloat(sq.Y, 'f', -1, 64))
	q.Set("startYear", strconv.Itoa(sq.StartYear))
	q.Set("endYear", strconv.Itoa(sq.EndYear))
	q.Set("index", sq.Index)
	q.Set("group", sq.Group)
	q.Set("scenario", sq.Scenario)
	q.Set("model", sq.Model)
	q.Set("envParam", sq.EnvParam)
	if sq.Source != "" {
		q.Set("source", sq.Source)
	}

	var ts grid.TimeSeries
	if err := c.get(ctx, "timeseries", q, &ts); err != nil {
		return nil, err
	}
	for i, s := range ts.Data {
		if len(s.X) != len(s.Y) {
			return nil, fmt.Errorf("%w: series %d has %d x and %d y values", grid.ErrUnavailable, i, len(s.X), len(s.Y))
		}
	}
	return &ts, nil
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out interface{}) error {
	u := c.baseURL.JoinPath(endpoint)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "zstd, gzip")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", grid.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", grid.ErrUnavailable, endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	body, err := decodeBody(resp)
	if err != nil {
		return fmt.Errorf("%w: %v", grid.ErrUnavailable, err)
	}
	defer body.Close()

	if err := json.NewDecoder(io.LimitReader(body, maxBodyBytes)).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: failed to decode %s response: %v", grid.ErrUnavailable, endpoint, err)
	}
	return nil
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, errors.New("unsupported content encoding " + resp.Header.Get("Content-Encoding"))
	}
}
