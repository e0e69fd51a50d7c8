// Package cdse fetches Sentinel-2 imagery from the Copernicus Data Space
// Ecosystem Process API.
package cdse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/couchcryptid/water-monitor-etl/internal/domain"
	"github.com/couchcryptid/water-monitor-etl/internal/observability"
)

const (
	DefaultTokenURL   = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	DefaultProcessURL = "https://sh.dataspace.copernicus.eu/api/v1/process"

	crsCRS84       = "http://www.opengis.net/def/crs/OGC/1.3/CRS84"
	defaultDataset = "sentinel-2-l2a"
	maxRetries     = 3
)

// Product names the evalscript a request renders.
type Product string

const (
	ProductNDWI      Product = "ndwi"
	ProductTrueColor Product = "true_color"
)

// Request describes one rendered image over a bbox and search window.
type Request struct {
	BBox       domain.BoundingBox
	Date       time.Time
	WindowDays int
	Width      int
	Height     int

	// Refresh skips any cached render and replaces it with the fresh one.
	Refresh bool
}

// Config holds credentials and endpoints for the Process API.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	ProcessURL   string
	Timeout      time.Duration
}

// Client calls the Process API with an OAuth2 client-credentials token.
type Client struct {
	httpClient *http.Client
	processURL string
	metrics    *observability.Metrics
	logger     *slog.Logger

	// initialInterval seeds the exponential retry backoff.
	initialInterval time.Duration
}

// NewClient creates a Process API client. Tokens are fetched lazily and
// refreshed by the oauth2 transport.
func NewClient(cfg Config, metrics *observability.Metrics, logger *slog.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: CDSE_CLIENT_ID / CDSE_CLIENT_SECRET (or SH_CLIENT_ID / SH_CLIENT_SECRET) missing", domain.ErrConfig)
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.ProcessURL == "" {
		cfg.ProcessURL = DefaultProcessURL
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = cfg.Timeout

	return &Client{
		httpClient:      httpClient,
		processURL:      cfg.ProcessURL,
		metrics:         metrics,
		logger:          logger,
		initialInterval: 1500 * time.Millisecond,
	}, nil
}

// FetchNDWI renders the 8-bit quantized NDWI band as PNG.
func (c *Client) FetchNDWI(ctx context.Context, req Request) ([]byte, error) {
	return c.fetch(ctx, ProductNDWI, ndwiEvalscript, req)
}

// FetchTrueColor renders an RGB preview as PNG.
func (c *Client) FetchTrueColor(ctx context.Context, req Request) ([]byte, error) {
	return c.fetch(ctx, ProductTrueColor, trueColorEvalscript, req)
}

func (c *Client) fetch(ctx context.Context, product Product, evalscript string, req Request) ([]byte, error) {
	if err := req.BBox.Validate(); err != nil {
		return nil, err
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, fmt.Errorf("%w: image size %dx%d must be positive", domain.ErrConfig, req.Width, req.Height)
	}

	body, err := json.Marshal(buildBody(req, evalscript))
	if err != nil {
		return nil, fmt.Errorf("encode process request: %w", err)
	}

	var image []byte
	operation := func() error {
		image, err = c.doRequest(ctx, product, body)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	notify := func(err error, wait time.Duration) {
		c.metrics.ImageryRequests.WithLabelValues(string(product), "retry").Inc()
		c.logger.Warn("imagery request failed, retrying", "product", product, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx), notify); err != nil {
		c.metrics.ImageryRequests.WithLabelValues(string(product), "error").Inc()
		return nil, err
	}

	c.metrics.ImageryRequests.WithLabelValues(string(product), "success").Inc()
	c.logger.Debug("imagery fetched", "product", product, "date", domain.FormatDate(req.Date), "bytes", len(image))
	return image, nil
}

// doRequest performs one POST. Transient failures are returned as plain
// errors so the caller retries them; everything else is permanent.
func (c *Client) doRequest(ctx context.Context, product Product, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.processURL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "image/png")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	c.metrics.ImageryRequestDuration.WithLabelValues(string(product)).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil || isAuthError(err) {
			return nil, backoff.Permanent(fmt.Errorf("%s process request: %w", product, err))
		}
		return nil, fmt.Errorf("%s process request: %w", product, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("process API error: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if retryable(resp.StatusCode) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", product, err)
	}
	return data, nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isAuthError reports a rejected token exchange, which retrying cannot fix.
func isAuthError(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re)
}

// Process API request types.

type processBody struct {
	Input      processInput  `json:"input"`
	Output     processOutput `json:"output"`
	Evalscript string        `json:"evalscript"`
}

type processInput struct {
	Bounds bounds      `json:"bounds"`
	Data   []dataEntry `json:"data"`
}

type bounds struct {
	Properties struct {
		CRS string `json:"crs"`
	} `json:"properties"`
	BBox []float64 `json:"bbox"`
}

type dataEntry struct {
	Type       string `json:"type"`
	DataFilter struct {
		TimeRange timeRange `json:"timeRange"`
	} `json:"dataFilter"`
}

type timeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type processOutput struct {
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	Responses []outputResponse `json:"responses"`
}

type outputResponse struct {
	Identifier string `json:"identifier"`
	Format     struct {
		Type string `json:"type"`
	} `json:"format"`
}

func buildBody(req Request, evalscript string) processBody {
	from, to := domain.BuildTimeInterval(req.Date, req.WindowDays)

	var b processBody
	b.Input.Bounds.Properties.CRS = crsCRS84
	b.Input.Bounds.BBox = req.BBox.Slice()

	var d dataEntry
	d.Type = defaultDataset
	d.DataFilter.TimeRange = timeRange{From: from, To: to}
	b.Input.Data = []dataEntry{d}

	var r outputResponse
	r.Identifier = "default"
	r.Format.Type = "image/png"
	b.Output = processOutput{Width: req.Width, Height: req.Height, Responses: []outputResponse{r}}

	b.Evalscript = evalscript
	return b
}
