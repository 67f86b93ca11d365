package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lapig-ufg/tiles/internal/apperr"
	"github.com/lapig-ufg/tiles/internal/keyspace"
)

// HTTPClient is the production Client, talking to the imagery backend's
// mosaic-build and tile-render endpoints over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewHTTPClient builds an HTTPClient against baseURL (e.g.
// "https://mosaics.internal"). httpClient may be nil, in which case a
// client with a conservative default timeout is created.
func NewHTTPClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

type buildMosaicResponse struct {
	Reference string `json:"reference"`
	ExpiresIn int64  `json:"expires_in_seconds"`
}

// BuildMosaic implements Client.
func (c *HTTPClient) BuildMosaic(ctx context.Context, key keyspace.MosaicKey) (MosaicHandle, error) {
	url := fmt.Sprintf("%s/v1/mosaics/%s", c.baseURL, key.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return MosaicHandle{}, apperr.New(apperr.Internal, fmt.Errorf("upstream: build request: %w", err))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return MosaicHandle{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("upstream build_mosaic", "key", key.String(), "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return MosaicHandle{}, classifyStatus(resp)
	}

	var body buildMosaicResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return MosaicHandle{}, apperr.New(apperr.UpstreamPermanent, fmt.Errorf("upstream: decode build_mosaic response: %w", err))
	}

	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return MosaicHandle{
		Key:       key,
		Reference: body.Reference,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// FetchTile implements Client.
func (c *HTTPClient) FetchTile(ctx context.Context, handle MosaicHandle, z, x, y int) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/mosaics/%s/tiles/%d/%d/%d.png", c.baseURL, handle.Reference, z, x, y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.New(apperr.Internal, fmt.Errorf("upstream: tile request: %w", err))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("upstream fetch_tile",
		"mosaic", handle.Key.String(), "z", z, "x", x, "y", y,
		"status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(apperr.UpstreamTransient, fmt.Errorf("upstream: read tile body: %w", err))
	}
	return data, nil
}

// classifyTransportError turns a network-layer failure into an apperr,
// distinguishing a caller-side cancellation/deadline (reported as Timeout,
// not as an upstream failure) from a genuine connectivity failure. The
// circuit breaker still counts either kind as a failed call.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.New(apperr.Timeout, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return apperr.New(apperr.Timeout, err)
	}
	return apperr.New(apperr.UpstreamTransient, fmt.Errorf("upstream: transport: %w", err))
}

// classifyStatus maps an HTTP response's status code to an apperr.Kind
// per §7/§9: 429 is Throttled (with Retry-After when present), other 4xx
// is a permanent client-side failure, 5xx/other is transient.
func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	baseErr := fmt.Errorf("upstream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Throttle(retryAfter(resp), baseErr)
	case resp.StatusCode >= 500:
		return apperr.New(apperr.UpstreamTransient, baseErr)
	case resp.StatusCode >= 400:
		return apperr.New(apperr.UpstreamPermanent, baseErr)
	default:
		return apperr.New(apperr.UpstreamTransient, baseErr)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
