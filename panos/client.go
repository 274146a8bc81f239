package panos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	gocache "github.com/patrickmn/go-cache"

	"github.com/panupd/panupd/share/logger"
	"github.com/panupd/panupd/share/models"
)

const (
	inventoryCacheKey = "inventory"

	DefaultTimeout      = 10 * time.Second
	DefaultCacheTTL     = time.Minute
	DefaultFetchRetries = 3
)

type Config struct {
	BaseURL string
	APIKey  string

	// Timeout bounds every single request. Polling loops bring their own
	// failure accounting on top of it.
	Timeout      time.Duration
	CacheTTL     time.Duration
	FetchRetries int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.FetchRetries <= 0 {
		c.FetchRetries = DefaultFetchRetries
	}
}

// Client talks to the firewall management API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      *gocache.Cache
	log        *logger.Logger
}

func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	cfg.applyDefaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("firewall base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid firewall base URL %q: %v", cfg.BaseURL, err)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		log:        log.Fork("panos"),
	}, nil
}

// HTTPClient exposes the underlying client so tests can intercept it.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// ListVersions returns the software inventory, served from cache when fresh.
// The fetch is retried with backoff: a transient hiccup here would otherwise
// abort an upgrade before anything has started.
func (c *Client) ListVersions(ctx context.Context) (*models.VersionInventory, error) {
	if cached, found := c.cache.Get(inventoryCacheKey); found {
		return cached.(*models.VersionInventory), nil
	}
	return c.RefreshInventory(ctx)
}

// RefreshInventory bypasses the cache, fetches the inventory and re-primes
// the cache with the result.
func (c *Client) RefreshInventory(ctx context.Context) (*models.VersionInventory, error) {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second}
	var lastErr error
	for attempt := 0; attempt < c.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			d := b.Duration()
			c.log.Infof("inventory fetch failed (%v), retrying in %s", lastErr, d)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}
		inv := &models.VersionInventory{}
		if lastErr = c.getJSON(ctx, "/api/sw-versions", inv); lastErr == nil {
			c.cache.Set(inventoryCacheKey, inv, gocache.DefaultExpiration)
			return inv, nil
		}
	}
	return nil, fmt.Errorf("failed to fetch software inventory: %v", lastErr)
}

type jobResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// StartDownload asks the firewall to download the given image and returns the
// job id tracking it.
func (c *Client) StartDownload(ctx context.Context, version string) (string, error) {
	return c.startJob(ctx, fmt.Sprintf("/api/sw-versions/%s/download", url.PathEscape(version)))
}

// StartInstall asks the firewall to install the given (downloaded) image.
func (c *Client) StartInstall(ctx context.Context, version string) (string, error) {
	return c.startJob(ctx, fmt.Sprintf("/api/sw-versions/%s/install", url.PathEscape(version)))
}

func (c *Client) startJob(ctx context.Context, path string) (string, error) {
	resp := &jobResponse{}
	if err := c.postJSON(ctx, path, resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("firewall rejected the request: %s", resp.Error)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("firewall returned no job id")
	}
	return resp.JobID, nil
}

// StartReboot initiates a device reboot. There is no job to track; the reboot
// monitor takes over from here.
func (c *Client) StartReboot(ctx context.Context) error {
	return c.postJSON(ctx, "/api/system/reboot", nil)
}

// JobStatus fetches a single status snapshot for the given job. No retry here:
// the poller counts failures itself.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	status := &models.JobStatus{}
	if err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(jobID), status); err != nil {
		return nil, err
	}
	return status, nil
}

// HealthCheck returns nil only when the device answers its health endpoint
// with an OK status. Any other outcome means unreachable or unhealthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/system/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// RefreshInfo triggers a full re-read of device and firewall information on
// the backend, and drops our local inventory cache so the next ListVersions
// reflects the post-upgrade state.
func (c *Client) RefreshInfo(ctx context.Context) error {
	c.cache.Delete(inventoryCacheKey)
	return c.postJSON(ctx, "/api/system/refresh", nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-PAN-KEY", c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, out)
}

func (c *Client) postJSON(ctx context.Context, path string, out interface{}) error {
	return c.doJSON(ctx, http.MethodPost, path, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response from %s: %v", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("malformed response from %s: %v", path, err)
	}
	return nil
}
