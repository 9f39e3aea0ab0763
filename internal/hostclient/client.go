package hostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/shellsync/internal/shell"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps host status codes onto the shell sentinel errors.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case shell.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case shell.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	case shell.ErrNotImplemented:
		return e.StatusCode == http.StatusNotImplemented
	}
	return false
}

// Client talks to the host's JSON API. It serves as the view's archive
// index, download manager and address book.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var (
	_ shell.ArchiveIndex    = (*Client)(nil)
	_ shell.DownloadManager = (*Client)(nil)
	_ shell.AddressBook     = (*Client)(nil)
)

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:7777"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) ListArchives(ctx context.Context) ([]shell.Archive, error) {
	var out struct {
		Archives []shell.Archive `json:"archives"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/archives", nil, &out); err != nil {
		return nil, err
	}
	return out.Archives, nil
}

func (c *Client) ArchiveStats(ctx context.Context, key string) (shell.ArchiveStats, error) {
	var out shell.ArchiveStats
	err := c.doJSON(ctx, http.MethodGet, "/v1/archives/"+url.PathEscape(key)+"/stats", nil, &out)
	return out, err
}

func (c *Client) WriteFlags(ctx context.Context, key string, settings shell.UserSettings) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/archives/"+url.PathEscape(key)+"/settings", settings, nil)
}

func (c *Client) RemoveArchive(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/archives/"+url.PathEscape(key), nil, nil)
}

func (c *Client) ListDownloads(ctx context.Context) ([]shell.Download, error) {
	var out struct {
		Downloads []shell.Download `json:"downloads"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/downloads", nil, &out); err != nil {
		return nil, err
	}
	return out.Downloads, nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	return c.downloadAction(ctx, id, "pause")
}

func (c *Client) Resume(ctx context.Context, id string) error {
	return c.downloadAction(ctx, id, "resume")
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.downloadAction(ctx, id, "cancel")
}

func (c *Client) Open(ctx context.Context, id string) error {
	return c.downloadAction(ctx, id, "open")
}

func (c *Client) ShowInFolder(ctx context.Context, id string) error {
	return c.downloadAction(ctx, id, "show")
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/downloads/"+url.PathEscape(id), nil, nil)
}

func (c *Client) downloadAction(ctx context.Context, id, action string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/downloads/"+url.PathEscape(id)+"/"+action, nil, nil)
}

func (c *Client) LoadProfile(ctx context.Context) (shell.Site, error) {
	var out struct {
		Profile shell.Site `json:"profile"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/profile", nil, &out); err != nil {
		return shell.Site{}, err
	}
	return out.Profile, nil
}

func (c *Client) ListSources(ctx context.Context) ([]shell.Source, error) {
	var out struct {
		Sources []shell.Source `json:"sources"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sources", nil, &out); err != nil {
		return nil, err
	}
	return out.Sources, nil
}

func (c *Client) ListSubscriptions(ctx context.Context) ([]shell.Subscription, error) {
	var out struct {
		Subscriptions []shell.Subscription `json:"subscriptions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/subscriptions", nil, &out); err != nil {
		return nil, err
	}
	return out.Subscriptions, nil
}

func (c *Client) AddSubscription(ctx context.Context, href, title string) error {
	body := map[string]string{"href": href, "title": title}
	return c.doJSON(ctx, http.MethodPost, "/v1/subscriptions", body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && resp.StatusCode != http.StatusNotImplemented && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "shell_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
