package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/epimore/gmv-stream/internal/apperr"
)

// HookEvent names the fixed set of signalling-layer callbacks spec.md §4.I
// and §6 describe.
type HookEvent string

const (
	HookStreamIn             HookEvent = "stream/register"
	HookStreamInputTimeout   HookEvent = "stream/input/timeout"
	HookStreamIdle           HookEvent = "stream/idle"
	HookOnPlay               HookEvent = "on/play"
	HookOffPlay              HookEvent = "off/play"
)

// IdleCheckResponse is the signalling layer's answer to a stream_idle hook:
// Close is true when the reply envelope's code is 0 (or negative), asking
// for immediate eviction; otherwise ExtraGrace holds the 1..255 second
// re-arm value.
type IdleCheckResponse struct {
	Close      bool
	ExtraGrace time.Duration
}

// HookClient POSTs the fixed {code, msg, data} envelope to a configured URL,
// retrying with exponential backoff, grounded on pkg/cloudflare/client.go's
// request/decode idiom and pkg/nest/manager.go's extendWithRetry backoff
// loop.
type HookClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHookClient builds a client posting to baseURL + "/" + event for every
// fired hook.
func NewHookClient(baseURL string, logger *slog.Logger) *HookClient {
	return &HookClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

const (
	hookMaxAttempts  = 3
	hookInitialDelay = 500 * time.Millisecond
)

// Fire posts event with data as the envelope's data field, retrying up to
// hookMaxAttempts times with exponential backoff. It gives up silently
// after the last attempt, matching spec.md §4.I ("on non-200 or network
// error the engine retries... then gives up").
func (c *HookClient) Fire(ctx context.Context, event HookEvent, data any) {
	if c.baseURL == "" {
		return
	}
	envelope := apperr.OK(data)
	delay := hookInitialDelay

	for attempt := 1; attempt <= hookMaxAttempts; attempt++ {
		if err := c.post(ctx, event, envelope); err != nil {
			c.logger.Warn("lifecycle: hook post failed", "event", event, "attempt", attempt, "error", err)
			if attempt == hookMaxAttempts {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				delay *= 2
			}
			continue
		}
		return
	}
}

// FireIdleCheck posts stream_idle and parses the signalling layer's
// response body as an IdleCheckResponse-shaped envelope. ok is false if
// every attempt failed, in which case the caller should treat the session
// as still live (no change).
func (c *HookClient) FireIdleCheck(ctx context.Context, data any) (IdleCheckResponse, bool) {
	if c.baseURL == "" {
		return IdleCheckResponse{}, false
	}
	envelope := apperr.OK(data)
	delay := hookInitialDelay

	for attempt := 1; attempt <= hookMaxAttempts; attempt++ {
		code, err := c.postForIdleCode(ctx, HookStreamIdle, envelope)
		if err == nil {
			if code <= 0 {
				return IdleCheckResponse{Close: true}, true
			}
			if code > 255 {
				code = 255
			}
			return IdleCheckResponse{ExtraGrace: time.Duration(code) * time.Second}, true
		}
		c.logger.Warn("lifecycle: idle check post failed", "attempt", attempt, "error", err)
		if attempt == hookMaxAttempts {
			return IdleCheckResponse{}, false
		}
		select {
		case <-ctx.Done():
			return IdleCheckResponse{}, false
		case <-time.After(delay):
			delay *= 2
		}
	}
	return IdleCheckResponse{}, false
}

func (c *HookClient) post(ctx context.Context, event HookEvent, envelope apperr.Resp) error {
	_, err := c.doPost(ctx, event, envelope)
	return err
}

// postForIdleCode posts the idle-check envelope and returns the integer
// code the signalling layer answered with (spec.md §4.I: 0 means close,
// 1..255 is a new grace in seconds).
func (c *HookClient) postForIdleCode(ctx context.Context, event HookEvent, envelope apperr.Resp) (int, error) {
	body, err := c.doPost(ctx, event, envelope)
	if err != nil {
		return 0, err
	}
	var reply struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return 0, fmt.Errorf("lifecycle: decode idle check reply: %w", err)
	}
	return reply.Code, nil
}

func (c *HookClient) doPost(ctx context.Context, event HookEvent, envelope apperr.Resp) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: encode hook envelope: %w", err)
	}

	url := c.baseURL + "/" + string(event)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: hook request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: read hook response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lifecycle: hook %s status %d: %s", event, resp.StatusCode, body)
	}
	return body, nil
}
