package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"github.com/valyala/fasthttp"
)

// HeaderProvider supplies per-request headers such as X-User-Id.
type HeaderProvider func() map[string]string

// HTTPClient talks to the remote persistence service over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type HTTPOption func(*HTTPClient)

func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.defaultTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) HTTPOption {
	return func(c *HTTPClient) { c.headers = h }
}

func WithRetry(max int) HTTPOption {
	return func(c *HTTPClient) { c.retryMax = max }
}

// WithDial replaces the dialer, used to reach in-memory listeners.
func WithDial(dial func(addr string) (net.Conn, error)) HTTPOption {
	return func(c *HTTPClient) { c.http.Dial = dial }
}

func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func gamePath(gameID, suffix string) string {
	return "/games/" + url.PathEscape(strings.TrimSpace(gameID)) + suffix
}

func (c *HTTPClient) CreateGame(ctx context.Context, req syncdto.CreateGameRequest) (string, error) {
	var resp syncdto.CreateGameResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/games", req, &resp, false); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.GameID) == "" {
		return "", errors.New("create game: empty game_id in response")
	}
	return resp.GameID, nil
}

func (c *HTTPClient) SaveMove(ctx context.Context, rec syncdto.MoveRecord) error {
	if !validGameID(rec.GameID) {
		return ErrInvalidArgs
	}
	return c.doJSON(ctx, fasthttp.MethodPost, gamePath(rec.GameID, "/moves"), rec, nil, true)
}

// SaveMoves posts the batch in one request. The server dedups on seq, so
// retries are safe.
func (c *HTTPClient) SaveMoves(ctx context.Context, gameID string, recs []syncdto.MoveRecord) error {
	if !validGameID(gameID) {
		return ErrInvalidArgs
	}
	req := syncdto.BatchSaveRequest{GameID: gameID, Moves: recs}
	return c.doJSON(ctx, fasthttp.MethodPost, gamePath(gameID, "/moves/batch"), req, nil, true)
}

func (c *HTTPClient) UpdateResult(ctx context.Context, res syncdto.ResultRecord) error {
	if !validGameID(res.GameID) {
		return ErrInvalidArgs
	}
	return c.doJSON(ctx, fasthttp.MethodPost, gamePath(res.GameID, "/result"), res, nil, true)
}

func (c *HTTPClient) Pause(ctx context.Context, gameID, fen string) error {
	if !validGameID(gameID) {
		return ErrInvalidArgs
	}
	req := syncdto.PauseRequest{GameID: gameID, FEN: fen}
	return c.doJSON(ctx, fasthttp.MethodPost, gamePath(gameID, "/pause"), req, nil, true)
}

func (c *HTTPClient) Resume(ctx context.Context, gameID string) (string, error) {
	if !validGameID(gameID) {
		return "", ErrInvalidArgs
	}
	var resp syncdto.ResumeResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, gamePath(gameID, "/resume"), nil, &resp, true); err != nil {
		return "", err
	}
	return resp.FEN, nil
}

// Ping checks the service health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.doJSON(ctx, fasthttp.MethodGet, "/healthz", nil, nil, false)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			retryable, err := statusError(status, resp.Body())
			if attempt == attempts || !retryable {
				return err
			}
			lastErr = err
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil && len(resp.Body()) > 0 {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

// statusError decodes a DomainError body when present. 404 maps to
// ErrGameNotFound.
func statusError(status int, body []byte) (bool, error) {
	var de syncdto.DomainError
	if json.Unmarshal(body, &de) == nil && (de.Code != "" || de.Message != "") {
		if status == fasthttp.StatusNotFound {
			return false, fmt.Errorf("%w: %w", ErrGameNotFound, de)
		}
		return de.Retryable || shouldRetryStatus(status), fmt.Errorf("persistence api error: status=%d: %w", status, de)
	}
	if status == fasthttp.StatusNotFound {
		return false, ErrGameNotFound
	}
	return shouldRetryStatus(status), fmt.Errorf("persistence api error: status=%d body=%s", status, truncate(string(body), 512))
}

func (c *HTTPClient) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
