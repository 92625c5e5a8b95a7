package budgetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/procure_backend/config"
	"bitbucket.org/mmdatafocus/procure_backend/utils"
	"github.com/sirupsen/logrus"
)

// Client talks to the external budget ledger. Every call has a per-attempt
// timeout and retries on timeout or transient responses with exponential
// backoff. Release operations are idempotent: an already-released hold is a
// success, because compensation paths may call release more than once.
type Client struct {
	baseURL    string
	apiKey     string
	apiKeyHdr  string
	http       *http.Client
	logger     *logrus.Logger
	maxRetries int
	// backoff returns the sleep before retry n (1-based). Injectable so tests
	// don't wait out the real 1s/2s/4s schedule.
	backoff func(retry int) time.Duration
}

func NewClient(logger *logrus.Logger) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("BUDGET_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("BUDGET_API_BASE_URL is required")
	}
	apiKey := strings.TrimSpace(os.Getenv("BUDGET_API_KEY"))
	apiKeyHeader := strings.TrimSpace(os.Getenv("BUDGET_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}

	timeoutSeconds := int64(5)
	if v := strings.TrimSpace(os.Getenv("BUDGET_API_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			timeoutSeconds = n
		}
	}
	maxRetries := 3
	if v := strings.TrimSpace(os.Getenv("BUDGET_API_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxRetries = n
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiKeyHdr:  apiKeyHeader,
		http:       &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		logger:     logger,
		maxRetries: maxRetries,
		backoff: func(retry int) time.Duration {
			return time.Second * time.Duration(1<<(retry-1)) // 1s, 2s, 4s
		},
	}, nil
}

func (c *Client) CheckAvailability(ctx context.Context, req AvailabilityRequest) (*AvailabilityResponse, error) {
	var resp AvailabilityResponse
	if err := c.post(ctx, "check-availability", "/budget/check-availability", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Reserve(ctx context.Context, req ReserveRequest) (*HoldResponse, error) {
	var resp HoldResponse
	if err := c.post(ctx, "reserve", "/budget/reserve", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Commit(ctx context.Context, req CommitRequest) (*HoldResponse, error) {
	var resp HoldResponse
	if err := c.post(ctx, "commit", "/budget/commit", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ReleaseReservation(ctx context.Context, reference string) error {
	return c.post(ctx, "release-reservation", "/budget/release-reservation", ReleaseRequest{Reference: reference}, nil, true)
}

func (c *Client) ReleaseCommitment(ctx context.Context, reference string) error {
	return c.post(ctx, "release-commitment", "/budget/release-commitment", ReleaseRequest{Reference: reference}, nil, true)
}

// post runs one ledger operation with the retry policy. release marks the
// idempotent operations where "gone already" counts as success.
func (c *Client) post(ctx context.Context, operation string, path string, body interface{}, dest interface{}, release bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	attempts := 0
	timeouts := 0
	var lastStatus int
	var lastBody string

	for {
		attempts++
		status, respBody, err := c.doOnce(ctx, path, payload)
		if err != nil {
			if !isTimeout(err) {
				// transport-level failure other than timeout (conn refused etc.)
				lastStatus = 0
				lastBody = err.Error()
			} else {
				timeouts++
			}
		} else {
			lastStatus = status
			lastBody = respBody

			if status >= 200 && status < 300 {
				if dest != nil {
					return json.Unmarshal([]byte(respBody), dest)
				}
				return nil
			}
			if release && isAlreadyReleased(status, respBody) {
				return nil
			}
			if !isTransientStatus(status) {
				// definitive rejection, no retry
				return c.classifyDefinitive(operation, status, respBody, attempts)
			}
		}

		if attempts > c.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return &utils.TimeoutError{Operation: operation, Attempts: attempts}
		case <-time.After(c.backoff(attempts)):
		}
	}

	if timeouts == attempts {
		return &utils.TimeoutError{Operation: operation, Attempts: attempts}
	}
	err = &utils.BudgetAPIError{Operation: operation, StatusCode: lastStatus, Attempts: attempts, Body: lastBody}
	config.LogError(c.logger, "client.go", "post", operation, nil, err)
	return err
}

func (c *Client) doOnce(ctx context.Context, path string, payload []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

func (c *Client) classifyDefinitive(operation string, status int, body string, attempts int) error {
	var parsed errorResponse
	if err := json.Unmarshal([]byte(body), &parsed); err == nil && parsed.Code == "insufficient_funds" {
		return &utils.BudgetError{
			Reason: fmt.Sprintf("insufficient budget for %s: %s", operation, parsed.Message),
			Shortages: []utils.BudgetShortage{{
				Available: parsed.Available,
				Requested: parsed.Requested,
				Shortage:  parsed.Shortage,
			}},
		}
	}
	return &utils.BudgetAPIError{Operation: operation, StatusCode: status, Attempts: attempts, Body: body}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isTransientStatus(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

func isAlreadyReleased(status int, body string) bool {
	if status == http.StatusNotFound || status == http.StatusGone {
		return true
	}
	var parsed errorResponse
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		return parsed.Code == "already_released"
	}
	return false
}
