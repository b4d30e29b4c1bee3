// Package queue is a thin transport wrapper over the remote pull-queue HTTP
// surface: pull, ack_batch, publish_result and
// publish_heartbeat, plus the tagged-variant body decoder every leased
// message must pass through before it becomes a JobDescriptor.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SauersML/hpc-queue/internal/model"
)

// DefaultTimeout bounds every HTTP call the client makes.
const DefaultTimeout = 60 * time.Second

// DefaultBatchSize is the pull batch size the Lease Loop requests.
const DefaultBatchSize = 100

// Client talks to one account's jobs and results queues. It is stateless
// beyond its HTTP transport and credential, and performs no internal
// retries.
type Client struct {
	baseURL        string
	jobsQueueID    string
	resultsQueueID string
	accountID      string
	apiToken       string
	httpClient     *http.Client
}

// New constructs a Client. httpClient may be nil, in which case a client
// with DefaultTimeout is used.
func New(baseURL, jobsQueueID, resultsQueueID, accountID, apiToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:        baseURL,
		jobsQueueID:    jobsQueueID,
		resultsQueueID: resultsQueueID,
		accountID:      accountID,
		apiToken:       apiToken,
		httpClient:     httpClient,
	}
}

// LeasedMessage is one invisible lease returned by Pull.
type LeasedMessage struct {
	LeaseID     string          `json:"lease_id"`
	Attempts    int             `json:"attempts"`
	ContentType string          `json:"content_type"`
	Body        json.RawMessage `json:"body"`
}

// RetryOutcome requeues a lease after delay_seconds.
type RetryOutcome struct {
	LeaseID      string `json:"lease_id"`
	DelaySeconds int    `json:"delay_seconds"`
}

// AckOutcome removes a lease permanently.
type AckOutcome struct {
	LeaseID string `json:"lease_id"`
}

type pullRequest struct {
	BatchSize           int `json:"batch_size"`
	VisibilityTimeoutMs int `json:"visibility_timeout_ms"`
}

// pullResponse is decoded leniently: the queue service may answer with
// {"result":{"messages":[...]}}, {"result":[]}, or {"result":{}} and all
// three mean "no messages" when messages is absent or empty.
type pullResponse struct {
	Result json.RawMessage `json:"result"`
}

type pullResultMessages struct {
	Messages []LeasedMessage `json:"messages"`
}

func parsePullResult(raw json.RawMessage) ([]LeasedMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	// {"result": []}
	if trimmed[0] == '[' {
		var msgs []LeasedMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("queue: parse pull result array: %w", err)
		}
		return msgs, nil
	}

	// {"result": {"messages": [...]}} or {"result": {}}
	var wrapped pullResultMessages
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("queue: parse pull result object: %w", err)
	}
	return wrapped.Messages, nil
}

// Pull requests up to batchSize currently-invisible leases, each held for
// visibilityTimeoutMs. An empty slice is a legal and common result.
func (c *Client) Pull(ctx context.Context, batchSize, visibilityTimeoutMs int) ([]LeasedMessage, error) {
	body, err := json.Marshal(pullRequest{BatchSize: batchSize, VisibilityTimeoutMs: visibilityTimeoutMs})
	if err != nil {
		return nil, fmt.Errorf("queue: marshal pull request: %w", err)
	}

	resp, err := c.post(ctx, c.jobsURL("messages/pull"), body)
	if err != nil {
		return nil, fmt.Errorf("queue: pull: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus("pull", resp.StatusCode, resp.Body)
	}

	var decoded pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("queue: decode pull response: %w", err)
	}
	return parsePullResult(decoded.Result)
}

type ackBatchRequest struct {
	Acks    []AckOutcome   `json:"acks"`
	Retries []RetryOutcome `json:"retries"`
}

// AckBatch atomically submits both the ack and retry lists. The caller
// must not invoke this with both lists empty.
func (c *Client) AckBatch(ctx context.Context, acks []AckOutcome, retries []RetryOutcome) error {
	if len(acks) == 0 && len(retries) == 0 {
		return fmt.Errorf("queue: ack_batch called with no acks or retries")
	}
	if acks == nil {
		acks = []AckOutcome{}
	}
	if retries == nil {
		retries = []RetryOutcome{}
	}

	body, err := json.Marshal(ackBatchRequest{Acks: acks, Retries: retries})
	if err != nil {
		return fmt.Errorf("queue: marshal ack_batch request: %w", err)
	}

	resp, err := c.post(ctx, c.jobsURL("messages/ack"), body)
	if err != nil {
		return fmt.Errorf("queue: ack_batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus("ack_batch", resp.StatusCode, resp.Body)
	}
	return nil
}

type publishRequest struct {
	Body any `json:"body"`
}

// PublishResult appends a terminal ResultEvent to the results queue.
func (c *Client) PublishResult(ctx context.Context, event model.ResultEvent) error {
	return c.publish(ctx, event)
}

// PublishHeartbeat appends a liveness HeartbeatEvent to the results queue.
func (c *Client) PublishHeartbeat(ctx context.Context, event model.HeartbeatEvent) error {
	return c.publish(ctx, event)
}

func (c *Client) publish(ctx context.Context, event any) error {
	body, err := json.Marshal(publishRequest{Body: event})
	if err != nil {
		return fmt.Errorf("queue: marshal publish request: %w", err)
	}

	resp, err := c.post(ctx, c.resultsURL("messages"), body)
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return unexpectedStatus("publish", resp.StatusCode, resp.Body)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setRequestHeaders(req)
	return c.httpClient.Do(req)
}

func (c *Client) setRequestHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) jobsURL(op string) string {
	return fmt.Sprintf("%s/accounts/%s/queues/%s/%s", c.baseURL, c.accountID, c.jobsQueueID, op)
}

func (c *Client) resultsURL(op string) string {
	return fmt.Sprintf("%s/accounts/%s/queues/%s/%s", c.baseURL, c.accountID, c.resultsQueueID, op)
}

func unexpectedStatus(operation string, statusCode int, body io.Reader) error {
	respBody, readErr := io.ReadAll(body)
	if readErr != nil {
		return fmt.Errorf("queue: %s failed with status %d (body unreadable: %v)", operation, statusCode, readErr)
	}
	return fmt.Errorf("queue: %s failed with status %d: %s", operation, statusCode, string(respBody))
}
