// Package client is an HTTP client for the psyduk raffle service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Watch status values.
const (
	WatchRunning   = "running"
	WatchCompleted = "completed"
	WatchFailed    = "failed"
)

// Eligibility is the result of an eligibility check. Balance is nil when the
// status is "unknown".
type Eligibility struct {
	Address string  `json:"address"`
	Mint    string  `json:"mint"`
	Status  string  `json:"status"`
	Balance *uint64 `json:"balance,omitempty"`
}

// Round is the current raffle round.
type Round struct {
	Address         string `json:"address"`
	Jackpot         uint64 `json:"jackpot"`
	StartTime       int64  `json:"start_time"`
	EndTime         int64  `json:"end_time"`
	Tickets         int    `json:"tickets"`
	Participants    int    `json:"participants"`
	TicketPrice     uint64 `json:"ticket_price"`
	TimeLeftSeconds int64  `json:"time_left_seconds"`
	Due             bool   `json:"due"`
}

// TimeLeft returns the time until ticket sales close.
func (r *Round) TimeLeft() time.Duration {
	return time.Duration(r.TimeLeftSeconds) * time.Second
}

// Purchase is a recorded ticket purchase.
type Purchase struct {
	Buyer     string `json:"buyer"`
	Amount    uint64 `json:"amount"`
	Tickets   uint64 `json:"tickets"`
	Leftover  uint64 `json:"leftover"`
	PoolShare uint64 `json:"pool_share"`
	FeeShare  uint64 `json:"fee_share"`
	Round     Round  `json:"round"`
}

// Resolution is the outcome of resolving a round.
type Resolution struct {
	Round         string `json:"round"`
	Winner        string `json:"winner"`
	TicketIndex   int    `json:"ticket_index"`
	Payout        uint64 `json:"payout"`
	Tickets       int    `json:"tickets"`
	ResolvedAt    int64  `json:"resolved_at"`
	NextStartTime int64  `json:"next_start_time"`
	NextEndTime   int64  `json:"next_end_time"`
}

// Winner is a past round result.
type Winner struct {
	Round       string `json:"round"`
	Winner      string `json:"winner"`
	Payout      uint64 `json:"payout"`
	Tickets     int    `json:"tickets"`
	TicketIndex int    `json:"ticket_index"`
	ResolvedAt  int64  `json:"resolved_at"`
}

// Participant is one participant's ticket count in the current round.
type Participant struct {
	Participant string `json:"participant"`
	Tickets     int64  `json:"tickets"`
}

// Watch is a started payment watch.
type Watch struct {
	WatchID    string    `json:"watch_id"`
	Status     string    `json:"status"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Amount     uint64    `json:"amount"`
	AmountSOL  float64   `json:"amount_sol"`
	ExpiresAt  time.Time `json:"expires_at"`
	StatusURL  string    `json:"status_url"`
	PaymentURL string    `json:"payment_url"`
	QRCodeData string    `json:"qr_code_data,omitempty"`
}

// WatchStatus is the state of a payment watch. Result is set once the watch
// has completed.
type WatchStatus struct {
	WatchID    string       `json:"watch_id"`
	WorkflowID string       `json:"workflow_id"`
	Status     string       `json:"status"`
	Result     *WatchResult `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// WatchResult is the final outcome of a payment watch.
type WatchResult struct {
	Sender    string `json:"sender"`
	Amount    uint64 `json:"amount"`
	Confirmed bool   `json:"confirmed"`
	Outcome   struct {
		State     string `json:"state"`
		Signature string `json:"signature,omitempty"`
		Cycles    int    `json:"cycles"`
		Inspected int    `json:"inspected"`
	} `json:"outcome"`
}

// Client is the HTTP client for the raffle service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new raffle service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CheckEligibility asks the server whether address may enter.
func (c *Client) CheckEligibility(ctx context.Context, address string) (*Eligibility, error) {
	var out Eligibility
	err := c.do(ctx, "POST", "/api/v1/eligibility", map[string]interface{}{"address": address}, http.StatusOK, &out)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("eligibility checked", "address", address, "status", out.Status)
	return &out, nil
}

// Purchase records tickets for a payment of amount lamports made by buyer.
func (c *Client) Purchase(ctx context.Context, buyer string, amount uint64) (*Purchase, error) {
	var out Purchase
	err := c.do(ctx, "POST", "/api/v1/purchases", map[string]interface{}{
		"buyer":  buyer,
		"amount": amount,
	}, http.StatusCreated, &out)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("tickets purchased", "buyer", buyer, "tickets", out.Tickets)
	return &out, nil
}

// StartWatch starts watching for a payment of amount lamports from sender to the vault.
func (c *Client) StartWatch(ctx context.Context, sender string, amount uint64) (*Watch, error) {
	var out Watch
	err := c.do(ctx, "POST", "/api/v1/watches", map[string]interface{}{
		"sender": sender,
		"amount": amount,
	}, http.StatusAccepted, &out)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("watch started", "watch_id", out.WatchID, "sender", sender)
	return &out, nil
}

// GetWatch returns the status of a payment watch.
func (c *Client) GetWatch(ctx context.Context, watchID string) (*WatchStatus, error) {
	var out WatchStatus
	if err := c.do(ctx, "GET", "/api/v1/watches/"+url.PathEscape(watchID), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AwaitWatch polls a watch every interval until it is no longer running.
func (c *Client) AwaitWatch(ctx context.Context, watchID string, interval time.Duration) (*WatchStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.GetWatch(ctx, watchID)
		if err != nil {
			return nil, err
		}
		if status.Status != WatchRunning {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for watch %s: %w", watchID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Round returns the current round.
func (c *Client) Round(ctx context.Context) (*Round, error) {
	var out Round
	if err := c.do(ctx, "GET", "/api/v1/round", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenRound opens a fresh round.
func (c *Client) OpenRound(ctx context.Context) (*Round, error) {
	var out Round
	if err := c.do(ctx, "POST", "/api/v1/round/open", nil, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveRound draws a winner for the current round.
func (c *Client) ResolveRound(ctx context.Context) (*Resolution, error) {
	var out Resolution
	if err := c.do(ctx, "POST", "/api/v1/round/resolve", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("round resolved", "winner", out.Winner, "payout", out.Payout)
	return &out, nil
}

// Participants lists ticket counts in the current round.
func (c *Client) Participants(ctx context.Context) ([]Participant, error) {
	var out struct {
		Participants []Participant `json:"participants"`
	}
	if err := c.do(ctx, "GET", "/api/v1/round/participants", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

// Winners lists up to limit recent winners, newest first. A limit of zero
// uses the server default.
func (c *Client) Winners(ctx context.Context, limit int) ([]Winner, error) {
	path := "/api/v1/winners"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Winners []Winner `json:"winners"`
	}
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Winners, nil
}

// do sends a JSON request and decodes a JSON response with the expected status into out.
func (c *Client) do(ctx context.Context, method, path string, in interface{}, expect int, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expect {
		return c.parseErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
