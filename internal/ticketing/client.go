package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to the ticketing backend over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Ensure HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a ticketing client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// FindOpenTicket returns the open ticket id for (tenant, phone) or "".
func (c *HTTPClient) FindOpenTicket(ctx context.Context, tenantID, phone string) (string, error) {
	path := fmt.Sprintf("/tickets/open?tenant_id=%s&phone=%s", url.QueryEscape(tenantID), url.QueryEscape(phone))
	var out struct {
		TicketID string `json:"ticket_id"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		if errors.Is(err, errTicketNotFound) {
			return "", nil
		}
		return "", err
	}
	return out.TicketID, nil
}

// CreateTicket opens a new ticket and returns its id.
func (c *HTTPClient) CreateTicket(ctx context.Context, tenantID, phone, queue string) (string, error) {
	body := map[string]string{"tenant_id": tenantID, "phone": phone, "queue": queue}
	var out struct {
		TicketID string `json:"ticket_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tickets", body, &out); err != nil {
		return "", err
	}
	if out.TicketID == "" {
		return "", fmt.Errorf("ticketing backend returned empty ticket id")
	}
	return out.TicketID, nil
}

// AppendMessage appends one message to a ticket.
func (c *HTTPClient) AppendMessage(ctx context.Context, ticketID string, direction Direction, text, externalMessageID string) error {
	body := map[string]string{
		"direction":           string(direction),
		"text":                text,
		"external_message_id": externalMessageID,
	}
	return c.do(ctx, http.MethodPost, "/tickets/"+url.PathEscape(ticketID)+"/messages", body, nil)
}

var errTicketNotFound = errors.New("ticket not found")

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode ticketing request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build ticketing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("ticketing backend timeout: %w", err)
		}
		return fmt.Errorf("ticketing backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errTicketNotFound
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ticketing backend returned %d for %s %s: %s", resp.StatusCode, method, path, string(payload))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode ticketing response: %w", err)
	}
	return nil
}
