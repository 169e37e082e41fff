package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/config"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
)

const (
	readRetryInitialInterval = 100 * time.Millisecond
	readRetryMaxInterval     = 1 * time.Second
	readRetryMaxElapsedTime  = 4 * time.Second
)

// HTTPClient talks to the messaging gateway over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// Ensure HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client from provider configuration.
func NewHTTPClient(cfg config.ProviderConfig) *HTTPClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http: &http.Client{
			// Per-request contexts carry the effective deadline; this is the
			// hard upper bound.
			Timeout: timeout,
		},
	}
}

// ListInstances returns the gateway's instance list.
func (c *HTTPClient) ListInstances(ctx context.Context) ([]InstanceSummary, error) {
	var raw []rawInstance
	if err := c.getWithRetry(ctx, "/instances", &raw); err != nil {
		return nil, err
	}

	summaries := make([]InstanceSummary, 0, len(raw))
	for _, r := range raw {
		s := r.toSummary()
		if err := validator.Validate(s); err != nil {
			logger.FromContext(ctx).Warn("Dropping malformed instance entry from gateway list", zap.Error(err))
			continue
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// CreateInstance provisions a new gateway instance.
func (c *HTTPClient) CreateInstance(ctx context.Context, name string) (*InstanceCredentials, error) {
	body := map[string]string{"name": name}
	var raw rawCreateResponse
	if err := c.do(ctx, http.MethodPost, "/instances", body, &raw); err != nil {
		return nil, err
	}
	creds := raw.toCredentials()
	if err := validator.Validate(creds); err != nil {
		return nil, fmt.Errorf("%w: malformed create-instance response: %w", apperrors.ErrProviderUnreachable, err)
	}
	return &creds, nil
}

// GetQRCode returns the current pairing QR code or nil when none exists.
func (c *HTTPClient) GetQRCode(ctx context.Context, externalID string) ([]byte, error) {
	var raw struct {
		QRCode string `json:"qr_code"`
		Base64 string `json:"base64"`
	}
	err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(externalID)+"/qr", nil, &raw)
	if err != nil {
		if apperrors.IsProviderNotFoundError(err) {
			// Endpoint exists but no code right now.
			return nil, nil
		}
		return nil, err
	}
	encoded := raw.QRCode
	if encoded == "" {
		encoded = raw.Base64
	}
	if encoded == "" {
		return nil, nil
	}
	decoded, decErr := base64.StdEncoding.DecodeString(encoded)
	if decErr != nil {
		// Some gateway builds return the raw QR payload unencoded.
		return []byte(encoded), nil
	}
	return decoded, nil
}

// GetConnectivity returns the instance's session state.
func (c *HTTPClient) GetConnectivity(ctx context.Context, externalID string) (*Connectivity, error) {
	var raw rawConnectivity
	if err := c.getWithRetry(ctx, "/instances/"+url.PathEscape(externalID)+"/status", &raw); err != nil {
		return nil, err
	}
	conn := raw.toConnectivity()
	if err := validator.Validate(conn); err != nil {
		return nil, fmt.Errorf("%w: malformed connectivity response: %w", apperrors.ErrProviderUnreachable, err)
	}
	return &conn, nil
}

// FetchRecentMessages returns up to limit recent messages for the instance.
func (c *HTTPClient) FetchRecentMessages(ctx context.Context, externalID string, limit int) ([]InboundMessage, error) {
	path := fmt.Sprintf("/instances/%s/messages?limit=%d", url.PathEscape(externalID), limit)
	var raw []rawMessage
	if err := c.getWithRetry(ctx, path, &raw); err != nil {
		return nil, err
	}

	msgs := make([]InboundMessage, 0, len(raw))
	for _, r := range raw {
		m := r.toInbound()
		if err := validator.Validate(m); err != nil {
			logger.FromContext(ctx).Warn("Dropping malformed message from gateway fetch",
				zap.String("external_id", externalID),
				zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SendMessage delivers text to remoteID. No automatic retry: outbound sends
// are not idempotent on the gateway side, callers surface failures as
// retryable instead.
func (c *HTTPClient) SendMessage(ctx context.Context, externalID, remoteID, text string) (*SendReceipt, error) {
	body := map[string]string{"remote_id": remoteID, "text": text}
	var raw rawSendResponse
	if err := c.do(ctx, http.MethodPost, "/instances/"+url.PathEscape(externalID)+"/messages", body, &raw); err != nil {
		return nil, err
	}
	receipt := raw.toReceipt()
	if err := validator.Validate(receipt); err != nil {
		return nil, fmt.Errorf("%w: malformed send response: %w", apperrors.ErrProviderUnreachable, err)
	}
	return &receipt, nil
}

// DeleteInstance tears the instance down on the gateway.
func (c *HTTPClient) DeleteInstance(ctx context.Context, externalID string) error {
	return c.do(ctx, http.MethodDelete, "/instances/"+url.PathEscape(externalID), nil, nil)
}

// RestartInstance restarts the instance's session on the gateway.
func (c *HTTPClient) RestartInstance(ctx context.Context, externalID string) error {
	return c.do(ctx, http.MethodPost, "/instances/"+url.PathEscape(externalID)+"/restart", nil, nil)
}

// getWithRetry wraps idempotent GETs with a short exponential backoff so a
// single dropped packet does not fail a whole reconcile or poll cycle.
func (c *HTTPClient) getWithRetry(ctx context.Context, path string, out interface{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = readRetryInitialInterval
	b.MaxInterval = readRetryMaxInterval
	b.MaxElapsedTime = readRetryMaxElapsedTime
	b.Reset()
	policy := backoff.WithContext(b, ctx)

	operation := func() error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		if apperrors.IsProviderUnreachableError(err) {
			return err // transient, retry
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Debug("Retrying gateway read",
			zap.String("path", path),
			zap.Duration("after", d),
			zap.Error(err))
	}

	return backoff.RetryNotify(operation, policy, notify)
}

// do performs one HTTP exchange and classifies every failure into the typed
// provider error taxonomy.
func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: failed to encode request body: %w", apperrors.ErrBadRequest, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %w", apperrors.ErrBadRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", apperrors.ErrProviderNotFound, method, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: gateway returned %d for %s %s", apperrors.ErrProviderUnreachable, resp.StatusCode, method, path)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: gateway returned %d for %s %s: %s", apperrors.ErrBadRequest, resp.StatusCode, method, path, string(payload))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode gateway response for %s %s: %w", apperrors.ErrProviderUnreachable, method, path, err)
	}
	return nil
}

// classifyTransportError maps low-level transport failures onto the provider
// taxonomy. Timeouts and refused connections are unreachable, never not-found.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: request timed out: %w", apperrors.ErrProviderUnreachable, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: request canceled: %w", apperrors.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: network timeout: %w", apperrors.ErrProviderUnreachable, err)
	}
	return fmt.Errorf("%w: %w", apperrors.ErrProviderUnreachable, err)
}
