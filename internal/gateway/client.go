package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vimalinx/relay/internal/auth"
	"github.com/vimalinx/relay/internal/model"
)

// Client forwards inbound messages to a downstream gateway over HTTP.
// Single attempt, no retry; failures propagate to the caller, which
// surfaces them as 502.
type Client struct {
	http       *http.Client
	defaultURL string
	// defaultToken is tried after user-level tokens when building the
	// bearer header, with serverToken as the final fallback.
	defaultToken string
	serverToken  string
	hmacSecret   string
}

func NewClient(defaultURL, defaultToken, serverToken, hmacSecret string) *Client {
	return &Client{
		http:         &http.Client{Timeout: 30 * time.Second},
		defaultURL:   defaultURL,
		defaultToken: defaultToken,
		serverToken:  serverToken,
		hmacSecret:   hmacSecret,
	}
}

// Forward posts {"message": ...} to the user's gateway (or the global
// one). When an HMAC secret is configured the request carries signed
// headers so the gateway can verify provenance.
func (c *Client) Forward(ctx context.Context, message model.InboundMessage, user *model.UserRecord) error {
	targetURL := user.GatewayURL
	if targetURL == "" {
		targetURL = c.defaultURL
	}
	if targetURL == "" {
		return fmt.Errorf("gateway URL missing for user %s", user.ID)
	}

	body, err := json.Marshal(map[string]model.InboundMessage{"message": message})
	if err != nil {
		return fmt.Errorf("encode gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token := user.GatewayToken
	if token == "" {
		token = user.Token
	}
	if token == "" {
		token = c.defaultToken
	}
	if token == "" {
		token = c.serverToken
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.hmacSecret != "" {
		timestamp := time.Now().UnixMilli()
		nonce := uuid.NewString()
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(timestamp, 10))
		req.Header.Set(auth.HeaderNonce, nonce)
		req.Header.Set(auth.HeaderSignature, auth.Sign(c.hmacSecret, timestamp, nonce, string(body)))
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("gateway request failed (%d %s)", res.StatusCode, http.StatusText(res.StatusCode))
	}
	return nil
}
