// Package auth verifies connection tokens against the account service.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("auth")

// ErrInvalidToken rejects a token the account service does not recognize.
var ErrInvalidToken = errors.New("auth: invalid connection token")

// Client asks the account service to resolve a connection token to a user.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(serviceURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(serviceURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// VerifyConnectionToken resolves a short-lived connection token to the user
// id it was minted for.
func (c *Client) VerifyConnectionToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/tokens/verify", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return "", ErrInvalidToken
	default:
		return "", fmt.Errorf("verify token: account service returned %s", resp.Status)
	}

	var out struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode verify response: %w", err)
	}
	if out.UserID == "" {
		return "", ErrInvalidToken
	}
	return out.UserID, nil
}

// Insecure accepts the token itself as the user id. Local development only.
type Insecure struct{}

func (Insecure) VerifyConnectionToken(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	log.Warnw("insecure auth: accepting token as user id", "user", token)
	return token, nil
}
