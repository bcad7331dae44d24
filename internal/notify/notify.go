// Package notify hands offline push notifications to the push gateway.
// Delivery is best-effort: a failed push is logged and forgotten, the
// message itself is already durable.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("notify")

// Client posts push requests to the gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(serviceURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(serviceURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type pushRequest struct {
	UserID   string `json:"user_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	DeepLink string `json:"deep_link,omitempty"`
}

// NotifyOffline asks the gateway to wake the user's devices.
func (c *Client) NotifyOffline(ctx context.Context, userID, title, body, deepLink string) {
	payload, _ := json.Marshal(pushRequest{
		UserID:   userID,
		Title:    title,
		Body:     body,
		DeepLink: deepLink,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/push", bytes.NewReader(payload))
	if err != nil {
		log.Errorw("build push request failed", "user", userID, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnw("push delivery failed", "user", userID, "err", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warnw("push gateway rejected notification", "user", userID, "status", resp.Status)
		return
	}
	log.Debugw("push queued", "user", userID)
}

// Noop discards notifications. Used when no push gateway is configured.
type Noop struct{}

func (Noop) NotifyOffline(context.Context, string, string, string, string) {}
