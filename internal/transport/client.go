package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"notifyd/internal/notification"
	"notifyd/pkg/logx"
)

// Client wraps the short-request surface of the notification server (poll,
// diagnostics). The long-lived stream uses its own client without a global
// timeout; see Stream.
type Client struct {
	base string
	hc   *http.Client
	log  logx.Logger
}

func NewClient(base string, timeout time.Duration, log logx.Logger) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: timeout},
		log:  log,
	}
}

func (c *Client) BaseURL() string { return c.base }

// Poll fetches notifications newer than since. The server answers
// {"notifications": [...]}; an empty or missing list is not an error.
func (c *Client) Poll(ctx context.Context, topic string, since time.Time) ([]notification.Notification, error) {
	q := url.Values{}
	q.Set("topic", topic)
	q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/poll?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("poll: server returned %s", resp.Status)
	}

	var body struct {
		Notifications []notification.Notification `json:"notifications"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("poll: decode response: %w", err)
	}
	return body.Notifications, nil
}

// TestNotification asks the server to loop a notification back through the
// delivery path. Diagnostic only.
func (c *Client) TestNotification(ctx context.Context, topic, message string) error {
	q := url.Values{}
	q.Set("notify", topic)
	q.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("test notification: server returned %s", resp.Status)
	}
	return nil
}

// drainClose empties the body so the connection can be reused.
func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	_ = body.Close()
}
