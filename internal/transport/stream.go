package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notifyd/internal/notification"
	"notifyd/pkg/logx"
)

// Stream is the SSE strategy. One Run is one server connection: it dials
// {base}/events, requires the connect handshake within the configured
// deadline, then forwards frames until the server drops the stream or the
// context is canceled. Run never redials; the supervisor owns retry policy.
type Stream struct {
	base             string
	hc               *http.Client
	handshakeTimeout time.Duration
	log              logx.Logger
	now              func() time.Time
}

func NewStream(base string, handshakeTimeout time.Duration, log logx.Logger) *Stream {
	return &Stream{
		base: strings.TrimRight(base, "/"),
		// No client-level timeout: the response body is open for the
		// lifetime of the subscription.
		hc:               &http.Client{},
		handshakeTimeout: handshakeTimeout,
		log:              log,
		now:              time.Now,
	}
}

// Run returns nil when ctx is canceled (clean stop) and an error for every
// other way the stream ends.
func (s *Stream) Run(ctx context.Context, topic string, out chan<- Message) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("topic", topic)
	req, err := http.NewRequestWithContext(runCtx, http.MethodGet, s.base+"/events?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("stream dial: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("stream: server returned %s", resp.Status)
	}

	// The server must speak first: no connect event within the deadline
	// means the hop is broken even though TCP is up.
	connected := false
	handshake := time.AfterFunc(s.handshakeTimeout, cancel)
	defer handshake.Stop()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event string
	var data []string
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		switch {
		case line == "":
			if !s.dispatch(ctx, topic, event, data, &connected, handshake, out) {
				return nil
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if !connected && runCtx.Err() != nil {
		return ErrHandshakeTimeout
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}

// dispatch forwards one complete frame. Returns false when ctx ended.
func (s *Stream) dispatch(ctx context.Context, topic, event string, data []string, connected *bool, handshake *time.Timer, out chan<- Message) bool {
	payload := strings.Join(data, "\n")

	switch event {
	case "connect":
		handshake.Stop()
		*connected = true
		var raw json.RawMessage
		if payload != "" && json.Valid([]byte(payload)) {
			raw = json.RawMessage(payload)
		}
		return send(ctx, out, Message{Kind: KindConnected, Handshake: raw})

	case "reconnect":
		return send(ctx, out, Message{Kind: KindReconnect})

	case "notification", "", "message":
		if payload == "" {
			return true
		}
		var n notification.Notification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			if !s.log.IsZero() {
				s.log.Warn("stream: malformed notification payload",
					logx.String("topic", topic),
					logx.Err(err),
				)
			}
			n = notification.Placeholder(notification.SourceStream, topic, s.now())
		}
		notification.Normalize(&n, notification.SourceStream, s.now())
		n.IsNew = true
		if n.Topic == "" {
			n.Topic = topic
		}
		return send(ctx, out, Message{Kind: KindNotification, Notification: &n})

	default:
		if !s.log.IsZero() {
			s.log.Debug("stream: ignoring unknown event", logx.String("event", event))
		}
		return true
	}
}

func send(ctx context.Context, out chan<- Message, m Message) bool {
	select {
	case out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}
