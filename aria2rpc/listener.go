package aria2rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/crmmc/aria2deck/klog"
)

// EventMethod identifies which daemon notification fired.
type EventMethod string

const (
	EventDownloadStart    EventMethod = "aria2.onDownloadStart"
	EventDownloadPause    EventMethod = "aria2.onDownloadPause"
	EventDownloadStop     EventMethod = "aria2.onDownloadStop"
	EventDownloadComplete EventMethod = "aria2.onDownloadComplete"
	EventDownloadError    EventMethod = "aria2.onDownloadError"
	EventBtDownloadComplete EventMethod = "aria2.onBtDownloadComplete"
)

// Event is one push notification from the daemon's WebSocket channel.
type Event struct {
	Method EventMethod
	GID    string
}

type wsNotification struct {
	Method string `json:"method"`
	Params []struct {
		GID string `json:"gid"`
	} `json:"params"`
}

// ReconnectConfig parameterizes the exponential backoff used to
// re-establish the push connection.
type ReconnectConfig struct {
	MaxDelay time.Duration
	Factor   float64
	Jitter   float64
}

// httpToWS derives a WebSocket URL from the configured HTTP(S) RPC URL by
// swapping the scheme (http->ws, https->wss).
func httpToWS(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}

// Listen connects to the daemon's WebSocket notification channel and
// invokes handle for every event received, reconnecting with exponential
// backoff (resetting on a successful connection) until ctx is canceled.
func Listen(ctx context.Context, rpcURL string, reconnect ReconnectConfig, handle func(Event)) {
	wsURL := httpToWS(rpcURL)
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: reconnect.Jitter,
		Multiplier:          reconnect.Factor,
		MaxInterval:         reconnect.MaxDelay,
		MaxElapsedTime:       0, // never give up; the caller controls lifetime via ctx
		Clock:                backoff.SystemClock,
	}
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		connected := new(bool)
		if err := connectAndListen(ctx, wsURL, handle, connected); err != nil {
			if *connected {
				bo.Reset()
			}
			delay := bo.NextBackOff()
			klog.Warnf("aria2 push connection lost: %s, reconnecting in %s", err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		// connectAndListen only returns nil when ctx is done.
		return
	}
}

// connectAndListen dials wsURL and reads notifications until the connection
// fails or ctx is canceled. It sets *connected to true once the dial
// succeeds, so the caller can tell a post-connection read failure (which
// should reset the backoff schedule) apart from a dial failure (which
// should not).
func connectAndListen(ctx context.Context, wsURL string, handle func(Event), connected *bool) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s (http %d)", wsURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %s", wsURL, err)
	}
	defer conn.Close()
	*connected = true
	klog.Infof("Connected to aria2 push channel at %s", wsURL)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				<-done
				return nil
			default:
				return fmt.Errorf("read message: %s", err)
			}
		}
		var n wsNotification
		if err := json.Unmarshal(raw, &n); err != nil {
			klog.Warnf("malformed push notification: %s", err)
			continue
		}
		for _, p := range n.Params {
			handle(Event{Method: EventMethod(n.Method), GID: p.GID})
		}
	}
}
