package wsadapter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/crmmc/aria2deck/core"
)

var upgrader = websocket.Upgrader{}

func dialServer(t *testing.T) (*Conn, *websocket.Conn, func()) {
	t.Helper()
	var serverConn *Conn
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = New(conn)
		close(ready)
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()

	<-ready
	return serverConn, clientConn, func() {
		clientConn.Close()
		serverConn.Close()
		srv.Close()
	}
}

func TestConnSendDeliversJSONTextFrame(t *testing.T) {
	serverConn, clientConn, cleanup := dialServer(t)
	defer cleanup()

	require.NoError(t, serverConn.Send(core.Notification("hello")))

	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)

	var msg core.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, core.MessageNotification, msg.Kind)
	require.Equal(t, "hello", msg.Text)
}

func TestConnSendPingIsControlFrameNotTextFrame(t *testing.T) {
	serverConn, clientConn, cleanup := dialServer(t)
	defer cleanup()

	pinged := make(chan struct{}, 1)
	clientConn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return clientConn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})

	require.NoError(t, serverConn.Send(core.Ping))

	go func() {
		_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, _ = clientConn.ReadMessage()
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a WS ping control frame, none observed")
	}
}

func TestConnSendAfterCloseReturnsError(t *testing.T) {
	serverConn, _, cleanup := dialServer(t)
	defer cleanup()

	serverConn.Close()
	require.Error(t, serverConn.Send(core.Notification("too late")))
}

func TestConnImplementsFanoutPeer(t *testing.T) {
	serverConn, _, cleanup := dialServer(t)
	defer cleanup()
	var _ interface{ Send(core.Message) error } = serverConn
}
