package websocket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/gateway"
	ws "github.com/lllypuk/matreq/internal/infrastructure/websocket"
)

const frameTimeout = time.Second

func newTestHub(t *testing.T, opts ...ws.HubOption) *ws.Hub {
	t.Helper()

	hub := ws.NewHub(gateway.New(gateway.DefaultPolicy()), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	require.Eventually(t, hub.IsRunning, frameTimeout, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func principal(t *testing.T, userID string, role access.Role) *access.Principal {
	t.Helper()
	p, err := access.NewPrincipal(userID, userID, role)
	require.NoError(t, err)
	return p
}

// peer is the remote end of a server-side Client.
type peer struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan ws.Message
}

func (p *peer) send(msg map[string]any) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(msg))
}

func (p *peer) next() ws.Message {
	p.t.Helper()
	select {
	case msg := <-p.frames:
		return msg
	case <-time.After(frameTimeout):
		p.t.Fatal("expected a frame but none arrived")
		return ws.Message{}
	}
}

func (p *peer) none() {
	p.t.Helper()
	select {
	case msg := <-p.frames:
		p.t.Errorf("expected no frame but received %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// connect registers a Client for principal with hub and runs both pumps.
func connect(t *testing.T, hub *ws.Hub, who *access.Principal, opts ...ws.ClientOption) (*ws.Client, *peer) {
	t.Helper()

	serverConn, clientConn := createWebSocketPair(t)

	client := ws.NewClient(hub, serverConn, who, opts...)
	hub.Register(client)
	go client.WritePump()
	go client.ReadPump()

	p := &peer{t: t, conn: clientConn, frames: make(chan ws.Message, 64)}
	go func() {
		defer close(p.frames)
		for {
			_, data, err := clientConn.ReadMessage()
			if err != nil {
				return
			}
			var msg ws.Message
			if json.Unmarshal(data, &msg) == nil {
				p.frames <- msg
			}
		}
	}()

	t.Cleanup(func() {
		_ = clientConn.Close()
	})

	return client, p
}

func createWebSocketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	serverChan := make(chan *websocket.Conn, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverChan <- conn
	}))
	t.Cleanup(server.Close)

	clientConn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:], nil)
	require.NoError(t, err)

	select {
	case serverConn := <-serverChan:
		return serverConn, clientConn
	case <-time.After(frameTimeout):
		_ = clientConn.Close()
		t.Fatal("server side of websocket pair never appeared")
		return nil, nil
	}
}
