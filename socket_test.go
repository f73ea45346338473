package mcpwire_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	mcpwire "github.com/mcpwire/go-mcpwire"
)

// newEchoSocketServer starts a websocket server that echoes every frame back
// and returns its ws:// URL.
func newEchoSocketServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			var msg mcpwire.JSONRPCMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSocketTransportEcho(t *testing.T) {
	url := newEchoSocketServer(t)

	transport := mcpwire.NewSocketTransport(url)
	defer transport.Close()

	var mu sync.Mutex
	var received []mcpwire.JSONRPCMessage
	transport.SetMessageHandler(func(msg mcpwire.JSONRPCMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}

	if err := transport.Send(ctx, mcpwire.JSONRPCMessage{
		JSONRPC: mcpwire.JSONRPCVersion,
		ID:      "sock-1",
		Method:  mcpwire.MethodPing,
	}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "echoed frame never arrived")

	mu.Lock()
	defer mu.Unlock()
	if received[0].ID != "sock-1" {
		t.Errorf("echoed id = %s, want sock-1", string(received[0].ID))
	}
}

func TestSocketTransportOrdering(t *testing.T) {
	url := newEchoSocketServer(t)

	transport := mcpwire.NewSocketTransport(url)
	defer transport.Close()

	var mu sync.Mutex
	var methods []string
	transport.SetMessageHandler(func(msg mcpwire.JSONRPCMessage) {
		mu.Lock()
		methods = append(methods, msg.Method)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}

	const count = 20
	for i := range count {
		err := transport.Send(ctx, mcpwire.JSONRPCMessage{
			JSONRPC: mcpwire.JSONRPCVersion,
			Method:  fmt.Sprintf("notifications/seq/%d", i),
		})
		if err != nil {
			t.Fatalf("failed to send message %d: %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(methods) == count
	}, "not all frames echoed back")

	mu.Lock()
	defer mu.Unlock()
	for i, method := range methods {
		if want := fmt.Sprintf("notifications/seq/%d", i); method != want {
			t.Fatalf("frame %d = %s, want %s", i, method, want)
		}
	}
}

func TestSocketTransportSessionOverSocket(t *testing.T) {
	// A minimal protocol server on the socket: answers initialize and ping.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			var msg mcpwire.JSONRPCMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			switch msg.Method {
			case mcpwire.MethodInitialize:
				res := mcpwire.JSONRPCMessage{
					JSONRPC: mcpwire.JSONRPCVersion,
					ID:      msg.ID,
				}
				res.Result, _ = json.Marshal(mcpwire.InitializeResult{
					ProtocolVersion: mcpwire.ProtocolVersion,
					ServerInfo:      mcpwire.Info{Name: "socket-server", Version: "1.0"},
				})
				if err := wsjson.Write(ctx, conn, res); err != nil {
					return
				}
			case mcpwire.MethodPing:
				res := mcpwire.JSONRPCMessage{
					JSONRPC: mcpwire.JSONRPCVersion,
					ID:      msg.ID,
					Result:  []byte(`{}`),
				}
				if err := wsjson.Write(ctx, conn, res); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	transport := mcpwire.NewSocketTransport(url)
	sess := mcpwire.NewSession(mcpwire.Info{Name: "cli", Version: "1"}, transport,
		mcpwire.WithAutoConnect())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sess.Initialize(ctx); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	if got := sess.ServerInfo().Name; got != "socket-server" {
		t.Errorf("server info name = %s, want socket-server", got)
	}
	if err := sess.Ping(ctx); err != nil {
		t.Errorf("ping failed: %v", err)
	}
	if err := sess.Disconnect(); err != nil {
		t.Fatalf("failed to disconnect: %v", err)
	}
}

func TestSocketTransportDialFailure(t *testing.T) {
	transport := mcpwire.NewSocketTransport("ws://127.0.0.1:1/nope")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := transport.Start(ctx)
	var startErr *mcpwire.TransportStartError
	if !errors.As(err, &startErr) {
		t.Fatalf("start error = %v, want TransportStartError", err)
	}
}

func TestSocketTransportSendBeforeStart(t *testing.T) {
	transport := mcpwire.NewSocketTransport("ws://127.0.0.1:1/nope")

	err := transport.Send(context.Background(), mcpwire.JSONRPCMessage{
		JSONRPC: mcpwire.JSONRPCVersion,
		Method:  mcpwire.MethodPing,
	})
	var sendErr *mcpwire.TransportSendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("send error = %v, want TransportSendError", err)
	}
}

func TestSocketTransportCloseIdempotent(t *testing.T) {
	url := newEchoSocketServer(t)

	transport := mcpwire.NewSocketTransport(url)

	closeCalls := make(chan struct{}, 2)
	transport.SetCloseHandler(func() {
		closeCalls <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	select {
	case <-closeCalls:
	case <-time.After(time.Second):
		t.Fatal("close handler not invoked")
	}
	select {
	case <-closeCalls:
		t.Fatal("close handler invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}

	if err := transport.Send(ctx, mcpwire.JSONRPCMessage{
		JSONRPC: mcpwire.JSONRPCVersion,
		Method:  mcpwire.MethodPing,
	}); !errors.Is(err, mcpwire.ErrTransportClosed) {
		t.Errorf("send after close = %v, want ErrTransportClosed", err)
	}
}
