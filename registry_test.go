package mcpwire_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	mcpwire "github.com/mcpwire/go-mcpwire"
)

func TestRegistryServerNames(t *testing.T) {
	reg := mcpwire.NewRegistry(mcpwire.Info{Name: "cli", Version: "1"})
	reg.AddServer("zeta", mcpwire.ServerConfig{Command: "cat"})
	reg.AddServer("alpha", mcpwire.ServerConfig{URL: "http://localhost:1"})
	reg.AddServer("mid", mcpwire.ServerConfig{WebSocketURL: "ws://localhost:1"})

	names := reg.ServerNames()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestRegistryUnknownServer(t *testing.T) {
	reg := mcpwire.NewRegistry(mcpwire.Info{Name: "cli", Version: "1"})
	if _, err := reg.CreateSession("nope", false); err == nil {
		t.Fatal("session created for unregistered server")
	}
}

func TestRegistryEmptyConfig(t *testing.T) {
	reg := mcpwire.NewRegistry(mcpwire.Info{Name: "cli", Version: "1"})
	reg.AddServer("empty", mcpwire.ServerConfig{})
	if _, err := reg.CreateSession("empty", false); err == nil {
		t.Fatal("session created for config with no endpoint")
	}
}

func TestRegistryLastWriteWins(t *testing.T) {
	var built []string
	reg := mcpwire.NewRegistry(mcpwire.Info{Name: "cli", Version: "1"},
		mcpwire.WithRegistryTransportBuilder(
			func(name string, config mcpwire.ServerConfig) (mcpwire.Transport, error) {
				built = append(built, config.Command)
				return newFakeTransport(), nil
			}))

	reg.AddServer("srv", mcpwire.ServerConfig{Command: "first"})
	reg.AddServer("srv", mcpwire.ServerConfig{Command: "second"})

	if _, err := reg.CreateSession("srv", false); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if len(built) != 1 || built[0] != "second" {
		t.Fatalf("built from %v, want the overwriting config", built)
	}
}

func TestRegistrySessionCaching(t *testing.T) {
	builds := 0
	transports := make(map[int]*fakeTransport)
	reg := mcpwire.NewRegistry(mcpwire.Info{Name: "cli", Version: "1"},
		mcpwire.WithRegistryTransportBuilder(
			func(name string, config mcpwire.ServerConfig) (mcpwire.Transport, error) {
				ft := newFakeTransport()
				ft.autoRespond = initializeResponder(mcpwire.Info{Name: name, Version: "1"})
				transports[builds] = ft
				builds++
				return ft, nil
			}))
	reg.AddServer("srv", mcpwire.ServerConfig{Command: "whatever"})

	first, err := reg.CreateSession("srv", true)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	again, err := reg.CreateSession("srv", true)
	if err != nil {
		t.Fatalf("failed to get cached session: %v", err)
	}
	if first != again {
		t.Fatal("cached session not reused")
	}
	if builds != 1 {
		t.Fatalf("transport built %d times, want 1", builds)
	}

	// A closed session is replaced on the next ask.
	if err := first.Disconnect(); err != nil {
		t.Fatalf("failed to disconnect: %v", err)
	}
	fresh, err := reg.CreateSession("srv", true)
	if err != nil {
		t.Fatalf("failed to recreate session: %v", err)
	}
	if fresh == first {
		t.Fatal("closed session returned instead of a fresh one")
	}
	if builds != 2 {
		t.Fatalf("transport built %d times, want 2", builds)
	}
}

func TestRegistryCloseAllSessionsCollectsErrors(t *testing.T) {
	failErr := errors.New("stream teardown failed")
	reg := mcpwire.NewRegistry(mcpwire.Info{Name: "cli", Version: "1"},
		mcpwire.WithRegistryTransportBuilder(
			func(name string, config mcpwire.ServerConfig) (mcpwire.Transport, error) {
				ft := newFakeTransport()
				if name == "bad" {
					ft.closeErr = failErr
				}
				return ft, nil
			}))
	reg.AddServer("good", mcpwire.ServerConfig{Command: "a"})
	reg.AddServer("bad", mcpwire.ServerConfig{Command: "b"})

	ctx := context.Background()
	good, err := reg.CreateSession("good", false)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := good.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	bad, err := reg.CreateSession("bad", false)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := bad.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	err = reg.CloseAllSessions()
	if !errors.Is(err, failErr) {
		t.Fatalf("CloseAllSessions error = %v, want the teardown failure", err)
	}
	if !strings.Contains(err.Error(), `"bad"`) {
		t.Errorf("error %q does not name the failing server", err)
	}

	// Both sessions are closed despite the failure.
	if got := good.State(); got != mcpwire.SessionClosed {
		t.Errorf("good session state = %s, want closed", got)
	}
	if got := bad.State(); got != mcpwire.SessionClosed {
		t.Errorf("bad session state = %s, want closed", got)
	}

	// The cache is cleared; the next ask builds anew.
	fresh, err := reg.CreateSession("good", false)
	if err != nil {
		t.Fatalf("failed to recreate session: %v", err)
	}
	if fresh == good {
		t.Fatal("cache not cleared by CloseAllSessions")
	}
}

func TestRegistryBusObservation(t *testing.T) {
	bus := mcpwire.NewMessageBus(16)
	ft := newFakeTransport()
	ft.autoRespond = initializeResponder(mcpwire.Info{Name: "srv", Version: "1"})

	reg := mcpwire.NewRegistry(mcpwire.Info{Name: "cli", Version: "1"},
		mcpwire.WithRegistryBus(bus),
		mcpwire.WithRegistryTransportBuilder(
			func(name string, config mcpwire.ServerConfig) (mcpwire.Transport, error) {
				return ft, nil
			}))
	reg.AddServer("observed", mcpwire.ServerConfig{Command: "whatever"})

	sess, err := reg.CreateSession("observed", true)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Initialize(ctx); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}

	var sends, receives int
	for _, entry := range bus.GetBuffer() {
		if entry.SessionID != "observed" {
			t.Fatalf("entry recorded under %q, want observed", entry.SessionID)
		}
		switch entry.Direction {
		case mcpwire.BusDirectionSend:
			sends++
		case mcpwire.BusDirectionReceive:
			receives++
		}
	}
	// At least the initialize request and its response, plus the
	// initialized notification.
	if sends < 2 {
		t.Errorf("sends recorded = %d, want at least 2", sends)
	}
	if receives < 1 {
		t.Errorf("receives recorded = %d, want at least 1", receives)
	}
}
