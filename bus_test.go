package mcpwire_test

import (
	"fmt"
	"testing"

	mcpwire "github.com/mcpwire/go-mcpwire"
)

func busEntry(sessionID, method string) mcpwire.BusEntry {
	return mcpwire.BusEntry{
		SessionID: sessionID,
		Direction: mcpwire.BusDirectionSend,
		Message: mcpwire.JSONRPCMessage{
			JSONRPC: mcpwire.JSONRPCVersion,
			Method:  method,
		},
	}
}

func TestMessageBusCapacity(t *testing.T) {
	bus := mcpwire.NewMessageBus(5)

	for i := 0; i < 8; i++ {
		bus.Publish(busEntry("s1", fmt.Sprintf("method-%d", i)))
	}

	buffer := bus.GetBuffer()
	if len(buffer) != 5 {
		t.Fatalf("buffer length = %d, want 5", len(buffer))
	}
	for i, entry := range buffer {
		want := fmt.Sprintf("method-%d", i+3)
		if entry.Message.Method != want {
			t.Errorf("buffer[%d].Method = %s, want %s", i, entry.Message.Method, want)
		}
	}
}

func TestMessageBusAssignsIDsAndTimestamps(t *testing.T) {
	bus := mcpwire.NewMessageBus(10)
	bus.Publish(busEntry("s1", "a"))
	bus.Publish(busEntry("s1", "b"))

	buffer := bus.GetBuffer()
	if len(buffer) != 2 {
		t.Fatalf("buffer length = %d, want 2", len(buffer))
	}
	if buffer[0].ID == "" || buffer[1].ID == "" {
		t.Error("entries missing IDs")
	}
	if buffer[0].ID >= buffer[1].ID {
		t.Errorf("entry IDs not sortable by publish order: %s >= %s", buffer[0].ID, buffer[1].ID)
	}
	if buffer[0].Timestamp.IsZero() {
		t.Error("entry missing timestamp")
	}
}

func TestMessageBusSubscribeOrder(t *testing.T) {
	bus := mcpwire.NewMessageBus(10)

	var order []string
	unsubA := bus.Subscribe(func(mcpwire.BusEntry) {
		order = append(order, "a")
	})
	defer unsubA()
	unsubB := bus.Subscribe(func(mcpwire.BusEntry) {
		order = append(order, "b")
	})

	bus.Publish(busEntry("s1", "x"))
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("subscriber order = %v, want [a b]", order)
	}

	unsubB()
	unsubB() // unsubscribing twice is harmless

	bus.Publish(busEntry("s1", "y"))
	if len(order) != 3 || order[2] != "a" {
		t.Fatalf("after unsubscribe, order = %v, want trailing a", order)
	}
}

func TestMessageBusSubscriberPanicIsolation(t *testing.T) {
	bus := mcpwire.NewMessageBus(10)

	var reached bool
	unsub1 := bus.Subscribe(func(mcpwire.BusEntry) {
		panic("subscriber failure")
	})
	defer unsub1()
	unsub2 := bus.Subscribe(func(mcpwire.BusEntry) {
		reached = true
	})
	defer unsub2()

	bus.Publish(busEntry("s1", "x"))

	if !reached {
		t.Error("second subscriber not invoked after first panicked")
	}
	if len(bus.GetBuffer()) != 1 {
		t.Error("publish did not complete after subscriber panic")
	}
}

func TestMessageBusClearID(t *testing.T) {
	bus := mcpwire.NewMessageBus(10)
	bus.Publish(busEntry("s1", "a"))
	bus.Publish(busEntry("s2", "b"))
	bus.Publish(busEntry("s1", "c"))
	bus.Publish(busEntry("s2", "d"))

	bus.ClearID("s1")

	buffer := bus.GetBuffer()
	if len(buffer) != 2 {
		t.Fatalf("buffer length = %d, want 2", len(buffer))
	}
	if buffer[0].Message.Method != "b" || buffer[1].Message.Method != "d" {
		t.Errorf("remaining methods = %s, %s, want b, d", buffer[0].Message.Method, buffer[1].Message.Method)
	}

	bus.Clear()
	if len(bus.GetBuffer()) != 0 {
		t.Error("buffer not empty after Clear")
	}
}

func TestMessageBusReplay(t *testing.T) {
	bus := mcpwire.NewMessageBus(10)
	bus.Publish(busEntry("s1", "a"))
	bus.Publish(busEntry("s2", "b"))
	bus.Publish(busEntry("s1", "c"))

	var methods []string
	bus.Replay("s1", func(entry mcpwire.BusEntry) {
		methods = append(methods, entry.Message.Method)
	})

	if len(methods) != 2 || methods[0] != "a" || methods[1] != "c" {
		t.Errorf("replayed methods = %v, want [a c]", methods)
	}
}
