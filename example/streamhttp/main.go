package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	mcpwire "github.com/mcpwire/go-mcpwire"
)

func main() {
	cfg, err := mcpwire.LoadServerEnvConfig()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	bus := mcpwire.NewMessageBus(cfg.BusCapacity)
	unsubscribe := bus.Subscribe(func(entry mcpwire.BusEntry) {
		fmt.Printf("[bus] %s %s %s\n", entry.SessionID, entry.Direction, entry.Message.Method)
	})
	defer unsubscribe()

	manager := mcpwire.NewSessionServer(
		mcpwire.Info{Name: "example-server", Version: "0.1.0"},
		mcpwire.WithServerInstructions("An example session endpoint."),
		mcpwire.WithIdleTimeout(cfg.IdleTimeout),
		mcpwire.WithSweepInterval(cfg.SweepInterval),
		mcpwire.WithServerBus(bus),
		mcpwire.WithOnSessionClosed(func(sessionID string) {
			fmt.Printf("Session %s closed\n", sessionID)
		}),
	)
	manager.Start()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           manager,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		fmt.Printf("Server starting on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for the server to start
	time.Sleep(time.Second)

	registry := mcpwire.NewRegistry(mcpwire.Info{Name: "example-client", Version: "0.1.0"})
	registry.AddServer("local", mcpwire.ServerConfig{
		URL: fmt.Sprintf("http://localhost%s", cfg.Addr),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := registry.CreateSession("local", true)
	if err != nil {
		log.Fatalf("Session error: %v", err)
	}
	if err := sess.Initialize(ctx); err != nil {
		log.Fatalf("Initialize error: %v", err)
	}
	fmt.Printf("Connected to %s %s\n", sess.ServerInfo().Name, sess.ServerInfo().Version)

	if err := sess.Ping(ctx); err != nil {
		log.Fatalf("Ping error: %v", err)
	}
	fmt.Println("Ping ok")

	if err := registry.CloseAllSessions(); err != nil {
		fmt.Printf("Close error: %v\n", err)
	}

	fmt.Println("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Manager shutdown error: %v\n", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Server forced to shutdown: %v\n", err)
		return
	}
	fmt.Println("Server exited gracefully")
}
