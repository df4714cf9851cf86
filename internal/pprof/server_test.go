package pprof

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestServerServesUntilCancelled(t *testing.T) {
	srv, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	if srv.Port() == 0 {
		t.Fatal("Port() returned 0")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/debug/pprof/", srv.Port()))
	if err != nil {
		t.Fatalf("GET /debug/pprof/ error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /debug/pprof/ status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/v1/chats", srv.Port()))
	if err != nil {
		t.Fatalf("GET /v1/chats error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("non-pprof path status = %d, want 404", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestListenRejectsBusyPort(t *testing.T) {
	first, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer first.listener.Close()

	if _, err := Listen(first.Port(), nil); err == nil {
		t.Error("expected error binding an occupied port")
	}
}
