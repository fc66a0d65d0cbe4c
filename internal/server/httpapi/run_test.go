package httpapi

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/syncstore/internal/logging"
	"github.com/dmitrijs2005/syncstore/internal/server/endpoints"
	"github.com/dmitrijs2005/syncstore/internal/server/kvstore"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore/kvsync"
)

func newRunServer() *Server {
	kv := kvstore.NewMemory()
	return NewServer(kvsync.New(kv), endpoints.NewRegistry(kv), secret, logging.Discard())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- newRunServer().Run(ctx, "127.0.0.1:0")
	}()

	select {
	case err := <-done:
		t.Fatalf("server exited too early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on graceful stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop within timeout after context cancel")
	}
}

func TestRun_ReturnsErrorOnBadAddress(t *testing.T) {
	t.Parallel()

	if err := newRunServer().Run(context.Background(), "127.0.0.1:99999"); err == nil {
		t.Fatal("expected listen error")
	}
}
