package server

import (
	"testing"
	"time"
)

func TestHub_StopEndsRunLoop(t *testing.T) {
	h := NewHub()
	go h.Run()

	h.Broadcast(map[string]interface{}{"type": "tick", "multiplier": 1.23})

	stopped := make(chan struct{})
	go func() {
		h.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return; run loop still alive")
	}

	if n := h.GetClientCount(); n != 0 {
		t.Errorf("client count after stop = %d, want 0", n)
	}
}
