package web

import (
	"fmt"
	"strings"
	"testing"

	"github.com/esm-dev/devserver/internal/hmr"
)

func TestHubKeepsLatestErrors(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < maxBufferedErrors+5; i++ {
		h.Send(hmr.ErrorPayload{Err: hmr.ErrorInfo{Message: fmt.Sprintf("error %d", i)}})
	}
	h.Send(hmr.ReloadPayload{Path: "*"})

	h.lock.RLock()
	defer h.lock.RUnlock()
	if len(h.buffered) != maxBufferedErrors {
		t.Fatalf("expected %d buffered errors, got %d", maxBufferedErrors, len(h.buffered))
	}
	if first := string(h.buffered[0]); !strings.Contains(first, "error 5") {
		t.Fatalf("the oldest errors should be dropped, got %s", first)
	}
	if last := string(h.buffered[maxBufferedErrors-1]); !strings.Contains(last, fmt.Sprintf("error %d", maxBufferedErrors+4)) {
		t.Fatalf("unexpected last error %s", last)
	}
}
