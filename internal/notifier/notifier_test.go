package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestNotifySkipsUnmappedChannelSilently(t *testing.T) {
	n := New(map[string]string{}, testLog())
	// Must not panic or block; there is no server to receive anything.
	n.Notify(context.Background(), "unmapped-channel", Event{Kind: EventOrderPlaced, Message: "hi"})
}

// waitFor polls cond until it reports true or the deadline passes, used to
// observe the result of Notify's backgrounded delivery goroutine.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestNotifyReturnsImmediatelyWithoutWaitingForDelivery(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	n := New(map[string]string{"acct1": srv.URL}, testLog())

	start := time.Now()
	n.Notify(context.Background(), "acct1", Event{Kind: EventOrderFilled, Message: "filled 1 @ 1.20"})
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Notify blocked for %v waiting on delivery, want it to return immediately", elapsed)
	}
}

func TestNotifyPostsEventJSON(t *testing.T) {
	var received atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("failed to decode posted event: %v", err)
		}
		if ev.Kind != EventOrderFilled {
			t.Errorf("kind = %v, want %v", ev.Kind, EventOrderFilled)
		}
		received.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(map[string]string{"acct1": srv.URL}, testLog())
	n.Notify(context.Background(), "acct1", Event{Kind: EventOrderFilled, Message: "filled 1 @ 1.20"})

	waitFor(t, time.Second, received.Load)
}

func TestNotifyRetriesOnFailureThenGivesUp(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(map[string]string{"acct1": srv.URL}, testLog())
	n.backoff = time.Millisecond // keep the test fast

	n.Notify(context.Background(), "acct1", Event{Kind: EventOrderFailed, Message: "boom"})

	waitFor(t, time.Second, func() bool { return attempts.Load() == int32(n.maxAttempts) })
}

func TestNotifyDeliveryOutlivesCancelledCallerContext(t *testing.T) {
	var received atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(map[string]string{"acct1": srv.URL}, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, "acct1", Event{Kind: EventOrderFilled, Message: "filled 1 @ 1.20"})
	cancel() // simulate the caller's request context ending right after Notify returns

	waitFor(t, time.Second, received.Load)
}
