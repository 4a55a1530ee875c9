package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// ReceivedWebhook captures one delivery accepted by the WebhookReceiver.
type ReceivedWebhook struct {
	Headers http.Header
	Body    []byte
}

// WebhookReceiver is a TLS test server standing in for an organization's
// webhook endpoint. It records every delivery and answers with a
// configurable status.
type WebhookReceiver struct {
	server *httptest.Server

	mu       sync.Mutex
	status   int
	received []ReceivedWebhook
	notify   chan struct{}
}

func newWebhookReceiver(t *testing.T) *WebhookReceiver {
	t.Helper()
	wr := &WebhookReceiver{status: http.StatusNoContent, notify: make(chan struct{}, 64)}
	wr.server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		wr.mu.Lock()
		wr.received = append(wr.received, ReceivedWebhook{Headers: r.Header.Clone(), Body: body})
		status := wr.status
		wr.mu.Unlock()
		select {
		case wr.notify <- struct{}{}:
		default:
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(wr.server.Close)
	return wr
}

// URL returns the https URL of the receiver.
func (wr *WebhookReceiver) URL() string {
	return wr.server.URL
}

// RespondWith sets the status returned for subsequent deliveries.
func (wr *WebhookReceiver) RespondWith(status int) {
	wr.mu.Lock()
	wr.status = status
	wr.mu.Unlock()
}

// Received returns a copy of the deliveries so far.
func (wr *WebhookReceiver) Received() []ReceivedWebhook {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return append([]ReceivedWebhook(nil), wr.received...)
}

// WaitFor blocks until at least n deliveries arrived or the timeout passes.
func (wr *WebhookReceiver) WaitFor(t *testing.T, n int, timeout time.Duration) []ReceivedWebhook {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if got := wr.Received(); len(got) >= n {
			return got
		}
		select {
		case <-wr.notify:
		case <-deadline:
			t.Fatalf("received %d webhooks, want %d", len(wr.Received()), n)
			return nil
		}
	}
}
