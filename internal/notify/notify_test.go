package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWebhookSink_SignsPayload(t *testing.T) {
	const secret = "test-secret"

	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, secret, discardLogger())
	sink.Notify(context.Background(), NewEvent(EventSuspension, "usr_1", "suspended", nil))

	select {
	case r := <-received:
		body := <-bodies
		assert.Equal(t, "cost.suspension", r.Header.Get("X-Promptdeck-Event"))

		h := hmac.New(sha256.New, []byte(secret))
		h.Write(body)
		expected := hex.EncodeToString(h.Sum(nil))
		assert.Equal(t, expected, r.Header.Get("X-Promptdeck-Signature"))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookSink_FailureDoesNotPanic(t *testing.T) {
	sink := NewWebhookSink("http://127.0.0.1:1/unreachable", "", discardLogger())
	sink.Notify(context.Background(), NewEvent(EventCostWarning, "usr_1", "warning", nil))
	// Fire-and-forget: nothing to assert beyond not panicking.
	time.Sleep(50 * time.Millisecond)
}

func TestNewEvent_PopulatesIdentity(t *testing.T) {
	e := NewEvent(EventAuditReport, "", "report", map[string]any{"critical": 2})
	require.NotEmpty(t, e.ID)
	assert.Contains(t, e.ID, "evt_")
	assert.WithinDuration(t, time.Now(), e.Timestamp, time.Second)
}

func TestMulti_FansOut(t *testing.T) {
	count := 0
	a := sinkFunc(func() { count++ })
	b := sinkFunc(func() { count++ })

	Multi{a, b}.Notify(context.Background(), NewEvent(EventLowBalance, "usr_1", "low", nil))
	assert.Equal(t, 2, count)
}

type sinkFunc func()

func (f sinkFunc) Notify(context.Context, *Event) { f() }
