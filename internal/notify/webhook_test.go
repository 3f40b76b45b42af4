package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall_pipeline/internal/events"
)

func TestWatchForwardsRunOutcomes(t *testing.T) {
	got := make(chan Message, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m Message
		_ = json.NewDecoder(r.Body).Decode(&m)
		got <- m
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := events.NewBus()
	NewWebhook(srv.URL).Watch(ctx, bus)

	bus.Publish(events.RosterRebuilt{Intervals: 3})
	bus.Publish(events.RunFailed{RunID: "r1", Err: "boom"})

	select {
	case m := <-got:
		assert.Equal(t, "pipeline run r1 failed: boom", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL).Send(context.Background(), Message{Text: "x"}))
	assert.Equal(t, int32(3), hits.Load())
}

func TestSendErrorsOnBadStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Send(context.Background(), Message{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.NoError(t, NewWebhook("").Send(context.Background(), Message{Text: "x"}))
}

func TestSendGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL)
	hook.MaxElapsed = 200 * time.Millisecond
	assert.Error(t, hook.Send(context.Background(), Message{Text: "x"}))
}

func TestFormat(t *testing.T) {
	m, ok := Format(events.VersionPublished{VersionID: "v1", Records: 10})
	assert.True(t, ok)
	assert.Equal(t, "recurrence table v1 published with 10 records", m.Text)
	_, ok = Format("other")
	assert.False(t, ok)
}
