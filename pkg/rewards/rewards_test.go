package rewards

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/config"
)

func TestNotifier_PostsEvent(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		got <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewNotifier(config.RewardsConfig{URL: srv.URL, Timeout: time.Second}, zap.NewNop())
	n.Notify(Event{Type: EventWithdrawal, UserID: "alice", Token: "USDC", Amount: decimal.RequireFromString("80")})
	n.Wait()

	ev := <-got
	require.Equal(t, "alice", ev.UserID)
	require.True(t, ev.Amount.Equal(decimal.NewFromInt(80)))
	require.False(t, ev.OccurredAt.IsZero())
}

func TestNotifier_FailureIsSwallowed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(config.RewardsConfig{URL: srv.URL}, zap.NewNop())
	n.Notify(Event{Type: EventWithdrawal, UserID: "alice"})
	n.Wait()
	require.Equal(t, int32(1), calls.Load())
}

func TestNotifier_DisabledWithoutURL(t *testing.T) {
	n := NewNotifier(config.RewardsConfig{}, zap.NewNop())
	n.Notify(Event{Type: EventWithdrawal})
	n.Wait()
}
