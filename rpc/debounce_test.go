package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duplexmcp/duplexmcp/jsonrpc"
)

// TestSendNotificationDebounceCoalesces exercises the scenario of several
// rapid-fire list-changed notifications for the same method collapsing into
// a single wire send.
func TestSendNotificationDebounceCoalesces(t *testing.T) {
	client, server := newConnectedPair(t)
	client.SetDebouncedMethods([]string{"notifications/tools/list_changed"})

	received := make(chan json.RawMessage, 8)
	server.RegisterNotificationHandler("notifications/tools/list_changed", func(ctx context.Context, n *jsonrpc.Notification) {
		received <- n.Params
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, client.SendNotification(context.Background(), "notifications/tools/list_changed", mustMarshal(t, map[string]int{"n": i})))
	}
	client.WaitForPendingDebouncedNotifications()

	select {
	case params := <-received:
		require.JSONEq(t, `{"n":4}`, string(params))
	case <-time.After(time.Second):
		t.Fatal("debounced notification never arrived")
	}

	select {
	case extra := <-received:
		t.Fatalf("expected exactly one coalesced notification, got an extra: %s", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestSendNotificationRelatedIDBypassesDebounce mirrors the engine's
// documented rule that a RelatedRequestID always bypasses coalescing,
// since per-request streams have their own delivery semantics.
func TestSendNotificationRelatedIDBypassesDebounce(t *testing.T) {
	client, server := newConnectedPair(t)
	client.SetDebouncedMethods([]string{"notifications/progress"})

	received := make(chan struct{}, 8)
	server.RegisterNotificationHandler("notifications/progress", func(ctx context.Context, n *jsonrpc.Notification) {
		received <- struct{}{}
	})

	conn := client.currentConn()
	ctx := withHandlerConn(context.Background(), conn, jsonrpc.IntID(1))
	for i := 0; i < 3; i++ {
		require.NoError(t, client.SendNotification(ctx, "notifications/progress", nil))
	}

	deadline := time.After(time.Second)
	count := 0
loop:
	for {
		select {
		case <-received:
			count++
			if count == 3 {
				break loop
			}
		case <-deadline:
			t.Fatalf("expected 3 immediate sends bypassing debounce, got %d", count)
		}
	}
}

func TestDropDebouncedCancelsWithoutSending(t *testing.T) {
	client, server := newConnectedPair(t)
	client.SetDebouncedMethods([]string{"notifications/tools/list_changed"})

	received := make(chan struct{}, 1)
	server.RegisterNotificationHandler("notifications/tools/list_changed", func(ctx context.Context, n *jsonrpc.Notification) {
		received <- struct{}{}
	})

	require.NoError(t, client.SendNotification(context.Background(), "notifications/tools/list_changed", nil))
	client.dropDebounced()

	select {
	case <-received:
		t.Fatal("expected the queued debounced notification to be dropped, not sent")
	case <-time.After(debounceWindow + 50*time.Millisecond):
	}
}
