package eventstore

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryStoreReplayAfter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	firstEmpty, err := s.AppendPriming(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "A", []byte(`{"jsonrpc":"2.0","method":"first"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendPriming(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "A", []byte(`{"jsonrpc":"2.0","method":"second"}`)); err != nil {
		t.Fatal(err)
	}

	var got []string
	err = s.ReplayAfter(ctx, "A", firstEmpty, func(eventID string, payload []byte) error {
		got = append(got, string(payload))
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayAfter: %v", err)
	}

	want := []string{
		`{"jsonrpc":"2.0","method":"first"}`,
		`{"jsonrpc":"2.0","method":"second"}`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replayed payloads mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryStoreReplayAfterUnknownID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Append(ctx, "A", []byte("x")); err != nil {
		t.Fatal(err)
	}

	err := s.ReplayAfter(ctx, "A", "does-not-exist", func(string, []byte) error { return nil })
	if err != ErrUnknownEventID {
		t.Fatalf("got %v, want ErrUnknownEventID", err)
	}
}

func TestMemoryStoreEventIDsUniquePerStream(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := s.Append(ctx, "A", []byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate event id %q", id)
		}
		seen[id] = true
	}
}

func TestMemoryStoreReplayIsolatesStreams(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	anchor, err := s.AppendPriming(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "B", []byte("other-stream")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "A", []byte("mine")); err != nil {
		t.Fatal(err)
	}

	var got []string
	err = s.ReplayAfter(ctx, "A", anchor, func(_ string, payload []byte) error {
		got = append(got, string(payload))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"mine"}, got); diff != "" {
		t.Errorf("replay leaked across streams (-want +got):\n%s", diff)
	}
}

func TestMemoryStoreReplayEmitError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	anchor, err := s.AppendPriming(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "A", []byte("x")); err != nil {
		t.Fatal(err)
	}

	sentinel := context.Canceled
	err = s.ReplayAfter(ctx, "A", anchor, func(string, []byte) error { return sentinel })
	if err != sentinel {
		t.Fatalf("got %v, want emit error propagated", err)
	}
}
