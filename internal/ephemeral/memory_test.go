package ephemeral

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), time.Minute))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, s.Delete(ctx, "k1"))

	_, err = s.Get(ctx, "k1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissingKey(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Get(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("v"), 20*time.Millisecond))

	_, err := s.Get(ctx, "short")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = s.Get(ctx, "short")
	require.ErrorIs(t, err, ErrNotFound, "expired key should read as absent")
}

func TestSetRejectsNonPositiveTTL(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.Error(t, s.Set(context.Background(), "k", []byte("v"), 0))
}

func TestAppendTrimsToMaxLen(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		v := []byte(fmt.Sprintf("item-%d", i))
		require.NoError(t, s.Append(ctx, "ring", v, 5, time.Minute))
	}

	items, err := s.List(ctx, "ring")
	require.NoError(t, err)
	require.Len(t, items, 5, "ring should hold at most maxLen entries")
	require.Equal(t, []byte("item-5"), items[0], "oldest surviving entry first")
	require.Equal(t, []byte("item-9"), items[4], "newest entry last")
}

func TestAppendRefreshesTTL(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "ring", []byte("a"), 10, 30*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Append(ctx, "ring", []byte("b"), 10, 30*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	items, err := s.List(ctx, "ring")
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestPublishSubscribeOrder(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var got [][]byte
	done := make(chan struct{})

	cancel, err := s.Subscribe(ctx, "topic-a", func(_ string, payload []byte) {
		mu.Lock()
		got = append(got, payload)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Publish(ctx, "topic-a", []byte("1")))
	require.NoError(t, s.Publish(ctx, "topic-a", []byte("2")))
	require.NoError(t, s.Publish(ctx, "topic-a", []byte("3")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]byte{[]byte("1"), []byte("2"), []byte("3")}, got,
		"per-topic delivery order must match publish order")
}

func TestPublishIsTopicScoped(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	gotA := make(chan []byte, 1)
	gotB := make(chan []byte, 1)

	cancelA, err := s.Subscribe(ctx, "topic-a", func(_ string, p []byte) { gotA <- p })
	require.NoError(t, err)
	defer cancelA()
	cancelB, err := s.Subscribe(ctx, "topic-b", func(_ string, p []byte) { gotB <- p })
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, s.Publish(ctx, "topic-a", []byte("only-a")))

	select {
	case p := <-gotA:
		require.Equal(t, []byte("only-a"), p)
	case <-time.After(time.Second):
		t.Fatal("topic-a subscriber never received the message")
	}

	select {
	case p := <-gotB:
		t.Fatalf("topic-b subscriber received unrelated message %q", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		received := false
		cancel, err := s.Subscribe(ctx, "shared", func(_ string, _ []byte) {
			if !received {
				received = true
				wg.Done()
			}
		})
		require.NoError(t, err)
		defer cancel()
	}

	require.NoError(t, s.Publish(ctx, "shared", []byte("hello")))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the message")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	got := make(chan []byte, 8)
	cancel, err := s.Subscribe(ctx, "t", func(_ string, p []byte) { got <- p })
	require.NoError(t, err)

	cancel()
	cancel() // second call must be safe

	require.NoError(t, s.Publish(ctx, "t", []byte("after")))

	select {
	case p := <-got:
		t.Fatalf("received %q after cancel", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClose(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := s.Subscribe(ctx, "t", func(string, []byte) {})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close must be safe")

	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Set(ctx, "k", []byte("v"), time.Minute), ErrClosed)
	require.ErrorIs(t, s.Publish(ctx, "t", []byte("p")), ErrClosed)
	_, err = s.Subscribe(ctx, "t", func(string, []byte) {})
	require.ErrorIs(t, err, ErrClosed)
}
