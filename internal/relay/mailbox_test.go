package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vimalinx/relay/internal/model"
)

func testMessage(text string) model.InboundMessage {
	return model.InboundMessage{ChatID: "c1", SenderID: "alice", Text: text, Timestamp: time.Now().UnixMilli()}
}

func TestWait_ReturnsQueuedImmediately(t *testing.T) {
	m := NewMailbox()
	m.Enqueue(testDevice, testMessage("ping"))

	start := time.Now()
	messages := m.Wait(context.Background(), testDevice, time.Second)
	require.Len(t, messages, 1)
	assert.Equal(t, "ping", messages[0].Text)
	assert.Less(t, time.Since(start), 200*time.Millisecond, "queued messages must not wait")
	assert.Equal(t, 0, m.QueueLen(testDevice), "drain empties the queue")
}

func TestWait_TimesOutEmpty(t *testing.T) {
	m := NewMailbox()

	start := time.Now()
	messages := m.Wait(context.Background(), testDevice, 200*time.Millisecond)
	elapsed := time.Since(start)

	assert.Empty(t, messages)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond, "timeout must elapse before returning empty")
	assert.Less(t, elapsed, time.Second)
}

func TestWait_ResolvedByEnqueue(t *testing.T) {
	m := NewMailbox()

	done := make(chan []model.InboundMessage, 1)
	go func() {
		done <- m.Wait(context.Background(), testDevice, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	m.Enqueue(testDevice, testMessage("a"))

	select {
	case messages := <-done:
		require.Len(t, messages, 1)
		assert.Equal(t, "a", messages[0].Text)
	case <-time.After(time.Second):
		t.Fatal("waiter not resolved by enqueue")
	}
}

func TestWait_BatchDelivery(t *testing.T) {
	m := NewMailbox()
	m.Enqueue(testDevice, testMessage("a"))
	m.Enqueue(testDevice, testMessage("b"))
	m.Enqueue(testDevice, testMessage("c"))

	messages := m.Wait(context.Background(), testDevice, time.Second)
	require.Len(t, messages, 3)
	assert.Equal(t, "a", messages[0].Text)
	assert.Equal(t, "b", messages[1].Text)
	assert.Equal(t, "c", messages[2].Text)
}

func TestWait_SingleWaiterPerEnqueue(t *testing.T) {
	m := NewMailbox()

	results := make(chan []model.InboundMessage, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- m.Wait(context.Background(), testDevice, 500*time.Millisecond)
		}()
	}
	time.Sleep(50 * time.Millisecond)

	m.Enqueue(testDevice, testMessage("a"))
	m.Enqueue(testDevice, testMessage("b"))

	var delivered [][]model.InboundMessage
	for i := 0; i < 2; i++ {
		select {
		case messages := <-results:
			delivered = append(delivered, messages)
		case <-time.After(2 * time.Second):
			t.Fatal("poller did not return")
		}
	}

	// Each message resolves at most one waiter; nothing is double-delivered.
	total := 0
	for _, messages := range delivered {
		total += len(messages)
	}
	assert.Equal(t, 2, total, "messages delivered exactly once across pollers")
}

func TestWait_ContextCancelReturnsEmpty(t *testing.T) {
	m := NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan []model.InboundMessage, 1)
	go func() {
		done <- m.Wait(ctx, testDevice, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case messages := <-done:
		assert.Empty(t, messages)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	// Messages enqueued after the abort stay queued for the next poll.
	m.Enqueue(testDevice, testMessage("later"))
	assert.Equal(t, 1, m.QueueLen(testDevice))
}

func TestWait_DeviceKeysAreIsolated(t *testing.T) {
	m := NewMailbox()
	m.Enqueue("alice:t1", testMessage("for-alice"))

	messages := m.Wait(context.Background(), "bob:t2", 100*time.Millisecond)
	assert.Empty(t, messages)
	assert.Equal(t, 1, m.QueueLen("alice:t1"))
}
