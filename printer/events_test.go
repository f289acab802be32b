package printer

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDroppingSubscriberSkipsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Nobody reads; publishing far past the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			bus.Publish(StatusUpdate{DeviceID: strconv.Itoa(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a dropping subscriber")
	}

	// The buffered prefix arrived in order; the rest was dropped.
	first := <-ch
	assert.Equal(t, "0", first.DeviceID)
}

func TestReliableSubscriberMissesNothing(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.SubscribeReliable()
	defer cancel()

	const n = 100 // well past the channel buffer
	go func() {
		for i := 0; i < n; i++ {
			bus.Publish(StatusUpdate{DeviceID: strconv.Itoa(i)})
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case u := <-ch:
			assert.Equal(t, strconv.Itoa(i), u.DeviceID)
		case <-time.After(time.Second):
			t.Fatalf("update %d never delivered", i)
		}
	}
}

func TestReliableSubscriberCancelUnblocksPublisher(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.SubscribeReliable()

	published := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ { // enough to fill the buffer and block
			bus.Publish(StatusUpdate{})
		}
		close(published)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after cancel")
	}
}
