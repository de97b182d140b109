package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenChan_ForwardsChanges(t *testing.T) {
	o := NewObservable[string]("", nil, false)

	ch := make(chan string, 10)
	unregister := ListenChan(o, ch)

	o.Set("test1")
	o.Set("test2")

	assert.Equal(t, "test1", <-ch)
	assert.Equal(t, "test2", <-ch)

	unregister()
	o.Set("test3")

	select {
	case val := <-ch:
		t.Errorf("Unexpected value received after unregister: %s", val)
	default:
	}
}

func TestListenChan_ReplaysCurrentValue(t *testing.T) {
	o := NewValue("first-event")

	ch := make(chan string, 10)
	unregister := ListenChan(o, ch)
	defer unregister()

	select {
	case val := <-ch:
		assert.Equal(t, "first-event", val)
	default:
		t.Fatal("expected the current value to be replayed")
	}
}

func TestListenChan_FullChannel(t *testing.T) {
	o := NewObservable[string]("", nil, false)

	ch := make(chan string, 1)
	unregister := ListenChan(o, ch)
	defer unregister()

	ch <- "blocking"

	// Should be skipped since channel is full
	o.Set("test1")
	o.Set("test2")
	assert.Equal(t, 1, len(ch))

	<-ch

	o.Set("test3")
	assert.Equal(t, "test3", <-ch)
}

func TestListenChan_NilChannel(t *testing.T) {
	o := NewValue(1)

	assert.Panics(t, func() {
		ListenChan[int](o, nil)
	})
}
