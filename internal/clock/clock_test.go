package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceMovesNow(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fc := NewFake(start)
	assert.Equal(t, start, fc.Now())

	fc.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), fc.Now())
}

func TestFake_AfterFiresOnlyPastDeadline(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	ch := fc.After(10 * time.Second)

	fc.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fc.Advance(time.Second)
	select {
	case v := <-ch:
		assert.Equal(t, time.Unix(10, 0), v)
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFake_AfterZeroFiresImmediately(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	select {
	case <-fc.After(0):
	default:
		t.Fatal("After(0) should be ready immediately")
	}
}
