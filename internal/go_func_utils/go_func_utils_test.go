package go_func_utils

import (
	"bytes"
	"log"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunParallel_RunsAllAndWaits(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	var count atomic.Int32

	fns := make([]func(), 0, 5)
	for i := 0; i < 5; i++ {
		fns = append(fns, func() { count.Add(1) })
	}
	RunParallel(logger, fns...)

	assert.Equal(t, int32(5), count.Load())
}

func TestRunParallel_NoFuncs(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	assert.NotPanics(t, func() { RunParallel(logger) })
}
