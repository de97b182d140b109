package go_func_utils

import (
	"log"
	"runtime/debug"
	"sync"
)

func SafeGo(logger *log.Logger, fn func()) {
	// the terminal UI swallows anything written to stdout, so capture the
	// panic in our logger before crashing out again...
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}

// RunParallel runs every fn in its own SafeGo goroutine and waits for all of
// them to return.
func RunParallel(logger *log.Logger, fns ...func()) {
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for _, fn := range fns {
		fn := fn
		SafeGo(logger, func() {
			defer wg.Done()
			fn()
		})
	}
	wg.Wait()
}
