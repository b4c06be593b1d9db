package main

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// invariant: no two concurrent tasks place orders for the same symbol.
func TestSymbolLockTable_SerializesSameSymbol(t *testing.T) {
	table := NewSymbolLockTable()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := table.Lock("BTCUSDT")
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive, "only one goroutine may hold BTCUSDT's lock at a time")
}

func TestSymbolLockTable_UnrelatedSymbolsProceedConcurrently(t *testing.T) {
	table := NewSymbolLockTable()
	var wg sync.WaitGroup
	start := make(chan struct{})
	done := make(chan struct{}, 2)

	wg.Add(2)
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		sym := sym
		go func() {
			defer wg.Done()
			<-start
			unlock := table.Lock(sym)
			defer unlock()
			done <- struct{}{}
		}()
	}
	close(start)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("first unrelated-symbol lock never acquired")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second unrelated-symbol lock never acquired concurrently")
	}
	wg.Wait()
}

// LockMany must acquire in lexicographic order regardless of the order
// symbols were requested in, so two callers needing an overlapping symbol
// set never deadlock against each other.
func TestSymbolLockTable_LockManyDeadlockAvoidance(t *testing.T) {
	table := NewSymbolLockTable()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		unlock := table.LockMany("ETHUSDT", "BTCUSDT")
		time.Sleep(5 * time.Millisecond)
		unlock()
	}()
	go func() {
		defer wg.Done()
		unlock := table.LockMany("BTCUSDT", "ETHUSDT")
		time.Sleep(5 * time.Millisecond)
		unlock()
	}()

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("LockMany deadlocked on an overlapping symbol set")
	}
}

func TestSymbolLockTable_LockManyDedupesSymbols(t *testing.T) {
	table := NewSymbolLockTable()
	done := make(chan struct{})
	go func() {
		unlock := table.LockMany("BTCUSDT", "BTCUSDT", "ETHUSDT")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LockMany with a duplicate symbol must not self-deadlock")
	}
}
