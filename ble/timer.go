package ble

import (
	"runtime"
	"sync"
	"time"

	"github.com/user/herald-blue/logger"
)

// BLETimerDelegate is called once per tick with the tick time. Delegates
// run on the timer goroutine and must only enqueue work.
type BLETimerDelegate func(now time.Time)

// BLETimer is a steady ticker on a goroutine locked to its own OS thread,
// so maintenance work keeps a regular cadence independent of the callers'
// schedulers
type BLETimer struct {
	interval time.Duration
	log      *logger.Logger

	mu        sync.Mutex
	delegates []BLETimerDelegate
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewBLETimer(interval time.Duration, log *logger.Logger) *BLETimer {
	if log == nil {
		log = logger.Discard()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &BLETimer{
		interval: interval,
		log:      log.With("component", "timer"),
	}
}

// Add registers a delegate. Delegates added while running are picked up on
// the next tick.
func (t *BLETimer) Add(delegate BLETimerDelegate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delegates = append(t.delegates, delegate)
}

// Start launches the tick loop. Starting a running timer is a no-op.
func (t *BLETimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopChan != nil {
		return
	}
	t.stopChan = make(chan struct{})
	t.wg.Add(1)
	go t.loop(t.stopChan)
	t.log.Debug("started (interval=%v)", t.interval)
}

// Stop halts the tick loop and waits for the current tick to finish
func (t *BLETimer) Stop() {
	t.mu.Lock()
	stopChan := t.stopChan
	t.stopChan = nil
	t.mu.Unlock()

	if stopChan == nil {
		return
	}
	close(stopChan)
	t.wg.Wait()
	t.log.Debug("stopped")
}

func (t *BLETimer) loop(stopChan chan struct{}) {
	defer t.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case now := <-ticker.C:
			t.mu.Lock()
			delegates := append([]BLETimerDelegate(nil), t.delegates...)
			t.mu.Unlock()
			for _, delegate := range delegates {
				delegate(now)
			}
		}
	}
}
