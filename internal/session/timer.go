package session

import (
	"fmt"
	"sync"
	"time"
)

// ElapsedTimer counts time since Start and calls onTick once per interval
// while active.
type ElapsedTimer struct {
	interval time.Duration
	onTick   func(elapsed time.Duration)

	mu       sync.Mutex
	started  time.Time
	ticker   *time.Ticker
	stop     chan struct{}
	isActive bool
}

// NewElapsedTimer creates a stopped timer. onTick may be nil.
func NewElapsedTimer(interval time.Duration, onTick func(time.Duration)) *ElapsedTimer {
	return &ElapsedTimer{interval: interval, onTick: onTick}
}

// Start restarts the count from zero.
func (et *ElapsedTimer) Start() {
	et.mu.Lock()
	defer et.mu.Unlock()

	et.stopLocked()
	et.started = time.Now()
	et.isActive = true
	et.ticker = time.NewTicker(et.interval)
	et.stop = make(chan struct{})

	go et.run(et.ticker, et.stop)
}

func (et *ElapsedTimer) run(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if et.onTick != nil {
				et.onTick(et.Elapsed())
			}
		}
	}
}

// Stop halts the timer and resets the count.
func (et *ElapsedTimer) Stop() {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.stopLocked()
}

func (et *ElapsedTimer) stopLocked() {
	if et.ticker != nil {
		et.ticker.Stop()
		close(et.stop)
		et.ticker = nil
		et.stop = nil
	}
	et.isActive = false
}

// IsActive returns whether the timer is currently running.
func (et *ElapsedTimer) IsActive() bool {
	et.mu.Lock()
	defer et.mu.Unlock()
	return et.isActive
}

// Elapsed is the time since Start, or zero when stopped.
func (et *ElapsedTimer) Elapsed() time.Duration {
	et.mu.Lock()
	defer et.mu.Unlock()
	if !et.isActive {
		return 0
	}
	return time.Since(et.started)
}

// FormatElapsed renders d as MM:SS. Minutes keep growing past 59.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
