package settle

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop drives the settlement engine in the background: it idles on a fixed
// interval while the book has no crossable pair, and drains to empty as soon
// as one appears. This is the only writer of settlements; order placement and
// cancellation arrive concurrently from foreign goroutines.
type Loop struct {
	engine   *Engine
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewLoop(e *Engine, interval time.Duration, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{engine: e, interval: interval, log: log}
}

// Start launches the settlement goroutine. Starting a running loop is a
// no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	go l.run()
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	done := l.done
	l.mu.Unlock()
	<-done
}

func (l *Loop) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
		}
		l.drain()
	}
}

// drain settles matches until none remain, re-invoking immediately after
// each processed match.
func (l *Loop) drain() {
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		matched, err := l.engine.SettleNext()
		if err != nil {
			l.log.Error("settlement cycle failed", zap.Error(err))
			return
		}
		if !matched {
			return
		}
	}
}
