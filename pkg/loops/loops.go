// Package loops owns the background workers that drive the controllers.
package loops

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// Ticker is one controller pass.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Driver runs tickers on periodic workers. Workers never crash: panics and
// errors are logged and the worker keeps going until the context is canceled.
type Driver struct {
	clock clock.WithTicker
	log   logr.Logger
	wg    sync.WaitGroup
}

func NewDriver(clk clock.WithTicker, log logr.Logger) *Driver {
	return &Driver{clock: clk, log: log.WithName("loops")}
}

// Start launches a worker that runs the tickers in sequence, first
// immediately and then every interval, until ctx is canceled.
func (d *Driver) Start(ctx context.Context, name string, interval time.Duration, tickers ...Ticker) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := d.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			d.runOnce(ctx, name, tickers)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
			}
		}
	}()
}

func (d *Driver) runOnce(ctx context.Context, name string, tickers []Ticker) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Info("worker recovered from panic", "worker", name, "panic", r)
		}
	}()
	for _, t := range tickers {
		if ctx.Err() != nil {
			return
		}
		if err := t.Tick(ctx); err != nil {
			d.log.Error(err, "tick failed", "worker", name)
		}
	}
}

// Stop waits for all workers to return, up to timeout. It reports whether the
// join completed. Callers cancel the workers' context before calling Stop.
func (d *Driver) Stop(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
