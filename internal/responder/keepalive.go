package responder

import (
	"context"
	"sync"
	"time"
)

// Default keep-alive settings.
const (
	DefaultKeepAliveInterval      = 15 * time.Second
	DefaultKeepAliveMaxIterations = 20
)

// startPinger calls tick every interval until stop is called, ctx ends, or
// maxIterations ticks have fired. stop waits for the goroutine to exit.
func startPinger(ctx context.Context, interval time.Duration, maxIterations int, tick func(ctx context.Context, n int)) (stop func()) {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	if maxIterations <= 0 {
		maxIterations = DefaultKeepAliveMaxIterations
	}

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for n := 1; n <= maxIterations; n++ {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case <-ticker.C:
				tick(ctx, n)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-done
	}
}
