package connector

import (
	"context"
	"time"
)

type pollLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startPolling runs one acquisition immediately and then one per interval.
func (c *Connector[O, I, CO, CI]) startPolling(interval time.Duration) *pollLoop {
	ctx, cancel := context.WithCancel(context.Background())
	loop := &pollLoop{cancel: cancel, done: make(chan struct{})}
	c.logger.Debug().Dur("interval", interval).Msg("poll loop started")

	go func() {
		defer close(loop.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				c.tick(ctx)
			}
		}
	}()
	return loop
}

// stopPolling cancels the loop and waits for an in-flight tick.
func (c *Connector[O, I, CO, CI]) stopPolling() {
	loop := c.poll
	if loop == nil {
		return
	}
	c.poll = nil
	loop.cancel()
	<-loop.done
	c.logger.Debug().Msg("poll loop stopped")
}

func (c *Connector[O, I, CO, CI]) tick(ctx context.Context) {
	c.telemetry.IncPollTick(c.id)

	c.mu.Lock()
	if c.access == nil {
		c.mu.Unlock()
		return
	}
	raw, ok, err := c.binding.Read(ctx)
	if err != nil {
		c.mu.Unlock()
		c.report("read", "poll read failed", err)
		return
	}
	if !ok {
		c.mu.Unlock()
		return
	}
	typ, value, err := c.translate(raw)
	c.mu.Unlock()
	if err != nil {
		c.report("translate", "poll translation failed", err)
		return
	}
	c.dispatch(typ, value)
}
