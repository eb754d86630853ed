package connector

import (
	"errors"
	"time"

	"github.com/timzifer/coupler/trigger"
)

func (c *Connector[O, I, CO, CI]) runReplay(id string, rep Replayer[O], q trigger.Query) {
	defer c.replays.Done()
	logger := c.logger.With().Str("job", id).Str("query", string(q.Kind())).Logger()
	c.telemetry.IncReplayJob(c.id, "started")
	started := time.Now()

	rows, err := rep.Query(c.replayCtx, q)
	if err != nil {
		c.telemetry.IncReplayJob(c.id, "failed")
		c.report("query", "trigger query failed", err)
		return
	}

	replay := trigger.Replay{
		Delay:    q.Delay(),
		Complete: c.complete,
		Sleep:    c.sleep,
		OnError: func(err error) {
			c.report("replay", "replayed record failed", err)
		},
		Logger: logger,
	}
	n, err := replay.Run(c.replayCtx, rows, func(rec trigger.Record) error {
		return c.replayRecord(rep, rec)
	})
	if err != nil && !errors.Is(err, c.replayCtx.Err()) {
		c.telemetry.IncReplayJob(c.id, "failed")
		c.report("replay", "replay aborted", err)
		return
	}
	c.telemetry.IncReplayJob(c.id, "finished")
	logger.Debug().Int("records", n).Dur("elapsed", time.Since(started)).Msg("replay finished")
}

// replayRecord is one acquisition: stage, translate, unstage, dispatch.
// Records arriving while the connector is not connected are skipped.
func (c *Connector[O, I, CO, CI]) replayRecord(rep Replayer[O], rec trigger.Record) error {
	if c.State() != StateConnected {
		return nil
	}
	c.mu.Lock()
	if c.access == nil {
		c.mu.Unlock()
		return nil
	}
	raw, err := rep.Stage(rec)
	if err != nil {
		rep.Unstage()
		c.mu.Unlock()
		return err
	}
	typ, value, err := c.translate(raw)
	rep.Unstage()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.dispatch(typ, value)
	return nil
}
