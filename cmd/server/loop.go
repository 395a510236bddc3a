package main

import (
	"context"
	"log"
	"time"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/engine"
)

// runLoop drives the engine at rateHz until ctx is done, then flushes
// persistence once. It is the only goroutine that touches the engine. Each
// publish func receives the snapshot taken after every tick.
func runLoop(ctx context.Context, eng *engine.Engine, rateHz int, logger *log.Logger, publish ...func(engine.Diagnostics)) {
	interval := time.Second / time.Duration(max(1, rateHz))
	t := time.NewTicker(interval)
	defer t.Stop()

	tick := eng.CurrentTick()
	for {
		select {
		case <-ctx.Done():
			if _, err := eng.Flush(); err != nil {
				logger.Printf("final flush: %v", err)
			}
			logger.Printf("stopped at tick %d", tick)
			return
		case <-t.C:
			tick++
			eng.Tick(tick)
			if len(publish) == 0 {
				continue
			}
			snap := eng.Snapshot()
			for _, p := range publish {
				p(snap)
			}
		}
	}
}

// multiRecorder fans a tick report out to several recorders.
type multiRecorder []engine.MetricsRecorder

func (m multiRecorder) ObserveTick(rep engine.TickReport) {
	for _, r := range m {
		if r != nil {
			r.ObserveTick(rep)
		}
	}
}

// tickWriter adapts a tick logger to engine.MetricsRecorder.
type tickWriter struct {
	w interface {
		WriteTick(engine.TickReport) error
	}
	logger *log.Logger
}

func (t tickWriter) ObserveTick(rep engine.TickReport) {
	if err := t.w.WriteTick(rep); err != nil {
		t.logger.Printf("tick log: %v", err)
	}
}
