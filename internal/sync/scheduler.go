package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

// Scheduler drains the engine's sync queue on a fixed cadence while
// connectivity is available. Owned by the engine: started by Engine.Start,
// stopped by Engine.Stop.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	cron     *cron.Cron
	entryID  cron.EntryID
	drainMu  sync.Mutex
}

func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: interval,
		cron:     cron.New(),
	}
}

func (s *Scheduler) Start() {
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.drain)
	if err != nil {
		logger.Log.Error("Failed to schedule sync drain", zap.Error(err))
		return
	}
	s.entryID = id
	s.cron.Start()
	logger.Log.Info("Started sync scheduler", zap.Duration("interval", s.interval))
}

// Stop halts the cadence and waits for a running drain to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Log.Info("Stopped sync scheduler")
}

// drain processes every queued record ID, then runs a full pending pass to
// pick up records stored while offline. Single-flight: an overlapping tick is
// skipped rather than queued up behind the running one.
func (s *Scheduler) drain() {
	if !s.drainMu.TryLock() {
		logger.Log.Debug("Sync drain already running, skipping tick")
		return
	}
	defer s.drainMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	if !s.engine.probe.Online(ctx) {
		return
	}

	drained := 0
loop:
	for {
		select {
		case recordID := <-s.engine.queue:
			// A failing record only affects itself; syncClaimed contains
			// errors and panics per record.
			s.engine.syncByID(ctx, recordID)
			drained++
		default:
			break loop
		}
	}
	if drained > 0 {
		logger.Log.Debug("Drained sync queue", zap.Int("records", drained))
	}

	// Records stored while offline were never queued; the claim guard keeps
	// this pass from touching anything the queue drain just synced.
	if _, err := s.engine.SyncWhenOnline(ctx); err != nil {
		logger.Log.Error("Scheduled sync pass failed", zap.Error(err))
	}
}
