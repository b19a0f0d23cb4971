// Package scheduler drives the time-based parts of the mission lifecycle:
// closing bidding windows and expiring missions past their deadlines.
package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"missionline/internal/engine"
)

// ActorID is recorded on every event the scheduler causes.
const ActorID = "scheduler"

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	CloseDueBidding(ctx context.Context, actorID string) ([]engine.CloseResult, error)
	ExpireOverdue(ctx context.Context, actorID string) ([]engine.Expiry, error)
}

// Report summarises one tick.
type Report struct {
	Closed  []engine.CloseResult
	Expired []engine.Expiry
}

type Scheduler struct {
	sweeper Sweeper
	// interval is consulted before every tick so a reloaded config applies
	// without a restart.
	interval func() time.Duration
	logger   *log.Logger
}

// New creates a scheduler. A nil interval uses five seconds.
func New(s Sweeper, interval func() time.Duration, logger *log.Logger) *Scheduler {
	if interval == nil {
		interval = func() time.Duration { return 5 * time.Second }
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{sweeper: s, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled. It returns nil on cancellation; a failed
// tick is logged and retried on the next one.
func (sch *Scheduler) Run(ctx context.Context) error {
	sch.logger.Printf("scheduler: started (interval %s)", sch.interval())
	defer sch.logger.Printf("scheduler: stopped")
	for {
		timer := time.NewTimer(sch.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := sch.Tick(ctx); err != nil && ctx.Err() == nil {
				sch.logger.Printf("scheduler: tick failed: %v", err)
			}
		}
	}
}

func (sch *Scheduler) next() time.Duration {
	d := sch.interval()
	if d <= 0 {
		d = 5 * time.Second
	}
	return d
}

// Tick runs one sweep. Bidding is closed before deadlines are checked; an
// error in one step does not skip the other.
func (sch *Scheduler) Tick(ctx context.Context) (Report, error) {
	var rep Report
	closed, closeErr := sch.sweeper.CloseDueBidding(ctx, ActorID)
	rep.Closed = closed
	for _, c := range closed {
		winner := "none"
		if c.Winner != nil {
			winner = c.Winner.AgentID
		}
		sch.logger.Printf("scheduler: closed bidding on %s (winner %s)", c.Mission.ID, winner)
	}
	expired, expireErr := sch.sweeper.ExpireOverdue(ctx, ActorID)
	rep.Expired = expired
	for _, x := range expired {
		sch.logger.Printf("scheduler: expired %s from %s as %s", x.MissionID, x.From, x.Outcome)
	}
	return rep, errors.Join(closeErr, expireErr)
}
