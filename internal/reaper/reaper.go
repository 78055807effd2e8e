// Package reaper is the out-of-band garbage collector for subagent records
// orphaned by a daemon that disappeared and never reported a terminal
// state.
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neboloop/lens/internal/logging"
)

// staleAfter is how long a non-terminal record may sit without an update
// before the sweep fails it.
const staleAfter = 24 * time.Hour

// reasonDaemonLost marks records reaped by the sweep.
const reasonDaemonLost = "daemon_lost"

// Store is the sweep surface.
type Store interface {
	ReapStaleSubAgents(ctx context.Context, cutoff time.Time, reason string) (int, error)
}

// Reaper runs the periodic sweep.
type Reaper struct {
	store Store
	cron  *cron.Cron
}

// New creates the reaper with a 10-minute schedule.
func New(st Store) *Reaper {
	r := &Reaper{store: st, cron: cron.New()}
	r.cron.AddFunc("@every 10m", r.sweep)
	return r
}

// Start begins the schedule.
func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running sweep.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-staleAfter)
	n, err := r.store.ReapStaleSubAgents(ctx, cutoff, reasonDaemonLost)
	if err != nil {
		logging.Errorf("[Reaper] Sweep failed: %v", err)
		return
	}
	if n > 0 {
		logging.Infof("[Reaper] Failed %d orphaned subagents", n)
	}
}
