package lease

import (
	"context"
	"sync"
	"time"
)

// Renewer keeps one agent's lease alive while its work runs. It renews
// at half the TTL so a single missed tick never loses the lease, and
// exits on the first renewal failure (budget exhausted, holder changed,
// task moved on).
type Renewer struct {
	mgr    *Manager
	taskID string
	agent  string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRenewer creates a renewer for the given task and holder.
func NewRenewer(mgr *Manager, taskID, agent string) *Renewer {
	return &Renewer{
		mgr:    mgr,
		taskID: taskID,
		agent:  agent,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the renewal loop. It returns immediately; the loop
// runs until Stop is called, ctx is cancelled, or a renewal fails.
func (r *Renewer) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Renewer) run(ctx context.Context) {
	defer close(r.done)

	interval := r.mgr.TTL() / 2
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-timer.C:
			if _, err := r.mgr.Renew(r.taskID, r.agent); err != nil {
				r.mgr.logger.Warn("lease renewal stopped",
					"task", r.taskID, "agent", r.agent, "error", err)
				return
			}
			timer.Reset(interval)
		}
	}
}

// Stop ends the renewal loop and waits for it to exit. Safe to call
// more than once.
func (r *Renewer) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}
