package termagent

import (
	"context"
	"time"

	"github.com/neboloop/lens/internal/ai"
	"github.com/neboloop/lens/internal/logging"
)

const (
	// Classification triggers.
	quiescence   = 500 * time.Millisecond
	burstBytes   = 2 * 1024
	idleInterval = 2 * time.Second

	observerRetries = 3

	// Continuous classification failure beyond this while output still
	// flows fails the agent.
	observerFailureBudget = 30 * time.Second

	observerPollTick = 100 * time.Millisecond
)

// observerLoop drives the classifier against the rolling window until a
// terminal observation or ctx cancellation. It reports status transitions
// through the agent and returns the terminal observation, if any.
func (a *Agent) observerLoop(ctx context.Context) *ai.Observation {
	ticker := time.NewTicker(observerPollTick)
	defer ticker.Stop()

	var (
		lastClassify time.Time
		lastWorking  string
		failingSince time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !a.shouldClassify(lastClassify) {
			continue
		}
		window, fresh := a.window.snapshot()
		if window == "" {
			continue
		}
		lastClassify = time.Now()

		obs, err := a.classifyWithRetry(ctx, window)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if failingSince.IsZero() {
				failingSince = time.Now()
			}
			logging.Warnf("[TermAgent %s] Observer failing: %v", a.cfg.AgentID, err)
			// Only fatal when classification has been down for the whole
			// budget while the tool keeps printing.
			if time.Since(failingSince) > observerFailureBudget && fresh > 0 {
				return &ai.Observation{State: ai.ObserverFailure, Summary: "observer unavailable"}
			}
			continue
		}
		failingSince = time.Time{}

		switch obs.State {
		case ai.ObserverWorking:
			// Coalesce identical consecutive working observations.
			if obs.Summary == lastWorking {
				continue
			}
			lastWorking = obs.Summary
			a.reportStatus("running", obs.Summary)

		case ai.ObserverAwaitingInput:
			lastWorking = ""
			a.reportStatus("awaiting_input", obs.Summary)

		case ai.ObserverSuccess, ai.ObserverFailure:
			return obs
		}
	}
}

// shouldClassify evaluates the three triggers: newline quiescence, output
// burst, and the idle tick.
func (a *Agent) shouldClassify(lastClassify time.Time) bool {
	fresh := a.window.freshBytes()
	sinceOutput := time.Since(a.lastOutputAt())

	if fresh >= burstBytes {
		return true
	}
	if fresh > 0 && sinceOutput >= quiescence {
		return true
	}
	if time.Since(lastClassify) >= idleInterval {
		return true
	}
	return false
}

// classifyWithRetry calls the observer with bounded retries and backoff.
func (a *Agent) classifyWithRetry(ctx context.Context, window string) (*ai.Observation, error) {
	var lastErr error
	for attempt := 0; attempt <= observerRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
		obs, err := a.cfg.Observer.Classify(ctx, window)
		if err == nil {
			return obs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
