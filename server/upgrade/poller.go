package upgrade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panupd/panupd/share/logger"
	"github.com/panupd/panupd/share/models"
)

// JobStatusGetter is the one firewall operation the poller needs.
type JobStatusGetter interface {
	JobStatus(ctx context.Context, jobID string) (*models.JobStatus, error)
}

// PollPolicy carries the timing knobs of a polling run. Tests shrink the
// durations; production uses DefaultPollPolicy.
type PollPolicy struct {
	Interval       time.Duration // time between status reads
	RequestTimeout time.Duration // budget for a single status read
	MaxTicks       int           // overall tick budget
	MaxFailures    int           // consecutive transient failures tolerated
	StaleAfter     time.Duration // max age of the last successful read
	RecentWindow   time.Duration // "job still moving" window at budget exhaustion
	ExtensionTicks int           // runway granted when the budget is extended
}

// DefaultPollPolicy polls every 15s for up to 120 ticks (~30 minutes),
// tolerates 2 consecutive bad reads and considers the job stuck after 10
// minutes without a successful read.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:       15 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxTicks:       120,
		MaxFailures:    3,
		StaleAfter:     10 * time.Minute,
		RecentWindow:   2 * time.Minute,
		ExtensionTicks: 10,
	}
}

// PollRequest identifies the job to drive to completion and the slice of the
// overall progress bar this step owns.
type PollRequest struct {
	JobID       string
	Step        Step
	DisplayName string
	RangeStart  float64
	RangeEnd    float64
}

// JobPoller drives a single firewall job to a terminal state by polling its
// status on a fixed interval.
type JobPoller struct {
	api      JobStatusGetter
	policy   PollPolicy
	log      *logger.Logger
	progress ProgressFunc
}

func NewJobPoller(api JobStatusGetter, policy PollPolicy, log *logger.Logger, progress ProgressFunc) *JobPoller {
	return &JobPoller{
		api:      api,
		policy:   policy,
		log:      log.Fork("poller"),
		progress: progress,
	}
}

// Poll blocks until the job reaches a terminal state or a fatal condition
// fires. A nil return means terminal success; any error is fatal for the
// whole workflow. Cancellation surfaces as the context's error.
//
// Ticks are strictly sequential: the status read happens inline on the tick,
// so a slow response cannot overlap the next one (the ticker simply drops
// missed ticks).
func (p *JobPoller) Poll(ctx context.Context, req PollRequest) error {
	log := p.log.Fork("%s [job %s]", req.Step, req.JobID)
	log.Debugf("polling every %s, range %.0f-%.0f", p.policy.Interval, req.RangeStart, req.RangeEnd)

	failures := 0
	lastGood := time.Now()
	lastPercent := req.RangeStart
	tick := 0

	ticker := time.NewTicker(p.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		tick++

		if tick > p.policy.MaxTicks {
			if time.Since(lastGood) <= p.policy.RecentWindow {
				// the job is still actively reporting, grant more runway
				tick = p.policy.MaxTicks - p.policy.ExtensionTicks
				log.Infof("tick budget exhausted but job is still progressing, extending by %d ticks", p.policy.ExtensionTicks)
			} else {
				return p.fail(req, lastPercent, fmt.Sprintf("%s timed out after %d status checks", req.DisplayName, p.policy.MaxTicks))
			}
		}

		if age := time.Since(lastGood); age > p.policy.StaleAfter {
			return p.fail(req, lastPercent, fmt.Sprintf("%s appears stuck: no successful status read for %d minutes", req.DisplayName, int(age.Minutes())))
		}

		status, err := p.fetch(ctx, req.JobID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			log.Infof("status read %d/%d failed: %v", failures, p.policy.MaxFailures, err)
			if failures >= p.policy.MaxFailures {
				return p.fail(req, lastPercent, fmt.Sprintf("%s: %d consecutive status checks failed, giving up (last error: %v)", req.DisplayName, failures, err))
			}
			p.progress.emit(ProgressEvent{
				Step:    req.Step.String(),
				Message: fmt.Sprintf("%s: status check failed, retrying (%d/%d)", req.DisplayName, failures, p.policy.MaxFailures),
				Percent: lastPercent,
			})
			continue
		}

		failures = 0
		lastGood = time.Now()

		if status.Finished() {
			if status.Failed() {
				reason := status.Details
				if reason == "" {
					reason = "the firewall reported failure"
				}
				return p.fail(req, lastPercent, fmt.Sprintf("%s failed: %s", req.DisplayName, reason))
			}
			p.progress.emit(ProgressEvent{
				Step:    req.Step.String(),
				Message: fmt.Sprintf("%s complete", req.DisplayName),
				Percent: req.RangeEnd,
			})
			log.Infof("job finished successfully after %d ticks", tick)
			return nil
		}

		percent := req.RangeStart + float64(status.Progress)/100*(req.RangeEnd-req.RangeStart)
		if percent < lastPercent {
			// the firewall occasionally reports a regressing percentage
			percent = lastPercent
		}
		lastPercent = percent
		p.progress.emit(ProgressEvent{
			Step:    req.Step.String(),
			Message: fmt.Sprintf("%s: %d%% done on the firewall", req.DisplayName, status.Progress),
			Percent: percent,
		})
	}
}

func (p *JobPoller) fetch(ctx context.Context, jobID string) (*models.JobStatus, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.policy.RequestTimeout)
	defer cancel()
	return p.api.JobStatus(reqCtx, jobID)
}

func (p *JobPoller) fail(req PollRequest, percent float64, message string) error {
	p.progress.emit(ProgressEvent{
		Step:    req.Step.String(),
		Message: message,
		Percent: percent,
		Error:   true,
	})
	return errors.New(message)
}
