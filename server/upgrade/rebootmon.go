package upgrade

import (
	"context"
	"fmt"
	"time"

	"github.com/panupd/panupd/share/logger"
)

// HealthAPI is what the reboot monitor needs from the firewall client.
type HealthAPI interface {
	HealthCheck(ctx context.Context) error
	RefreshInfo(ctx context.Context) error
}

// RebootPolicy carries the timing knobs of post-reboot monitoring.
type RebootPolicy struct {
	InitialDelay        time.Duration // reboots are never instantaneous
	Interval            time.Duration
	RequestTimeout      time.Duration
	MaxTicks            int
	OnlineThreshold     int // consecutive healthy checks required after an outage
	AssumeCompleteAfter int // all-online ticks after which the reboot is assumed done
	RefreshDelay        time.Duration
}

// DefaultRebootPolicy waits 40s before the first check, then checks every 15s
// for up to 60 ticks (~15 minutes).
func DefaultRebootPolicy() RebootPolicy {
	return RebootPolicy{
		InitialDelay:        40 * time.Second,
		Interval:            15 * time.Second,
		RequestTimeout:      10 * time.Second,
		MaxTicks:            60,
		OnlineThreshold:     3,
		AssumeCompleteAfter: 30,
		RefreshDelay:        3 * time.Second,
	}
}

type RebootOutcome int

const (
	// RebootConfirmed means the device went down and came back healthy.
	RebootConfirmed RebootOutcome = iota
	// RebootTimedOut means monitoring gave up without confirmation. It is not
	// a hard failure: the device may still come back on its own.
	RebootTimedOut
)

func (o RebootOutcome) String() string {
	if o == RebootConfirmed {
		return "confirmed"
	}
	return "timed out"
}

// RebootMonitor determines when a rebooting device is truly back and serving
// traffic.
type RebootMonitor struct {
	api      HealthAPI
	policy   RebootPolicy
	log      *logger.Logger
	progress ProgressFunc
}

func NewRebootMonitor(api HealthAPI, policy RebootPolicy, log *logger.Logger, progress ProgressFunc) *RebootMonitor {
	return &RebootMonitor{
		api:      api,
		policy:   policy,
		log:      log.Fork("rebootmon"),
		progress: progress,
	}
}

// Wait blocks until the reboot is confirmed, monitoring times out, or ctx is
// cancelled. A RebootTimedOut outcome comes with a nil error: the caller
// should tell the user to check the device manually rather than report a
// failure.
func (m *RebootMonitor) Wait(ctx context.Context) (RebootOutcome, error) {
	m.emit("Waiting for the firewall to go down", false)
	select {
	case <-ctx.Done():
		return RebootTimedOut, ctx.Err()
	case <-time.After(m.policy.InitialDelay):
	}

	seenOffline := false
	consecutiveOnline := 0

	ticker := time.NewTicker(m.policy.Interval)
	defer ticker.Stop()

	for tick := 1; tick <= m.policy.MaxTicks; tick++ {
		select {
		case <-ctx.Done():
			return RebootTimedOut, ctx.Err()
		case <-ticker.C:
		}

		err := m.check(ctx)
		if ctx.Err() != nil {
			return RebootTimedOut, ctx.Err()
		}

		switch {
		case err != nil:
			if !seenOffline {
				m.log.Infof("device went offline after %d checks", tick)
				m.emit("Firewall is offline, reboot in progress", false)
			}
			seenOffline = true
			consecutiveOnline = 0

		case seenOffline:
			consecutiveOnline++
			m.emit(fmt.Sprintf("Firewall is responding again, confirming (%d/%d)", consecutiveOnline, m.policy.OnlineThreshold), false)
			if consecutiveOnline >= m.policy.OnlineThreshold {
				m.log.Infof("device back online, confirmed %d times", consecutiveOnline)
				return m.complete(ctx)
			}

		case tick >= m.policy.AssumeCompleteAfter:
			// The device never dropped a single check. Either the reboot
			// finished inside the grace period or it silently never happened.
			// Declaring completion beats waiting forever.
			m.log.Infof("device stayed online through %d checks, assuming the reboot completed", tick)
			return m.complete(ctx)

		default:
			m.emit("Firewall still responding, waiting for the reboot to begin", false)
		}
	}

	m.log.Infof("no confirmation after %d checks, giving up", m.policy.MaxTicks)
	m.emit("The reboot is taking longer than expected. Check the firewall manually.", false)
	return RebootTimedOut, nil
}

func (m *RebootMonitor) check(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.policy.RequestTimeout)
	defer cancel()
	return m.api.HealthCheck(reqCtx)
}

func (m *RebootMonitor) complete(ctx context.Context) (RebootOutcome, error) {
	m.emit("Firewall is back online", false)

	select {
	case <-ctx.Done():
		return RebootTimedOut, ctx.Err()
	case <-time.After(m.policy.RefreshDelay):
	}

	if err := m.api.RefreshInfo(ctx); err != nil {
		// the upgrade itself is done; a failed refresh only delays the display
		m.log.Errorf("post-reboot data refresh failed: %v", err)
	}
	m.emit("Upgrade complete, device information refreshed", false)
	return RebootConfirmed, nil
}

func (m *RebootMonitor) emit(message string, isErr bool) {
	m.progress.emit(ProgressEvent{
		Step:    StepMonitoringReboot.String(),
		Message: message,
		Percent: 100,
		Error:   isErr,
	})
}
