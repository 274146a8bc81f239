package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panupd/panupd/server/checkpoint"
	"github.com/panupd/panupd/share/logger"
	"github.com/panupd/panupd/share/models"
)

// Firewall is the full set of device operations the workflow consumes.
// *panos.Client satisfies it.
type Firewall interface {
	ListVersions(ctx context.Context) (*models.VersionInventory, error)
	StartDownload(ctx context.Context, version string) (string, error)
	StartInstall(ctx context.Context, version string) (string, error)
	StartReboot(ctx context.Context) error
	JobStatusGetter
	HealthAPI
}

// CheckpointStore persists resume checkpoints. *checkpoint.Store satisfies it.
type CheckpointStore interface {
	SaveUpgrade(checkpoint.UpgradeCheckpoint) error
	LoadUpgrade() (*checkpoint.UpgradeCheckpoint, bool)
	ClearUpgrade() error
	SaveReboot(checkpoint.RebootCheckpoint) error
	LoadReboot() (*checkpoint.RebootCheckpoint, bool)
	ClearReboot() error
}

// Attempt outcomes recorded in the upgrade history.
const (
	OutcomeSuccess     = "success"
	OutcomeUnconfirmed = "unconfirmed" // reboot monitoring gave up without an error
	OutcomeFailed      = "failed"
	OutcomeCanceled    = "canceled"
	OutcomeInterrupted = "interrupted" // daemon shut down mid-run, resumable
)

var (
	ErrUpgradeInProgress  = errors.New("an upgrade is already in progress")
	ErrNoResumableUpgrade = errors.New("no resumable upgrade found")
	ErrNoRebootPending    = errors.New("no reboot is pending")
)

// HistoryRecorder keeps the audit trail of upgrade attempts. Optional.
type HistoryRecorder interface {
	RecordStart(id, fromVersion, toVersion string, steps []string, startedAt time.Time) error
	RecordFinish(id, outcome, errorMessage string, finishedAt time.Time) error
}

// Notifier reports terminal workflow outcomes out of band. Optional.
type Notifier interface {
	UpgradeFinished(ctx context.Context, targetVersion string, ok bool, message string) error
}

// Config bundles the orchestrator's timing policies.
type Config struct {
	PollPolicy   PollPolicy
	RebootPolicy RebootPolicy
	SettleDelay  time.Duration // pause between completed steps
}

func DefaultConfig() Config {
	return Config{
		PollPolicy:   DefaultPollPolicy(),
		RebootPolicy: DefaultRebootPolicy(),
		SettleDelay:  1500 * time.Millisecond,
	}
}

// Status is a point-in-time snapshot of the workflow for API consumers.
type Status struct {
	CurrentVersion  string  `json:"current_version,omitempty"`
	LatestVersion   string  `json:"latest_version,omitempty"`
	SelectedVersion string  `json:"selected_version,omitempty"`
	Step            string  `json:"step"`
	Message         string  `json:"message,omitempty"`
	Percent         float64 `json:"percent"`
	Error           bool    `json:"error"`
	Active          bool    `json:"active"`
	RebootPending   bool    `json:"reboot_pending"`
	JobID           string  `json:"job_id,omitempty"`
}

// ResumeResult describes what happened when a persisted checkpoint was
// resumed.
type ResumeResult struct {
	Step           string `json:"step"`
	Resumed        bool   `json:"resumed"`
	RebootRequired bool   `json:"reboot_required"`
	Failed         bool   `json:"failed"`
	Message        string `json:"message"`
}

// Orchestrator owns one firewall's upgrade workflow: it derives the step
// plan, executes the steps in order and translates per-job progress into the
// overall 0-100 display range. At most one workflow runs at a time.
type Orchestrator struct {
	api         Firewall
	checkpoints CheckpointStore
	history     HistoryRecorder
	notifier    Notifier
	cfg         Config
	log         *logger.Logger

	mu            sync.Mutex
	step          Step
	status        Status
	cancelRun     context.CancelFunc
	running       bool
	rebootPending bool
	shuttingDown  bool

	subsMu  sync.Mutex
	subs    map[int]chan ProgressEvent
	nextSub int
}

func NewOrchestrator(api Firewall, checkpoints CheckpointStore, history HistoryRecorder, notifier Notifier, cfg Config, log *logger.Logger) *Orchestrator {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 1500 * time.Millisecond
	}
	return &Orchestrator{
		api:         api,
		checkpoints: checkpoints,
		history:     history,
		notifier:    notifier,
		cfg:         cfg,
		log:         log.Fork("upgrade"),
		step:        StepIdle,
		status:      Status{Step: StepIdle.String()},
		subs:        map[int]chan ProgressEvent{},
	}
}

// Plan previews the steps an upgrade to target would perform. Nothing is
// started and nothing is persisted.
func (o *Orchestrator) Plan(ctx context.Context, target string) (*Plan, error) {
	inv, err := o.api.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	return BuildPlan(inv, target)
}

// Start begins the upgrade to target after re-deriving the plan from a fresh
// inventory read; the target comes from the caller's request, never from
// previously cached state. The returned plan is what will be executed. The
// workflow itself runs in the background, detached from the caller's context.
func (o *Orchestrator) Start(ctx context.Context, target string) (*Plan, error) {
	inv, err := o.api.ListVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot read the software inventory: %v", err)
	}
	plan, err := BuildPlan(inv, target)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrUpgradeInProgress
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.running = true
	o.rebootPending = false
	o.cancelRun = cancel
	o.step = StepIdle
	o.status = Status{
		CurrentVersion:  inv.CurrentVersion,
		LatestVersion:   inv.LatestVersion,
		SelectedVersion: target,
		Step:            StepIdle.String(),
		Active:          true,
	}
	o.mu.Unlock()

	go o.run(runCtx, plan)
	return plan, nil
}

// Cancel stops the active workflow at the next tick boundary and abandons any
// in-flight request. It is a no-op when nothing is running.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelRun
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown stops an active workflow like Cancel does, but keeps the persisted
// checkpoints so a restarted daemon can offer to resume.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.shuttingDown = true
	cancel := o.cancelRun
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status returns the current workflow snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.Active = o.running
	s.RebootPending = o.rebootPending
	return s
}

// Subscribe returns a channel of progress events and a cancel function. Slow
// subscribers lose events rather than blocking the workflow.
func (o *Orchestrator) Subscribe() (<-chan ProgressEvent, func()) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	id := o.nextSub
	o.nextSub++
	ch := make(chan ProgressEvent, 32)
	o.subs[id] = ch
	return ch, func() {
		o.subsMu.Lock()
		defer o.subsMu.Unlock()
		if _, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(ch)
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, plan *Plan) {
	attemptID := uuid.NewString()
	o.recordStart(attemptID, plan)
	o.log.Infof("starting upgrade %s -> %s (attempt %s)", plan.CurrentVersion, plan.TargetVersion, attemptID)

	progress := 0.0

	if plan.DownloadBase {
		if err := o.runJobStep(ctx, plan, StepDownloadingBase,
			fmt.Sprintf("Download of base image %s", plan.BaseImage.Version),
			plan.BaseImage.Version, o.api.StartDownload, progress, 20); err != nil {
			o.finish(attemptID, plan.TargetVersion, err)
			return
		}
		progress = 20
	}

	if plan.DownloadTarget {
		if err := o.runJobStep(ctx, plan, StepDownloading,
			fmt.Sprintf("Download of PAN-OS %s", plan.TargetVersion),
			plan.TargetVersion, o.api.StartDownload, progress, 50); err != nil {
			o.finish(attemptID, plan.TargetVersion, err)
			return
		}
		progress = 50
	}

	if err := o.runJobStep(ctx, plan, StepInstalling,
		fmt.Sprintf("Installation of PAN-OS %s", plan.TargetVersion),
		plan.TargetVersion, o.api.StartInstall, progress, 90); err != nil {
		o.finish(attemptID, plan.TargetVersion, err)
		return
	}

	outcome, err := o.rebootPhase(ctx, plan.TargetVersion)
	if err != nil {
		o.finish(attemptID, plan.TargetVersion, err)
		return
	}
	o.complete(attemptID, plan.TargetVersion, outcome)
}

type startFunc func(ctx context.Context, version string) (string, error)

func (o *Orchestrator) runJobStep(ctx context.Context, plan *Plan, step Step, displayName, version string, start startFunc, rangeStart, rangeEnd float64) error {
	if err := o.transition(step); err != nil {
		return err
	}
	o.publish(ProgressEvent{Step: step.String(), Message: fmt.Sprintf("Requesting %s", displayName), Percent: rangeStart})

	jobID, err := start(ctx, version)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := fmt.Sprintf("%s could not be started: %v", displayName, err)
		o.publish(ProgressEvent{Step: step.String(), Message: msg, Percent: rangeStart, Error: true})
		return errors.New(msg)
	}

	o.mu.Lock()
	o.status.JobID = jobID
	o.mu.Unlock()

	if err := o.checkpoints.SaveUpgrade(checkpoint.UpgradeCheckpoint{
		JobID:           jobID,
		SelectedVersion: plan.TargetVersion,
		CurrentStep:     step.String(),
	}); err != nil {
		o.log.Errorf("failed to persist checkpoint: %v", err)
	}

	poller := NewJobPoller(o.api, o.cfg.PollPolicy, o.log, o.publish)
	if err := poller.Poll(ctx, PollRequest{
		JobID:       jobID,
		Step:        step,
		DisplayName: displayName,
		RangeStart:  rangeStart,
		RangeEnd:    rangeEnd,
	}); err != nil {
		return err
	}

	return o.settle(ctx)
}

// rebootPhase initiates the reboot and hands off to the reboot monitor. It is
// shared between a full run and a resumed install.
func (o *Orchestrator) rebootPhase(ctx context.Context, target string) (RebootOutcome, error) {
	if err := o.transition(StepRebooting); err != nil {
		return RebootTimedOut, err
	}
	o.publish(ProgressEvent{Step: StepRebooting.String(), Message: "Rebooting the firewall", Percent: 95})

	if err := o.api.StartReboot(ctx); err != nil {
		if ctx.Err() != nil {
			return RebootTimedOut, ctx.Err()
		}
		msg := fmt.Sprintf("The reboot could not be initiated: %v", err)
		o.publish(ProgressEvent{Step: StepRebooting.String(), Message: msg, Percent: 95, Error: true})
		return RebootTimedOut, errors.New(msg)
	}

	// from here on the job checkpoint is useless; the reboot record takes over
	if err := o.checkpoints.ClearUpgrade(); err != nil {
		o.log.Errorf("failed to clear upgrade checkpoint: %v", err)
	}
	if err := o.checkpoints.SaveReboot(checkpoint.RebootCheckpoint{IsMonitoring: true, SelectedVersion: target, StartTime: time.Now()}); err != nil {
		o.log.Errorf("failed to persist reboot checkpoint: %v", err)
	}
	o.publish(ProgressEvent{Step: StepRebooting.String(), Message: "Reboot initiated", Percent: 100})

	if err := o.transition(StepMonitoringReboot); err != nil {
		return RebootTimedOut, err
	}
	monitor := NewRebootMonitor(o.api, o.cfg.RebootPolicy, o.log, o.publish)
	outcome, err := monitor.Wait(ctx)

	// on cancellation the checkpoint fate is decided by finish: a user cancel
	// clears it, a daemon shutdown keeps it for resume
	if err == nil {
		if clearErr := o.checkpoints.ClearReboot(); clearErr != nil {
			o.log.Errorf("failed to clear reboot checkpoint: %v", clearErr)
		}
	}
	return outcome, err
}

func (o *Orchestrator) complete(attemptID, target string, outcome RebootOutcome) {
	if err := o.transition(StepComplete); err != nil {
		o.log.Errorf("%v", err)
	}

	message := fmt.Sprintf("Upgrade to PAN-OS %s complete", target)
	historyOutcome := OutcomeSuccess
	if outcome == RebootTimedOut {
		message = fmt.Sprintf("Upgrade to PAN-OS %s finished, but the reboot was not confirmed. Check the firewall manually.", target)
		historyOutcome = OutcomeUnconfirmed
	}

	o.mu.Lock()
	o.running = false
	o.cancelRun = nil
	o.status.CurrentVersion = target
	o.status.JobID = ""
	o.mu.Unlock()

	o.publish(ProgressEvent{Step: StepComplete.String(), Message: message, Percent: 100})
	o.recordFinish(attemptID, historyOutcome, "")
	o.notify(target, true, message)
	o.log.Infof("upgrade to %s finished: %s", target, historyOutcome)
}

// finish handles both cancellation and fatal failure of a run.
func (o *Orchestrator) finish(attemptID, target string, err error) {
	if errors.Is(err, context.Canceled) {
		o.mu.Lock()
		shutdown := o.shuttingDown
		o.mu.Unlock()
		if shutdown {
			o.log.Infof("shutting down with the upgrade to %s in flight; checkpoint kept for resume", target)
			o.mu.Lock()
			o.running = false
			o.cancelRun = nil
			o.mu.Unlock()
			o.recordFinish(attemptID, OutcomeInterrupted, "")
			return
		}

		o.log.Infof("upgrade to %s cancelled", target)
		// cancellation also clears the durable checkpoints; a reload must not
		// offer to resume a workflow the user explicitly abandoned
		_ = o.checkpoints.ClearUpgrade()
		_ = o.checkpoints.ClearReboot()

		o.mu.Lock()
		o.running = false
		o.cancelRun = nil
		o.rebootPending = false
		o.step = StepIdle
		o.status = Status{
			CurrentVersion: o.status.CurrentVersion,
			LatestVersion:  o.status.LatestVersion,
			Step:           StepIdle.String(),
		}
		o.mu.Unlock()

		o.broadcast(ProgressEvent{Step: StepIdle.String(), Message: "Upgrade cancelled"})
		o.recordFinish(attemptID, OutcomeCanceled, "")
		return
	}

	o.log.Errorf("upgrade to %s failed: %v", target, err)
	if clearErr := o.checkpoints.ClearUpgrade(); clearErr != nil {
		o.log.Errorf("failed to clear upgrade checkpoint: %v", clearErr)
	}

	o.mu.Lock()
	o.running = false
	o.cancelRun = nil
	o.step = StepFailed
	o.status.Step = StepFailed.String()
	o.status.Message = err.Error()
	o.status.Error = true
	o.status.JobID = ""
	o.mu.Unlock()

	o.broadcast(ProgressEvent{Step: StepFailed.String(), Message: err.Error(), Error: true})
	o.recordFinish(attemptID, OutcomeFailed, err.Error())
	o.notify(target, false, err.Error())
}

// Resumable returns the persisted checkpoint of an interrupted workflow, if a
// valid one exists.
func (o *Orchestrator) Resumable() (*checkpoint.UpgradeCheckpoint, bool) {
	return o.checkpoints.LoadUpgrade()
}

// Resume picks up a persisted checkpoint: it re-queries the job once and
// either applies the terminal classification immediately or resumes polling
// in the background with the step's canonical display range.
func (o *Orchestrator) Resume(ctx context.Context) (*ResumeResult, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrUpgradeInProgress
	}
	o.mu.Unlock()

	c, ok := o.checkpoints.LoadUpgrade()
	if !ok {
		return nil, ErrNoResumableUpgrade
	}
	step, err := ParseStep(c.CurrentStep)
	if err != nil {
		_ = o.checkpoints.ClearUpgrade()
		return nil, err
	}

	status, err := o.api.JobStatus(ctx, c.JobID)
	if err != nil {
		return nil, fmt.Errorf("cannot determine the state of job %s: %v", c.JobID, err)
	}

	if status.Finished() {
		_ = o.checkpoints.ClearUpgrade()
		if status.Failed() {
			msg := fmt.Sprintf("%s of PAN-OS %s failed while unattended: %s", step, c.SelectedVersion, status.Details)
			o.setFailed(msg)
			return &ResumeResult{Step: step.String(), Failed: true, Message: msg}, nil
		}
		if step == StepInstalling {
			o.mu.Lock()
			o.rebootPending = true
			o.status.SelectedVersion = c.SelectedVersion
			o.status.Step = step.String()
			o.status.Message = "Installation finished, the firewall must be rebooted"
			o.mu.Unlock()
			return &ResumeResult{
				Step:           step.String(),
				RebootRequired: true,
				Message:        "The installation finished while unattended. Reboot the firewall to complete the upgrade.",
			}, nil
		}
		return &ResumeResult{
			Step:    step.String(),
			Message: fmt.Sprintf("%s of PAN-OS %s finished while unattended. Start the upgrade again to continue; completed downloads are skipped.", step, c.SelectedVersion),
		}, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running = true
	o.cancelRun = cancel
	o.step = step
	o.status.SelectedVersion = c.SelectedVersion
	o.status.Step = step.String()
	o.status.JobID = c.JobID
	o.mu.Unlock()

	go o.resumeRun(runCtx, c, step)
	return &ResumeResult{
		Step:    step.String(),
		Resumed: true,
		Message: fmt.Sprintf("Resumed monitoring of %s (job %s)", step, c.JobID),
	}, nil
}

func (o *Orchestrator) resumeRun(ctx context.Context, c *checkpoint.UpgradeCheckpoint, step Step) {
	attemptID := uuid.NewString()
	if o.history != nil {
		if err := o.history.RecordStart(attemptID, "", c.SelectedVersion, []string{fmt.Sprintf("Resume %s (job %s)", step, c.JobID)}, time.Now()); err != nil {
			o.log.Errorf("failed to record resumed attempt: %v", err)
		}
	}

	rangeStart, rangeEnd := canonicalRange(step)
	poller := NewJobPoller(o.api, o.cfg.PollPolicy, o.log, o.publish)
	err := poller.Poll(ctx, PollRequest{
		JobID:       c.JobID,
		Step:        step,
		DisplayName: fmt.Sprintf("%s of PAN-OS %s", step, c.SelectedVersion),
		RangeStart:  rangeStart,
		RangeEnd:    rangeEnd,
	})
	if err != nil {
		o.finish(attemptID, c.SelectedVersion, err)
		return
	}

	_ = o.checkpoints.ClearUpgrade()

	if step == StepInstalling {
		o.mu.Lock()
		o.running = false
		o.cancelRun = nil
		o.rebootPending = true
		o.status.Message = "Installation finished, the firewall must be rebooted"
		o.mu.Unlock()
		o.broadcast(ProgressEvent{Step: step.String(), Message: "Installation finished, reboot required", Percent: rangeEnd})
		o.recordFinish(attemptID, OutcomeSuccess, "")
		return
	}

	o.mu.Lock()
	o.running = false
	o.cancelRun = nil
	o.mu.Unlock()
	o.broadcast(ProgressEvent{
		Step:    step.String(),
		Message: fmt.Sprintf("%s finished. Start the upgrade again to continue; completed downloads are skipped.", step),
		Percent: rangeEnd,
	})
	o.recordFinish(attemptID, OutcomeSuccess, "")
}

// ResumeRebootMonitoring picks up a persisted reboot-monitoring record, as
// left behind by a daemon that went down while the firewall was rebooting, and
// watches the remainder of the monitoring window. It returns false when no
// valid record exists or a workflow is already running.
func (o *Orchestrator) ResumeRebootMonitoring() bool {
	c, ok := o.checkpoints.LoadReboot()
	if !ok {
		return false
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.running = true
	o.cancelRun = cancel
	o.step = StepMonitoringReboot
	o.status.SelectedVersion = c.SelectedVersion
	o.status.Step = StepMonitoringReboot.String()
	o.status.JobID = ""
	o.mu.Unlock()

	go o.resumeMonitoring(runCtx, c)
	return true
}

func (o *Orchestrator) resumeMonitoring(ctx context.Context, c *checkpoint.RebootCheckpoint) {
	attemptID := uuid.NewString()
	if o.history != nil {
		if err := o.history.RecordStart(attemptID, "", c.SelectedVersion, []string{"Resume reboot monitoring"}, time.Now()); err != nil {
			o.log.Errorf("failed to record resumed monitoring attempt: %v", err)
		}
	}
	o.log.Infof("resuming reboot monitoring of the upgrade to %s, reboot initiated %s", c.SelectedVersion, c.StartTime.Format(time.RFC3339))
	o.publish(ProgressEvent{Step: StepMonitoringReboot.String(), Message: "Resuming reboot monitoring", Percent: 100})

	monitor := NewRebootMonitor(o.api, remainingRebootPolicy(o.cfg.RebootPolicy, c.StartTime), o.log, o.publish)
	outcome, err := monitor.Wait(ctx)
	if err != nil {
		o.finish(attemptID, c.SelectedVersion, err)
		return
	}
	if clearErr := o.checkpoints.ClearReboot(); clearErr != nil {
		o.log.Errorf("failed to clear reboot checkpoint: %v", clearErr)
	}
	o.complete(attemptID, c.SelectedVersion, outcome)
}

// remainingRebootPolicy shrinks the monitoring policy by the time that already
// passed before the restart. A record older than the whole window yields a
// zero-tick policy, which the monitor reports as timed out.
func remainingRebootPolicy(policy RebootPolicy, rebootStarted time.Time) RebootPolicy {
	elapsed := time.Since(rebootStarted)
	if elapsed <= policy.InitialDelay {
		policy.InitialDelay -= elapsed
		return policy
	}
	elapsed -= policy.InitialDelay
	policy.InitialDelay = 0
	if policy.Interval > 0 {
		spent := int(elapsed / policy.Interval)
		policy.MaxTicks -= spent
		if policy.MaxTicks < 0 {
			policy.MaxTicks = 0
		}
		// checks made before the restart count towards the all-online
		// threshold too, otherwise a fast reboot could never be declared done
		policy.AssumeCompleteAfter -= spent
		if policy.AssumeCompleteAfter < 1 {
			policy.AssumeCompleteAfter = 1
		}
	}
	return policy
}

// Reboot completes a resumed installation: it reboots the firewall and
// monitors until the device is back.
func (o *Orchestrator) Reboot(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrUpgradeInProgress
	}
	if !o.rebootPending {
		o.mu.Unlock()
		return ErrNoRebootPending
	}
	target := o.status.SelectedVersion
	runCtx, cancel := context.WithCancel(context.Background())
	o.running = true
	o.rebootPending = false
	o.cancelRun = cancel
	o.step = StepInstalling // reboot is only legal from an installed state
	o.mu.Unlock()

	go func() {
		attemptID := uuid.NewString()
		if o.history != nil {
			if err := o.history.RecordStart(attemptID, "", target, []string{"Reboot after resumed installation"}, time.Now()); err != nil {
				o.log.Errorf("failed to record reboot attempt: %v", err)
			}
		}
		outcome, err := o.rebootPhase(runCtx, target)
		if err != nil {
			o.finish(attemptID, target, err)
			return
		}
		o.complete(attemptID, target, outcome)
	}()
	return nil
}

// canonicalRange maps a persisted step back to the display range it owned.
// The exact range start of the original run is not persisted; the canonical
// window is close enough for a resumed display.
func canonicalRange(step Step) (float64, float64) {
	switch step {
	case StepDownloadingBase:
		return 0, 20
	case StepDownloading:
		return 20, 50
	default:
		return 50, 90
	}
}

func (o *Orchestrator) transition(next Step) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	step, err := o.step.Transition(next)
	if err != nil {
		return err
	}
	o.step = step
	o.status.Step = step.String()
	return nil
}

func (o *Orchestrator) setFailed(message string) {
	o.mu.Lock()
	o.step = StepFailed
	o.status.Step = StepFailed.String()
	o.status.Message = message
	o.status.Error = true
	o.mu.Unlock()
	o.broadcast(ProgressEvent{Step: StepFailed.String(), Message: message, Error: true})
}

// publish updates the status snapshot and fans the event out to subscribers.
func (o *Orchestrator) publish(ev ProgressEvent) {
	o.mu.Lock()
	o.status.Step = ev.Step
	o.status.Message = ev.Message
	if ev.Percent >= 0 {
		o.status.Percent = ev.Percent
	}
	o.status.Error = ev.Error
	o.mu.Unlock()
	o.broadcast(ev)
}

func (o *Orchestrator) broadcast(ev ProgressEvent) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (o *Orchestrator) settle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.cfg.SettleDelay):
		return nil
	}
}

func (o *Orchestrator) recordStart(attemptID string, plan *Plan) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordStart(attemptID, plan.CurrentVersion, plan.TargetVersion, plan.Steps, time.Now()); err != nil {
		o.log.Errorf("failed to record upgrade attempt: %v", err)
	}
}

func (o *Orchestrator) recordFinish(attemptID, outcome, errMsg string) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordFinish(attemptID, outcome, errMsg, time.Now()); err != nil {
		o.log.Errorf("failed to record upgrade outcome: %v", err)
	}
}

func (o *Orchestrator) notify(target string, ok bool, message string) {
	if o.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.notifier.UpgradeFinished(ctx, target, ok, message); err != nil {
			o.log.Errorf("failed to send notification: %v", err)
		}
	}()
}
