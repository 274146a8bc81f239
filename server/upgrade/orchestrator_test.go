package upgrade

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panupd/panupd/server/checkpoint"
	"github.com/panupd/panupd/share/models"
)

// fakeFirewall scripts the whole device: job statuses are replayed per
// started job, health checks from a fixed sequence.
type fakeFirewall struct {
	mu sync.Mutex

	inv     *models.VersionInventory
	scripts [][]jobReply // consumed in order of started jobs

	jobScripts map[string][]jobReply
	jobCalls   map[string]int

	downloads []string
	installs  []string
	rebooted  bool

	health      []bool
	healthCalls int
	refreshed   int

	installErr error
}

func newFakeFirewall(inv *models.VersionInventory) *fakeFirewall {
	return &fakeFirewall{
		inv:        inv,
		jobScripts: map[string][]jobReply{},
		jobCalls:   map[string]int{},
		health:     []bool{false, true}, // one outage, then back
	}
}

func (f *fakeFirewall) ListVersions(_ context.Context) (*models.VersionInventory, error) {
	return f.inv, nil
}

func (f *fakeFirewall) StartDownload(_ context.Context, v string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, v)
	return f.enqueueJob(), nil
}

func (f *fakeFirewall) StartInstall(_ context.Context, v string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installErr != nil {
		return "", f.installErr
	}
	f.installs = append(f.installs, v)
	return f.enqueueJob(), nil
}

func (f *fakeFirewall) enqueueJob() string {
	id := fmt.Sprintf("job-%d", len(f.jobScripts)+1)
	script := []jobReply{finished(models.JobResultOK, "")}
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	f.jobScripts[id] = script
	return id
}

func (f *fakeFirewall) JobStatus(_ context.Context, id string) (*models.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script, ok := f.jobScripts[id]
	if !ok {
		return nil, fmt.Errorf("unknown job %s", id)
	}
	i := f.jobCalls[id]
	if i >= len(script) {
		i = len(script) - 1
	}
	f.jobCalls[id]++
	r := script[i]
	return r.status, r.err
}

func (f *fakeFirewall) StartReboot(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebooted = true
	return nil
}

func (f *fakeFirewall) HealthCheck(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.healthCalls
	if i >= len(f.health) {
		i = len(f.health) - 1
	}
	f.healthCalls++
	if f.health[i] {
		return nil
	}
	return fmt.Errorf("connection refused")
}

func (f *fakeFirewall) RefreshInfo(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	return nil
}

// memCheckpoints is an in-memory CheckpointStore recording every persisted
// step.
type memCheckpoints struct {
	mu         sync.Mutex
	upgrade    *checkpoint.UpgradeCheckpoint
	reboot     *checkpoint.RebootCheckpoint
	savedSteps []string
}

func (m *memCheckpoints) SaveUpgrade(c checkpoint.UpgradeCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upgrade = &c
	m.savedSteps = append(m.savedSteps, c.CurrentStep)
	return nil
}

func (m *memCheckpoints) LoadUpgrade() (*checkpoint.UpgradeCheckpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upgrade, m.upgrade != nil
}

func (m *memCheckpoints) ClearUpgrade() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upgrade = nil
	return nil
}

func (m *memCheckpoints) SaveReboot(c checkpoint.RebootCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reboot = &c
	return nil
}

func (m *memCheckpoints) LoadReboot() (*checkpoint.RebootCheckpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reboot, m.reboot != nil
}

func (m *memCheckpoints) ClearReboot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reboot = nil
	return nil
}

type memHistory struct {
	mu       sync.Mutex
	started  []string
	outcomes map[string]string
}

func (h *memHistory) RecordStart(id, _, _ string, _ []string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, id)
	return nil
}

func (h *memHistory) RecordFinish(id, outcome, _ string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcomes == nil {
		h.outcomes = map[string]string{}
	}
	h.outcomes[id] = outcome
	return nil
}

func (h *memHistory) lastOutcome() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.started) == 0 {
		return ""
	}
	return h.outcomes[h.started[len(h.started)-1]]
}

type memNotifier struct {
	mu       sync.Mutex
	messages []string
	oks      []bool
}

func (n *memNotifier) UpgradeFinished(_ context.Context, _ string, ok bool, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	n.oks = append(n.oks, ok)
	return nil
}

func testOrchestratorConfig() Config {
	return Config{
		PollPolicy: testPollPolicy(),
		RebootPolicy: RebootPolicy{
			InitialDelay:        time.Millisecond,
			Interval:            time.Millisecond,
			RequestTimeout:      50 * time.Millisecond,
			MaxTicks:            60,
			OnlineThreshold:     3,
			AssumeCompleteAfter: 30,
			RefreshDelay:        time.Millisecond,
		},
		SettleDelay: time.Millisecond,
	}
}

func fullUpgradeInventory() *models.VersionInventory {
	return &models.VersionInventory{
		CurrentVersion: "10.0.5",
		LatestVersion:  "10.1.3",
		Versions: []models.VersionDescriptor{
			{Version: "10.0.5", Downloaded: true},
			{Version: "10.1.0"},
			{Version: "10.1.3", Latest: true},
		},
	}
}

func waitForIdle(t *testing.T, o *Orchestrator) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		return !o.Status().Active
	}, 5*time.Second, 2*time.Millisecond)
	return o.Status()
}

func TestFullUpgradeRun(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	fw.scripts = [][]jobReply{
		{active(50), finished(models.JobResultOK, "")},        // base download
		{active(30), active(80), finished("", "Successful")},  // target download
		{active(60), finished(models.JobResultOK, "done")},    // install
	}
	cp := &memCheckpoints{}
	hist := &memHistory{}
	notif := &memNotifier{}
	o := NewOrchestrator(fw, cp, hist, notif, testOrchestratorConfig(), testLog())

	events, unsub := o.Subscribe()
	defer unsub()
	var collected []ProgressEvent
	var evMu sync.Mutex
	go func() {
		for ev := range events {
			evMu.Lock()
			collected = append(collected, ev)
			evMu.Unlock()
		}
	}()

	plan, err := o.Start(context.Background(), "10.1.3")
	require.NoError(t, err)
	assert.True(t, plan.DownloadBase)
	assert.True(t, plan.DownloadTarget)
	require.Len(t, plan.Steps, 5)

	status := waitForIdle(t, o)
	assert.Equal(t, StepComplete.String(), status.Step)
	assert.False(t, status.Error)
	assert.Equal(t, "10.1.3", status.CurrentVersion)

	assert.Equal(t, []string{"10.1.0", "10.1.3"}, fw.downloads)
	assert.Equal(t, []string{"10.1.3"}, fw.installs)
	assert.True(t, fw.rebooted)
	assert.GreaterOrEqual(t, fw.refreshed, 1)

	// a checkpoint was written for every job step, none survives the run
	assert.Equal(t, []string{"Downloading Base", "Downloading", "Installing"}, cp.savedSteps)
	_, ok := cp.LoadUpgrade()
	assert.False(t, ok)
	_, ok = cp.LoadReboot()
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return hist.lastOutcome() == OutcomeSuccess
	}, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		notif.mu.Lock()
		defer notif.mu.Unlock()
		return len(notif.oks) == 1
	}, time.Second, 2*time.Millisecond)
	assert.True(t, notif.oks[0])

	// overall displayed progress never goes backwards
	evMu.Lock()
	defer evMu.Unlock()
	last := 0.0
	for _, ev := range collected {
		require.False(t, ev.Error, "unexpected error event: %+v", ev)
		assert.GreaterOrEqual(t, ev.Percent, last, "progress regressed at %+v", ev)
		last = ev.Percent
	}
	assert.Equal(t, 100.0, last)
}

func TestUpgradeSkipsSatisfiedSteps(t *testing.T) {
	inv := &models.VersionInventory{
		CurrentVersion: "10.1.0",
		LatestVersion:  "10.1.3",
		Versions: []models.VersionDescriptor{
			{Version: "10.1.0", Downloaded: true},
			{Version: "10.1.3", Downloaded: true, Latest: true},
		},
	}
	fw := newFakeFirewall(inv)
	cp := &memCheckpoints{}
	o := NewOrchestrator(fw, cp, nil, nil, testOrchestratorConfig(), testLog())

	plan, err := o.Start(context.Background(), "10.1.3")
	require.NoError(t, err)
	assert.False(t, plan.DownloadBase)
	assert.False(t, plan.DownloadTarget)

	status := waitForIdle(t, o)
	assert.Equal(t, StepComplete.String(), status.Step)
	assert.Empty(t, fw.downloads)
	assert.Equal(t, []string{"10.1.3"}, fw.installs)
	assert.Equal(t, []string{"Installing"}, cp.savedSteps)
}

func TestUpgradeAbortsOnStepFailure(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	fw.scripts = [][]jobReply{
		{finished(models.JobResultOK, "")},                       // base download
		{finished(models.JobResultFailed, "image corrupted")},   // target download fails
	}
	cp := &memCheckpoints{}
	hist := &memHistory{}
	notif := &memNotifier{}
	o := NewOrchestrator(fw, cp, hist, notif, testOrchestratorConfig(), testLog())

	_, err := o.Start(context.Background(), "10.1.3")
	require.NoError(t, err)

	status := waitForIdle(t, o)
	assert.Equal(t, StepFailed.String(), status.Step)
	assert.True(t, status.Error)
	assert.Contains(t, status.Message, "image corrupted")

	// later steps never start, state is cleaned up
	assert.Empty(t, fw.installs)
	assert.False(t, fw.rebooted)
	_, ok := cp.LoadUpgrade()
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return hist.lastOutcome() == OutcomeFailed
	}, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		notif.mu.Lock()
		defer notif.mu.Unlock()
		return len(notif.oks) == 1 && !notif.oks[0]
	}, time.Second, 2*time.Millisecond)
}

func TestStartRejectsConcurrentUpgrade(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	fw.scripts = [][]jobReply{{active(10)}} // never finishes
	o := NewOrchestrator(fw, &memCheckpoints{}, nil, nil, testOrchestratorConfig(), testLog())

	_, err := o.Start(context.Background(), "10.1.3")
	require.NoError(t, err)
	defer o.Cancel()

	_, err = o.Start(context.Background(), "10.1.3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")
}

func TestCancelClearsCheckpointAndResetsState(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	fw.scripts = [][]jobReply{{active(10)}} // never finishes
	cp := &memCheckpoints{}
	hist := &memHistory{}
	o := NewOrchestrator(fw, cp, hist, nil, testOrchestratorConfig(), testLog())

	_, err := o.Start(context.Background(), "10.1.3")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := cp.LoadUpgrade()
		return ok
	}, time.Second, 2*time.Millisecond)

	o.Cancel()
	status := waitForIdle(t, o)
	assert.Equal(t, StepIdle.String(), status.Step)
	assert.False(t, status.Error)
	assert.Equal(t, "10.0.5", status.CurrentVersion)
	assert.Equal(t, "10.1.3", status.LatestVersion)
	assert.Empty(t, status.SelectedVersion)

	// cancellation must not leave a resumable checkpoint behind
	_, ok := cp.LoadUpgrade()
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return hist.lastOutcome() == OutcomeCanceled
	}, time.Second, 2*time.Millisecond)
}

func TestShutdownKeepsCheckpointForResume(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	fw.scripts = [][]jobReply{{active(10)}} // never finishes
	cp := &memCheckpoints{}
	hist := &memHistory{}
	o := NewOrchestrator(fw, cp, hist, nil, testOrchestratorConfig(), testLog())

	_, err := o.Start(context.Background(), "10.1.3")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := cp.LoadUpgrade()
		return ok
	}, time.Second, 2*time.Millisecond)

	o.Shutdown()
	require.Eventually(t, func() bool {
		return !o.Status().Active
	}, time.Second, 2*time.Millisecond)

	// unlike a user cancel, shutdown leaves the checkpoint for a later resume
	saved, ok := cp.LoadUpgrade()
	require.True(t, ok)
	assert.Equal(t, "10.1.3", saved.SelectedVersion)
	require.Eventually(t, func() bool {
		return hist.lastOutcome() == OutcomeInterrupted
	}, time.Second, 2*time.Millisecond)
}

func TestRestartResumesRebootMonitoring(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory()) // one outage, then back
	cp := &memCheckpoints{}
	require.NoError(t, cp.SaveReboot(checkpoint.RebootCheckpoint{
		IsMonitoring:    true,
		SelectedVersion: "10.1.3",
		StartTime:       time.Now(),
		Timestamp:       time.Now(),
	}))
	hist := &memHistory{}
	o := NewOrchestrator(fw, cp, hist, nil, testOrchestratorConfig(), testLog())

	require.True(t, o.ResumeRebootMonitoring())
	assert.True(t, o.Status().Active)

	status := waitForIdle(t, o)
	assert.Equal(t, StepComplete.String(), status.Step)
	assert.Equal(t, "10.1.3", status.CurrentVersion)
	assert.GreaterOrEqual(t, fw.refreshed, 1)

	// the record is consumed once the device is confirmed back
	_, ok := cp.LoadReboot()
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return hist.lastOutcome() == OutcomeSuccess
	}, time.Second, 2*time.Millisecond)
}

func TestResumedMonitoringExpiredWindowIsUnconfirmed(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	fw.health = []bool{false} // never comes back
	cp := &memCheckpoints{}
	require.NoError(t, cp.SaveReboot(checkpoint.RebootCheckpoint{
		IsMonitoring:    true,
		SelectedVersion: "10.1.3",
		StartTime:       time.Now().Add(-time.Hour),
		Timestamp:       time.Now(),
	}))
	hist := &memHistory{}
	o := NewOrchestrator(fw, cp, hist, nil, testOrchestratorConfig(), testLog())

	require.True(t, o.ResumeRebootMonitoring())
	status := waitForIdle(t, o)
	assert.Equal(t, StepComplete.String(), status.Step)

	// the whole window elapsed before the restart; no checks are spent on it
	assert.Equal(t, 0, fw.healthCalls)
	_, ok := cp.LoadReboot()
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return hist.lastOutcome() == OutcomeUnconfirmed
	}, time.Second, 2*time.Millisecond)
}

func TestResumeRebootMonitoringWithoutRecord(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	o := NewOrchestrator(fw, &memCheckpoints{}, nil, nil, testOrchestratorConfig(), testLog())
	assert.False(t, o.ResumeRebootMonitoring())
	assert.False(t, o.Status().Active)
}

func TestShutdownDuringResumedMonitoringKeepsRecord(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	cp := &memCheckpoints{}
	require.NoError(t, cp.SaveReboot(checkpoint.RebootCheckpoint{
		IsMonitoring:    true,
		SelectedVersion: "10.1.3",
		StartTime:       time.Now(),
		Timestamp:       time.Now(),
	}))
	hist := &memHistory{}
	cfg := testOrchestratorConfig()
	cfg.RebootPolicy.InitialDelay = time.Hour // hold the monitor in its grace period
	o := NewOrchestrator(fw, cp, hist, nil, cfg, testLog())

	require.True(t, o.ResumeRebootMonitoring())
	o.Shutdown()
	require.Eventually(t, func() bool {
		return !o.Status().Active
	}, time.Second, 2*time.Millisecond)

	// the next start picks the monitoring up again
	_, ok := cp.LoadReboot()
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return hist.lastOutcome() == OutcomeInterrupted
	}, time.Second, 2*time.Millisecond)
}

func TestRemainingRebootPolicy(t *testing.T) {
	policy := RebootPolicy{
		InitialDelay:        40 * time.Second,
		Interval:            15 * time.Second,
		MaxTicks:            60,
		OnlineThreshold:     3,
		AssumeCompleteAfter: 30,
	}

	fresh := remainingRebootPolicy(policy, time.Now().Add(-10*time.Second))
	assert.InDelta(t, float64(30*time.Second), float64(fresh.InitialDelay), float64(time.Second))
	assert.Equal(t, 60, fresh.MaxTicks)

	mid := remainingRebootPolicy(policy, time.Now().Add(-190*time.Second))
	assert.Equal(t, time.Duration(0), mid.InitialDelay)
	assert.Equal(t, 50, mid.MaxTicks)
	assert.Equal(t, 20, mid.AssumeCompleteAfter)

	old := remainingRebootPolicy(policy, time.Now().Add(-24*time.Hour))
	assert.Equal(t, 0, old.MaxTicks)
	assert.Equal(t, 1, old.AssumeCompleteAfter)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	o := NewOrchestrator(fw, &memCheckpoints{}, nil, nil, testOrchestratorConfig(), testLog())
	_, err := o.Resume(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no resumable upgrade")
}

func TestResumeInProgressDownload(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	fw.jobScripts["job-9"] = []jobReply{active(70), finished(models.JobResultOK, "")}
	cp := &memCheckpoints{}
	require.NoError(t, cp.SaveUpgrade(checkpoint.UpgradeCheckpoint{
		JobID:           "job-9",
		SelectedVersion: "10.1.3",
		CurrentStep:     "Downloading",
		Timestamp:       time.Now(),
	}))
	o := NewOrchestrator(fw, cp, nil, nil, testOrchestratorConfig(), testLog())

	res, err := o.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.False(t, res.RebootRequired)

	waitForIdle(t, o)
	_, ok := cp.LoadUpgrade()
	assert.False(t, ok, "checkpoint cleared after the resumed job finished")
}

func TestResumeFinishedInstallRequiresReboot(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	fw.jobScripts["job-7"] = []jobReply{finished(models.JobResultOK, "installed")}
	cp := &memCheckpoints{}
	require.NoError(t, cp.SaveUpgrade(checkpoint.UpgradeCheckpoint{
		JobID:           "job-7",
		SelectedVersion: "10.1.3",
		CurrentStep:     "Installing",
		Timestamp:       time.Now(),
	}))
	hist := &memHistory{}
	o := NewOrchestrator(fw, cp, hist, nil, testOrchestratorConfig(), testLog())

	res, err := o.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, res.RebootRequired)
	assert.False(t, res.Resumed)
	assert.True(t, o.Status().RebootPending)

	// the prompted reboot completes the workflow
	require.NoError(t, o.Reboot(context.Background()))
	status := waitForIdle(t, o)
	assert.Equal(t, StepComplete.String(), status.Step)
	assert.True(t, fw.rebooted)
	require.Eventually(t, func() bool {
		return hist.lastOutcome() == OutcomeSuccess
	}, time.Second, 2*time.Millisecond)
}

func TestResumeFinishedFailedJob(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	fw.jobScripts["job-3"] = []jobReply{finished(models.JobResultFailed, "disk full")}
	cp := &memCheckpoints{}
	require.NoError(t, cp.SaveUpgrade(checkpoint.UpgradeCheckpoint{
		JobID:           "job-3",
		SelectedVersion: "10.1.3",
		CurrentStep:     "Downloading",
		Timestamp:       time.Now(),
	}))
	o := NewOrchestrator(fw, cp, nil, nil, testOrchestratorConfig(), testLog())

	res, err := o.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Contains(t, res.Message, "disk full")

	_, ok := cp.LoadUpgrade()
	assert.False(t, ok)
	assert.Equal(t, StepFailed.String(), o.Status().Step)
}

func TestRebootWithoutPendingInstall(t *testing.T) {
	fw := newFakeFirewall(fullUpgradeInventory())
	o := NewOrchestrator(fw, &memCheckpoints{}, nil, nil, testOrchestratorConfig(), testLog())
	err := o.Reboot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reboot is pending")
}
