package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/panupd/panupd/panos"
	"github.com/panupd/panupd/server/checkpoint"
	"github.com/panupd/panupd/server/history"
	"github.com/panupd/panupd/server/notifications"
	"github.com/panupd/panupd/server/upgrade"
	"github.com/panupd/panupd/share/logger"
)

const refreshJobTimeout = time.Minute

// Server ties the firewall client, the upgrade workflow, persistence and the
// REST API together.
type Server struct {
	config      *Config
	logger      *logger.Logger
	firewall    *panos.Client
	checkpoints *checkpoint.Store
	history     *history.SqliteProvider
	upgrades    *upgrade.Orchestrator
	apiListener *APIListener
	cron        *cron.Cron
}

// NewServer creates and returns a new panupd server
func NewServer(config *Config) (*Server, error) {
	log := logger.NewLogger("server", config.Logging.LogOutput, config.Logging.LogLevel)

	if err := os.MkdirAll(config.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("can't create data directory %q: %v", config.Server.DataDir, err)
	}

	firewall, err := panos.NewClient(panos.Config{
		BaseURL:      config.Firewall.URL,
		APIKey:       config.Firewall.APIKey,
		Timeout:      config.Firewall.RequestTimeout,
		CacheTTL:     config.Firewall.InventoryTTL,
		FetchRetries: config.Firewall.FetchRetries,
	}, log)
	if err != nil {
		return nil, err
	}

	checkpoints, err := checkpoint.NewStore(config.CheckpointFilePath(), config.CheckpointTTL(), log)
	if err != nil {
		return nil, err
	}

	hist, err := history.NewSqliteProvider(config.HistoryFilePath())
	if err != nil {
		return nil, err
	}

	var notifier upgrade.Notifier
	if config.SMTP.Server != "" {
		mailerConfig, err := notifications.ConfigFromSMTP(
			config.SMTP.Server,
			config.SMTP.SenderEmail,
			config.SMTP.AuthUsername,
			config.SMTP.AuthPassword,
			config.SMTP.Secure,
		)
		if err != nil {
			return nil, err
		}
		notifier = notifications.NewMailNotifier(
			notifications.NewMailer(mailerConfig),
			config.SMTP.Recipients,
			config.Firewall.DeviceName,
			log,
		)
	}

	upgrades := upgrade.NewOrchestrator(firewall, checkpoints, hist, notifier, config.UpgradeOrchestratorConfig(), log)

	s := &Server{
		config:      config,
		logger:      log,
		firewall:    firewall,
		checkpoints: checkpoints,
		history:     hist,
		upgrades:    upgrades,
		apiListener: NewAPIListener(config, firewall, upgrades, hist, log),
	}

	if config.Firewall.RefreshSchedule != "" {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(config.Firewall.RefreshSchedule, s.refreshInventoryJob)
		if err != nil {
			return nil, fmt.Errorf("can't schedule inventory refresh: %v", err)
		}
	}

	return s, nil
}

func (s *Server) refreshInventoryJob() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshJobTimeout)
	defer cancel()
	if _, err := s.firewall.RefreshInventory(ctx); err != nil {
		s.logger.Errorf("scheduled inventory refresh failed: %v", err)
		return
	}
	s.logger.Debugf("scheduled inventory refresh done")
}

// Run starts the server and blocks until the API listener stops.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.apiListener.Wait()
}

func (s *Server) Start() error {
	if s.upgrades.ResumeRebootMonitoring() {
		s.logger.Infof("a reboot was in flight when the daemon went down; monitoring resumed")
	}

	if c, ok := s.upgrades.Resumable(); ok {
		s.logger.Infof(
			"found a resumable upgrade to PAN-OS %s (step %q, job %s); POST %s/upgrades/resume to continue",
			c.SelectedVersion, c.CurrentStep, c.JobID, allRoutesPrefix,
		)
	}

	if s.cron != nil {
		s.cron.Start()
		s.logger.Infof("inventory refresh scheduled: %q", s.config.Firewall.RefreshSchedule)
	}

	return s.apiListener.Start()
}

func (s *Server) Close() error {
	var result *multierror.Error

	// Shutdown, not Cancel: the checkpoint must survive a daemon restart
	s.upgrades.Shutdown()
	if s.cron != nil {
		s.cron.Stop()
	}
	result = multierror.Append(result, s.apiListener.Close())
	result = multierror.Append(result, s.history.Close())
	result = multierror.Append(result, s.checkpoints.Close())

	return result.ErrorOrNil()
}
