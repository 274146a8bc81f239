package server

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/panupd/panupd/server/checkpoint"
	"github.com/panupd/panupd/server/upgrade"
	"github.com/panupd/panupd/share/logger"
)

const (
	DefaultDataDirectory   = "/var/lib/panupd"
	DefaultCheckpointFile  = "checkpoints.db"
	DefaultHistoryFile     = "history.db"
	DefaultRequestTimeout  = 10 * time.Second
	DefaultInventoryTTL    = 5 * time.Minute
	DefaultFetchRetries    = 3
	DefaultHistoryPageSize = 50
)

type APIConfig struct {
	Address     string   `mapstructure:"address"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	CertFile    string   `mapstructure:"cert_file"`
	KeyFile     string   `mapstructure:"key_file"`
}

type FirewallConfig struct {
	URL             string        `mapstructure:"url"`
	APIKey          string        `mapstructure:"api_key"`
	DeviceName      string        `mapstructure:"device_name"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	InventoryTTL    time.Duration `mapstructure:"inventory_ttl"`
	FetchRetries    int           `mapstructure:"fetch_retries"`
	RefreshSchedule string        `mapstructure:"refresh_schedule"`
}

type UpgradeConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	RebootGrace   time.Duration `mapstructure:"reboot_grace"`
	RebootTimeout time.Duration `mapstructure:"reboot_timeout"`
	CheckpointTTL time.Duration `mapstructure:"checkpoint_ttl"`
}

type SMTPConfig struct {
	Server       string   `mapstructure:"server"`
	SenderEmail  string   `mapstructure:"sender_email"`
	Recipients   []string `mapstructure:"recipients"`
	Secure       bool     `mapstructure:"secure"`
	AuthUsername string   `mapstructure:"auth_username"`
	AuthPassword string   `mapstructure:"auth_password"`
}

type LogConfig struct {
	LogOutput logger.LogOutput `mapstructure:"log_file"`
	LogLevel  logger.LogLevel  `mapstructure:"log_level"`
}

type ServerConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Firewall FirewallConfig `mapstructure:"firewall"`
	Upgrade  UpgradeConfig  `mapstructure:"upgrade"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	API      APIConfig      `mapstructure:"api"`
	Logging  LogConfig      `mapstructure:"logging"`
}

func (c *Config) CheckpointFilePath() string {
	return c.Server.DataDir + string(os.PathSeparator) + DefaultCheckpointFile
}

func (c *Config) HistoryFilePath() string {
	return c.Server.DataDir + string(os.PathSeparator) + DefaultHistoryFile
}

// UpgradeOrchestratorConfig maps the configured timings onto the workflow
// policy defaults. Zero values keep the defaults.
func (c *Config) UpgradeOrchestratorConfig() upgrade.Config {
	cfg := upgrade.DefaultConfig()
	if c.Upgrade.PollInterval > 0 {
		cfg.PollPolicy.Interval = c.Upgrade.PollInterval
	}
	if c.Upgrade.PollTimeout > 0 {
		cfg.PollPolicy.MaxTicks = int(c.Upgrade.PollTimeout / cfg.PollPolicy.Interval)
	}
	if c.Upgrade.RebootGrace > 0 {
		cfg.RebootPolicy.InitialDelay = c.Upgrade.RebootGrace
	}
	if c.Upgrade.RebootTimeout > 0 {
		cfg.RebootPolicy.MaxTicks = int(c.Upgrade.RebootTimeout / cfg.RebootPolicy.Interval)
	}
	return cfg
}

func (c *Config) CheckpointTTL() time.Duration {
	if c.Upgrade.CheckpointTTL > 0 {
		return c.Upgrade.CheckpointTTL
	}
	return checkpoint.DefaultTTL
}

func (c *Config) ParseAndValidate() error {
	if c.Server.DataDir == "" {
		return errors.New("'data directory path' cannot be empty")
	}

	if c.Firewall.URL == "" {
		return errors.New("firewall url is required")
	}
	u, err := url.Parse(c.Firewall.URL)
	if err != nil {
		return fmt.Errorf("invalid firewall url %s. %s", c.Firewall.URL, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid firewall url %s. must be absolute url", c.Firewall.URL)
	}
	if c.Firewall.APIKey == "" {
		return errors.New("firewall api_key is required")
	}
	if c.Firewall.DeviceName == "" {
		c.Firewall.DeviceName = u.Host
	}
	if c.Firewall.RequestTimeout <= 0 {
		c.Firewall.RequestTimeout = DefaultRequestTimeout
	}
	if c.Firewall.InventoryTTL <= 0 {
		c.Firewall.InventoryTTL = DefaultInventoryTTL
	}
	if c.Firewall.FetchRetries <= 0 {
		c.Firewall.FetchRetries = DefaultFetchRetries
	}
	if c.Firewall.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Firewall.RefreshSchedule); err != nil {
			return fmt.Errorf("can't parse refresh_schedule: %s", err)
		}
	}

	if c.Upgrade.PollInterval < 0 || c.Upgrade.PollTimeout < 0 ||
		c.Upgrade.RebootGrace < 0 || c.Upgrade.RebootTimeout < 0 || c.Upgrade.CheckpointTTL < 0 {
		return errors.New("upgrade timings cannot be negative")
	}
	if c.Upgrade.PollInterval > 0 && c.Upgrade.PollTimeout > 0 && c.Upgrade.PollTimeout < c.Upgrade.PollInterval {
		return errors.New("poll_timeout cannot be shorter than poll_interval")
	}

	if c.SMTP.Server != "" {
		if len(strings.Split(c.SMTP.SenderEmail, "@")) != 2 {
			return fmt.Errorf("invalid smtp sender_email %q", c.SMTP.SenderEmail)
		}
		if len(c.SMTP.Recipients) == 0 {
			return errors.New("smtp is configured but no recipients are set")
		}
	}

	if c.API.CertFile != "" && c.API.KeyFile == "" || c.API.CertFile == "" && c.API.KeyFile != "" {
		return errors.New("API cert_file and key_file must be set together")
	}

	return nil
}
