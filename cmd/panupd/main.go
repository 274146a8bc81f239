package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/panupd/panupd/server"
	"github.com/panupd/panupd/share"
)

var serverHelp = `
  Usage: panupd [options]

  Examples:

    ./panupd --fw-url=https://192.0.2.1 --fw-api-key=SECRET
    starts the upgrade controller against the given firewall,
    serving the HTTP API on the default address

    ./panupd -c /etc/panupd/panupd.conf
    starts the controller with settings loaded from a config file

  Options:

    --fw-url, Defines the base URL of the managed PAN-OS firewall,
    e.g. "https://192.0.2.1". Required.

    --fw-api-key, Defines the API key used to authenticate against the
    firewall. Required.

    --fw-device-name, An optional display name for the firewall, used in
    notifications. Defaults to the host part of the firewall URL.

    --fw-refresh-schedule, An optional cron expression to periodically
    refresh the software inventory, e.g. "@hourly" or "0 6 * * *".
    Disabled when empty.

    --api-addr, Defines the IP address and port the HTTP API listens on.
    e.g. "0.0.0.0:3000". Set to an empty string to disable the API.

    --data-dir, An optional arg to define a local directory path to store
    checkpoints and the upgrade history. By default, "/var/lib/panupd" is used.

    --poll-interval, An optional arg to define the interval between job
    status reads while an upgrade step is running. By default, '15s' is used.

    --verbose, -v, Specify log level. Values: "error", "info", "debug"
    (defaults to "error")

    --log-file, -l, Specifies log file path. (defaults to empty string:
    log printed to stdout)

    --config, -c, An optional arg to define a path to a config file. If it
    is set then configuration will be loaded from the file. Note: command
    arguments and env variables will override them.
    Config file should be in TOML format.

    --help, -h, This help text

    --version, Print version info and exit

`

var (
	RootCmd = &cobra.Command{
		Version: share.BuildVersion,
		Run:     runMain,
	}

	cfgPath  *string
	viperCfg *viper.Viper
	cfg      = &server.Config{}
)

func init() {
	pFlags := RootCmd.PersistentFlags()

	pFlags.String("fw-url", "", "")
	pFlags.String("fw-api-key", "", "")
	pFlags.String("fw-device-name", "", "")
	pFlags.String("fw-refresh-schedule", "", "")
	pFlags.String("api-addr", "", "")
	pFlags.String("data-dir", server.DefaultDataDirectory, "")
	pFlags.Duration("poll-interval", 0, "")
	pFlags.StringP("log-file", "l", "", "")
	pFlags.StringP("verbose", "v", "", "")

	cfgPath = pFlags.StringP("config", "c", "", "")

	RootCmd.SetUsageFunc(func(*cobra.Command) error {
		fmt.Print(serverHelp)
		os.Exit(1)
		return nil
	})

	viperCfg = viper.New()
	viperCfg.SetConfigType("toml")

	viperCfg.SetDefault("logging.log_level", "error")
	viperCfg.SetDefault("api.address", "127.0.0.1:3000")

	// map config fields to CLI args:
	// _ is used to ignore errors to pass linter check
	_ = viperCfg.BindPFlag("logging.log_file", pFlags.Lookup("log-file"))
	_ = viperCfg.BindPFlag("logging.log_level", pFlags.Lookup("verbose"))
	_ = viperCfg.BindPFlag("firewall.url", pFlags.Lookup("fw-url"))
	_ = viperCfg.BindPFlag("firewall.api_key", pFlags.Lookup("fw-api-key"))
	_ = viperCfg.BindPFlag("firewall.device_name", pFlags.Lookup("fw-device-name"))
	_ = viperCfg.BindPFlag("firewall.refresh_schedule", pFlags.Lookup("fw-refresh-schedule"))
	_ = viperCfg.BindPFlag("api.address", pFlags.Lookup("api-addr"))
	_ = viperCfg.BindPFlag("server.data_dir", pFlags.Lookup("data-dir"))
	_ = viperCfg.BindPFlag("upgrade.poll_interval", pFlags.Lookup("poll-interval"))

	// map ENV variables
	_ = viperCfg.BindEnv("firewall.url", "PANUPD_FW_URL")
	_ = viperCfg.BindEnv("firewall.api_key", "PANUPD_FW_API_KEY")
	_ = viperCfg.BindEnv("api.address", "PANUPD_API_ADDR")
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func tryDecodeConfig() error {
	if *cfgPath != "" {
		viperCfg.SetConfigFile(*cfgPath)
	} else {
		viperCfg.AddConfigPath(".")
		viperCfg.SetConfigName("panupd.conf")
	}

	return share.DecodeViperConfig(viperCfg, cfg)
}

func runMain(*cobra.Command, []string) {
	err := tryDecodeConfig()
	if err != nil {
		log.Fatal(err)
	}

	err = cfg.ParseAndValidate()
	if err != nil {
		log.Fatal(err)
	}

	err = cfg.Logging.LogOutput.Start()
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		cfg.Logging.LogOutput.Shutdown()
	}()

	s, err := server.NewServer(cfg)
	if err != nil {
		log.Fatal(err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		if err := s.Close(); err != nil {
			log.Printf("error on shutdown: %v", err)
		}
	}()

	if err = s.Run(); err != nil {
		log.Fatal(err)
	}
}
