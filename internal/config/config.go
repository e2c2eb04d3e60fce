// Package config loads the worker agent's startup configuration via
// spf13/viper: flags override environment variables, which override a
// config file, which overrides the defaults set here.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the worker agent's fixed, construction-time configuration.
// None of these values change once the process has started.
type Config struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	NumExecutors int    `mapstructure:"num_executors"`
	ManagerURL   string `mapstructure:"manager_url"`
	Secret       string `mapstructure:"secret"`

	HeartbeatInterval         time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatFailureThreshold int           `mapstructure:"heartbeat_failure_threshold"`

	TeardownPollInterval time.Duration `mapstructure:"teardown_poll_interval"`
	TeardownTimeout      time.Duration `mapstructure:"teardown_timeout"`

	SubjobRunnerPath string `mapstructure:"subjob_runner_path"`
	WorkspaceRoot    string `mapstructure:"workspace_root"`

	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 43001)
	v.SetDefault("num_executors", 1)
	v.SetDefault("manager_url", "localhost:43000")
	v.SetDefault("secret", "")
	v.SetDefault("heartbeat_interval", 10*time.Second)
	v.SetDefault("heartbeat_failure_threshold", 3)
	v.SetDefault("teardown_poll_interval", time.Second)
	v.SetDefault("teardown_timeout", 30*time.Second)
	v.SetDefault("subjob_runner_path", "subjob-runner")
	v.SetDefault("workspace_root", "")
	v.SetDefault("log_level", "info")
}

// Load builds a Config from, in increasing precedence: the defaults
// above, an optional config file at configPath, environment variables
// prefixed CLUSTERRUNNER_, and flags already bound via BindFlags.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("clusterrunner")
	v.AutomaticEnv()

	if flags != nil {
		for key, flagName := range flagBindings {
			if f := flags.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BindFlags registers every Config field as a flag on fs, for use with a
// cobra.Command's Flags().
func BindFlags(fs *pflag.FlagSet) {
	fs.String("host", "0.0.0.0", "address to bind the control endpoint to")
	fs.Int("port", 43001, "port to bind the control endpoint to")
	fs.Int("num-executors", 1, "number of subjob-runner executors to maintain")
	fs.String("manager-url", "localhost:43000", "host:port of the manager")
	fs.String("secret", "", "shared HMAC secret for signing manager requests")
	fs.Duration("heartbeat-interval", 10*time.Second, "interval between heartbeats to the manager")
	fs.Int("heartbeat-failure-threshold", 3, "consecutive transport failures before self-termination")
	fs.Duration("teardown-poll-interval", time.Second, "poll interval while waiting for the pool to drain during teardown")
	fs.Duration("teardown-timeout", 30*time.Second, "timeout passed to ProjectType.TeardownBuild")
	fs.String("subjob-runner-path", "subjob-runner", "path to the subjob-runner binary")
	fs.String("workspace-root", "", "root directory for per-build workspaces (defaults to the OS temp dir)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
}

// flagBindings maps each mapstructure config key to the dash-case flag
// name BindFlags registers it under.
var flagBindings = map[string]string{
	"host":                        "host",
	"port":                        "port",
	"num_executors":               "num-executors",
	"manager_url":                 "manager-url",
	"secret":                      "secret",
	"heartbeat_interval":          "heartbeat-interval",
	"heartbeat_failure_threshold": "heartbeat-failure-threshold",
	"teardown_poll_interval":      "teardown-poll-interval",
	"teardown_timeout":            "teardown-timeout",
	"subjob_runner_path":          "subjob-runner-path",
	"workspace_root":              "workspace-root",
	"log_level":                   "log-level",
}
