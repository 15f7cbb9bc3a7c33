package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"lecca.io/ksm-watcher/internal/config"
)

const envVarPrefix = "KSM_WATCHER_"

func envVars(name string) []string {
	return []string{envVarPrefix + name}
}

const (
	configFlag     = "config"
	validatorsFlag = "validators"
	portFlag       = "port"
	endpointFlag   = "endpoint"
	logLevelFlag   = "log.level"
	logColorFlag   = "log.color"
)

// appFlags returns fresh flag values; urfave/cli mutates flags while parsing.
func appFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    configFlag,
			Usage:   "Path to a yaml config file",
			EnvVars: envVars("CONFIG"),
		},
		&cli.StringFlag{
			Name:    validatorsFlag,
			Usage:   `JSON array of validator addresses, e.g. '["Gxyz...","Hxyz..."]'`,
			EnvVars: envVars("VALIDATORS"),
		},
		&cli.IntFlag{
			Name:    portFlag,
			Usage:   "HTTP listen port for /healthcheck, /metrics and the status endpoints",
			EnvVars: envVars("PORT"),
		},
		&cli.StringFlag{
			Name:    endpointFlag,
			Usage:   "Websocket endpoint of the node",
			EnvVars: envVars("ENDPOINT"),
			Value:   config.DefaultEndpoint,
		},
		&cli.StringFlag{
			Name:    logLevelFlag,
			Usage:   "Log level: debug, info, warn or error",
			EnvVars: envVars("LOG_LEVEL"),
			Value:   config.DefaultLogLevel,
		},
		&cli.BoolFlag{
			Name:  logColorFlag,
			Usage: "Force colored log output",
		},
	}
}

// configFromCLI builds the config as defaults < yaml file < flags and env,
// then validates it.
func configFromCLI(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(configFlag); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
		cfg = loaded
	}

	if c.IsSet(validatorsFlag) {
		vals, err := config.ParseValidators(c.String(validatorsFlag))
		if err != nil {
			return nil, err
		}
		cfg.Chain.Validators = vals
	}
	if c.IsSet(portFlag) {
		cfg.Server.Port = c.Int(portFlag)
	}
	if c.IsSet(endpointFlag) {
		cfg.Chain.Endpoint = c.String(endpointFlag)
	}
	if c.IsSet(logLevelFlag) {
		cfg.Advanced.LogLevel = c.String(logLevelFlag)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveConfigPath(configFile string) (string, error) {
	if configFile != "" {
		return filepath.Abs(configFile)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ksm-watcher", "config.yml"), nil
}

// writeExampleConfig writes example to path unless a file already exists.
func writeExampleConfig(path string, example []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}

	if len(example) == 0 {
		return false, fmt.Errorf("embedded config.example.yml is empty")
	}

	return true, os.WriteFile(path, example, 0o644)
}
