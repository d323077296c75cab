package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/rickchristie/safequery"
)

const (
	envPrefix         = "SAFEQUERY_"
	envConfigPath     = "SAFEQUERY_CONFIG_PATH"
	envConnString     = "SAFEQUERY_PG_CONNSTRING"
	defaultConfigPath = ".safequery/config.yaml"
)

// flagKeys maps CLI flags to config keys.
var flagKeys = map[string]string{
	"port":       "server.port",
	"schema":     "planner.schema",
	"allowlist":  "allowlist.file",
	"log-level":  "logging.level",
	"log-format": "logging.format",
}

func configDefaults() map[string]any {
	return map[string]any{
		"pool.max_conns":                 10,
		"query.default_timeout_seconds":  30,
		"query.discover_timeout_seconds": 10,
		"query.max_sql_length":           100000,
		"breaker.max_failures":           3,
		"breaker.cooldown_seconds":       60,
		"hooks.default_timeout_seconds":  10,
		"server.port":                    8080,
		"server.health_check_path":       "/health",
		"server.metrics_path":            "/metrics",
		"logging.level":                  "info",
		"logging.format":                 "json",
		"logging.output":                 "stderr",
	}
}

// resolveConfigPath picks the config file: explicit flag, then
// SAFEQUERY_CONFIG_PATH, then .safequery/config.yaml if it exists.
// An empty result means defaults, env and flags only.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// loadServerConfig layers defaults, the config file, SAFEQUERY_* env vars and
// explicitly set flags, in increasing precedence. Nested keys in env vars
// use a double underscore: SAFEQUERY_SERVER__PORT=9090.
func loadServerConfig(flags *pflag.FlagSet) (*safequery.ServerConfig, string, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(configDefaults(), "."), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load defaults: %w", err)
	}

	var explicit string
	if flags != nil {
		explicit, _ = flags.GetString("config")
	}
	path := resolveConfigPath(explicit)
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, path, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, path, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, path, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var config safequery.ServerConfig
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, path, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, path, nil
}

// envKey turns SAFEQUERY_QUERY__MAX_ROW_CAP into query.max_row_cap. Variables
// that are not config keys are skipped.
func envKey(s string) string {
	if s == envConfigPath || s == envConnString {
		return ""
	}
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}
