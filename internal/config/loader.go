package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. Values may reference
// environment variables with ${VAR}; unset variables expand to the empty
// string. Missing file is not an error when allowMissing is set via
// LoadOrDefaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", configPath, err)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", configPath, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefaults behaves like Load but falls back to Defaults when the file
// does not exist. Environment overrides for broker host/port and robot id
// are applied either way, matching how the service was deployed before it
// had a config file.
func LoadOrDefaults(configPath string) (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = Load(configPath)
		if err != nil {
			return nil, err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		cfg = Defaults()
	} else {
		// An unreadable config file is a deployment problem, not a reason
		// to silently run on defaults.
		return nil, fmt.Errorf("stat config %q: %w", configPath, err)
	}

	if host := os.Getenv("MQTT_HOST"); host != "" {
		cfg.Broker.Host = host
	}
	if port := os.Getenv("MQTT_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid MQTT_PORT %q", port)
		}
		cfg.Broker.Port = p
	}
	if robot := os.Getenv("ROBOT_ID"); robot != "" {
		cfg.Service.RobotID = robot
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var problems []string

	if cfg.Service.RobotID == "" {
		problems = append(problems, "service.robot_id is empty")
	}
	if strings.ContainsAny(cfg.Service.RobotID, "/+#") {
		problems = append(problems, "service.robot_id must not contain MQTT wildcard characters")
	}
	if cfg.State.Path == "" {
		problems = append(problems, "state.path is empty")
	}
	if cfg.State.ArchiveDir == "" {
		problems = append(problems, "state.archive_dir is empty")
	}
	if cfg.Broker.Host == "" {
		problems = append(problems, "broker.host is empty")
	}
	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		problems = append(problems, fmt.Sprintf("broker.port %d out of range", cfg.Broker.Port))
	}
	if cfg.API.Listen == "" {
		problems = append(problems, "api.listen is empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
