package config

import "time"

// Config represents the complete dispatchd configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	Broker  BrokerConfig  `yaml:"broker"`
	API     APIConfig     `yaml:"api"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	RobotID  string `yaml:"robot_id"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines job store storage settings.
type StateConfig struct {
	Path       string `yaml:"path"`
	ArchiveDir string `yaml:"archive_dir"`
}

// BrokerConfig defines MQTT broker connection settings.
type BrokerConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Username  string        `yaml:"username,omitempty"`
	Password  string        `yaml:"password,omitempty"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// AdminToken, when set, is required as a bearer token on /api/admin routes.
	AdminToken string `yaml:"admin_token,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "dispatchd",
			RobotID:  "r1",
			LogLevel: "info",
		},
		State: StateConfig{
			Path:       "./data/jobs.db",
			ArchiveDir: "./data/archive",
		},
		Broker: BrokerConfig{
			Host:      "127.0.0.1",
			Port:      1883,
			KeepAlive: 60 * time.Second,
		},
		API: APIConfig{
			Listen: "0.0.0.0:5000",
		},
	}
}
