package config

import (
	iface "CustomDetServe/interface"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	EngineExample = "example"
	EngineRandom  = "random"
	EngineRemote  = "remote"
)

type SessionInfo struct {
	AppName              string `yaml:"appName"`
	ModelName            string `yaml:"modelName"`
	Device               string `yaml:"device"`
	SlidingWindowSupport bool   `yaml:"slidingWindowSupport"`
}

type PlatformConfig struct {
	ServerAddress  string `yaml:"serverAddress"`
	APIToken       string `yaml:"apiToken"`
	TeamID         int    `yaml:"teamId"`
	WorkspaceID    int    `yaml:"workspaceId"`
	TaskID         int    `yaml:"taskId"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

type AnnounceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RegistryURL     string `yaml:"registryURL"`
	IntervalSeconds int    `yaml:"intervalSeconds"`
}

type Config struct {
	HTTPPort           int            `yaml:"HTTPPort"`
	RPCPort            int            `yaml:"RPCPort"`
	MonitorPort        int            `yaml:"MonitorPort"`
	WorkersNum         int            `yaml:"workersNum"`
	Debug              bool           `yaml:"debug"`
	Engine             string         `yaml:"engine"`
	InferenceURL       string         `yaml:"inferenceURL"`
	Classes            []string       `yaml:"classes"`
	NamesFile          string         `yaml:"namesFile"`
	SettingsPath       string         `yaml:"settingsPath"`
	DataDir            string         `yaml:"dataDir"`
	CacheDir           string         `yaml:"cacheDir"`
	WeightsPath        string         `yaml:"weightsPath"`
	ValidateConfidence bool           `yaml:"validateConfidence"`
	Session            SessionInfo    `yaml:"session"`
	Platform           PlatformConfig `yaml:"platform"`
	Announce           AnnounceConfig `yaml:"announce"`
}

func Default() Config {
	return Config{
		HTTPPort:           8000,
		RPCPort:            50051,
		MonitorPort:        50053,
		WorkersNum:         1,
		Engine:             EngineExample,
		Classes:            []string{"person", "car", "bus"},
		SettingsPath:       "custom_settings.yaml",
		DataDir:            "data",
		CacheDir:           "cache",
		ValidateConfidence: true,
		Session: SessionInfo{
			AppName:   "Serve Custom Detection Model Template",
			ModelName: "Put your model name",
			Device:    "cpu",
		},
		Platform: PlatformConfig{TimeoutSeconds: 30},
		Announce: AnnounceConfig{IntervalSeconds: 5},
	}
}

// Load reads a YAML config on top of the defaults and then applies the
// environment the platform starts the app with. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %v", iface.ErrConfiguration, path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("%w: read %s: %v", iface.ErrConfiguration, path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() error {
	var err error
	if c.Platform.TeamID, err = getEnvAsInt("context.teamId", c.Platform.TeamID); err != nil {
		return err
	}
	if c.Platform.WorkspaceID, err = getEnvAsInt("context.workspaceId", c.Platform.WorkspaceID); err != nil {
		return err
	}
	if c.Platform.TaskID, err = getEnvAsInt("TASK_ID", c.Platform.TaskID); err != nil {
		return err
	}
	c.Platform.ServerAddress = getEnv("SERVER_ADDRESS", c.Platform.ServerAddress)
	c.Platform.APIToken = getEnv("API_TOKEN", c.Platform.APIToken)
	c.WeightsPath = getEnv("modal.state.slyFile", c.WeightsPath)
	return nil
}

func (c *Config) validate() error {
	switch c.Engine {
	case EngineExample, EngineRandom:
	case EngineRemote:
		if c.InferenceURL == "" {
			return fmt.Errorf("%w: engine %q needs inferenceURL", iface.ErrConfiguration, c.Engine)
		}
	default:
		return fmt.Errorf("%w: unknown engine %q", iface.ErrConfiguration, c.Engine)
	}
	if c.WorkersNum <= 0 {
		c.WorkersNum = 1
	}
	if c.Platform.TimeoutSeconds <= 0 {
		c.Platform.TimeoutSeconds = 30
	}
	if c.Announce.Enabled && c.Announce.RegistryURL == "" {
		return fmt.Errorf("%w: announce enabled without registryURL", iface.ErrConfiguration)
	}
	return nil
}

// RemoteWeights reports whether the configured weights path points at a
// checkpoint worth downloading. Anything else runs the template engine.
func (c *Config) RemoteWeights() bool {
	return strings.HasSuffix(c.WeightsPath, ".pth")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%w: %s=%q is not an integer", iface.ErrConfiguration, key, value)
	}
	return intValue, nil
}
