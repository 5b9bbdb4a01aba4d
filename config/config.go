// Package config defines the orchestrator's static configuration and the
// file loader used to build it at process startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/crmmc/aria2deck/klog"
	"github.com/crmmc/aria2deck/metrics"
)

// Aria2Config holds connection details for the downloader daemon.
type Aria2Config struct {
	RPCURL    string `yaml:"rpc_url"`
	RPCSecret string `yaml:"rpc_secret"`
}

// ReconnectConfig controls the push-stream reconnect backoff schedule.
type ReconnectConfig struct {
	MaxDelay time.Duration `yaml:"max_delay"`
	Factor   float64       `yaml:"factor"`
	Jitter   float64       `yaml:"jitter"`
}

// StoreConfig locates the orchestrator's filesystem root.
type StoreConfig struct {
	DownloadDir string `yaml:"download_dir"`
}

// Config is the orchestrator's full static configuration, loaded once at
// startup from a YAML file.
type Config struct {
	Aria2              Aria2Config     `yaml:"aria2"`
	Store              StoreConfig     `yaml:"store"`
	MaxTaskSize        int64           `yaml:"max_task_size"`
	MinFreeDisk        int64           `yaml:"min_free_disk"`
	PollInterval       time.Duration   `yaml:"poll_interval"`
	WSReconnect        ReconnectConfig `yaml:"ws_reconnect"`
	DownloadTokenExp   time.Duration   `yaml:"download_token_expiry"`
	DBPath             string          `yaml:"db_path"`
	Metrics            metrics.Config  `yaml:"metrics"`
	Log                klog.Config     `yaml:"log"`
	ListenAddr         string          `yaml:"listen_addr"`
	FanoutPingInterval time.Duration   `yaml:"fanout_ping_interval"`
	FanoutThrottle     time.Duration   `yaml:"fanout_throttle"`
	DefaultQuota       int64           `yaml:"default_quota"`
}

const (
	defaultMaxTaskSize        = 10 << 30 // 10 GiB
	defaultMinFreeDisk        = 1 << 30  // 1 GiB
	defaultPollInterval       = 2 * time.Second
	defaultWSMaxDelay         = 60 * time.Second
	defaultWSFactor           = 2.0
	defaultWSJitter           = 0.2
	defaultDownloadTokenExp   = 10 * time.Minute
	defaultFanoutPingInterval = 30 * time.Second
	defaultFanoutThrottle     = 500 * time.Millisecond
	defaultQuota              = 50 << 30 // 50 GiB
)

// applyDefaults fills in zero-valued fields with the defaults documented in
// the configuration surface.
func (c *Config) applyDefaults() {
	if c.MaxTaskSize == 0 {
		c.MaxTaskSize = defaultMaxTaskSize
	}
	if c.MinFreeDisk == 0 {
		c.MinFreeDisk = defaultMinFreeDisk
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.WSReconnect.MaxDelay == 0 {
		c.WSReconnect.MaxDelay = defaultWSMaxDelay
	}
	if c.WSReconnect.Factor == 0 {
		c.WSReconnect.Factor = defaultWSFactor
	}
	if c.WSReconnect.Jitter == 0 {
		c.WSReconnect.Jitter = defaultWSJitter
	}
	if c.DownloadTokenExp == 0 {
		c.DownloadTokenExp = defaultDownloadTokenExp
	}
	if c.FanoutPingInterval == 0 {
		c.FanoutPingInterval = defaultFanoutPingInterval
	}
	if c.FanoutThrottle == 0 {
		c.FanoutThrottle = defaultFanoutThrottle
	}
	if c.DefaultQuota == 0 {
		c.DefaultQuota = defaultQuota
	}
}

// NewConfigWithPath loads configuration from a YAML file at configPath.
func NewConfigWithPath(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot find config file: %s", configPath)
	}
	b, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %s", err)
	}
	var c Config
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %s", err)
	}
	c.applyDefaults()
	klog.Infof("Configuration loaded from %s", configPath)
	return &c, nil
}
