package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/SkynetNext/xsk-fastpath/internal/metrics"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// DefaultConfigPaths are checked in order when no config file is named.
var DefaultConfigPaths = []string{
	"/etc/fastpath/fastpath.yaml",
	"/etc/config/fastpath.yaml",
	"/config/fastpath.yaml",
}

// LoadConfigFromFile loads config from a YAML file. Unset fields keep their
// defaults and environment variables override the file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// Load reads path if given, else the first default path that exists, else
// the environment alone. It returns the file it used, if any.
func Load(path string) (*Config, string, error) {
	if path != "" {
		cfg, err := LoadConfigFromFile(path)
		return cfg, path, err
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			xlog.Infof("Loading config from %s", p)
			cfg, err := LoadConfigFromFile(p)
			return cfg, p, err
		}
	}
	return LoadConfig(), "", nil
}

// ConfigWatcher polls a config file and reports every successful reload.
// A mounted ConfigMap is replaced in place, so the modification time is
// the change signal.
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	onChange   func(*Config)
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewConfigWatcher creates a watcher for configPath.
func NewConfigWatcher(configPath string, interval time.Duration, onChange func(*Config)) *ConfigWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ConfigWatcher{
		configPath: configPath,
		interval:   interval,
		onChange:   onChange,
		stopCh:     make(chan struct{}),
	}
}

// Start starts watching. Only changes after Start are reported.
func (w *ConfigWatcher) Start() {
	var lastModTime time.Time
	if info, err := os.Stat(w.configPath); err == nil {
		lastModTime = info.ModTime()
	}
	w.wg.Add(1)
	go w.watch(lastModTime)
}

// Stop stops the watcher and waits for it to exit.
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *ConfigWatcher) watch(lastModTime time.Time) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(w.configPath)
			if err != nil {
				continue // File doesn't exist yet
			}
			if !info.ModTime().After(lastModTime) {
				continue
			}
			lastModTime = info.ModTime()

			xlog.Infof("Config file changed, reloading: %s", w.configPath)
			cfg, err := LoadConfigFromFile(w.configPath)
			if err == nil {
				err = cfg.Validate()
			}
			metrics.RecordConfigReload("file", err)
			if err != nil {
				xlog.Warnf("Ignoring config change: %v", err)
				continue
			}
			w.onChange(cfg)
		}
	}
}
