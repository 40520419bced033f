package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. FRAMEFEED_CAPTURE_FPS
const EnvPrefix = "FRAMEFEED"

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex

	listenersMu sync.Mutex
	listeners   []func(*Config)
}

// DefaultPath returns $HOME/.config/framefeed/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "framefeed", "config.yaml"), nil
}

// NewManager loads the configuration file, creating it with defaults when
// it does not exist yet.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: path,
		v:          newViper(path),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.WithComponent("config").Info().
			Str("path", path).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	if err := m.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.config = cfg

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("method", cfg.SelectedMethod().String()).
		Msg("Config loaded")

	return m, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	for _, k := range Keys() {
		v.SetDefault(k.Name, k.Default)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// decode unmarshals viper's current state and validates it
func (m *Manager) decode() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Reload re-reads the file. On error the previous configuration stays active.
func (m *Manager) Reload() error {
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return m.refresh()
}

func (m *Manager) refresh() error {
	cfg, err := m.decode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.WithComponent("config").Warn().Err(err).Msg("Ignoring log level")
	}
	m.notify(cfg)
	return nil
}

// OnChange registers fn to run after every successful reload
func (m *Manager) OnChange(fn func(*Config)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

func (m *Manager) notify(cfg *Config) {
	m.listenersMu.Lock()
	listeners := append([]func(*Config){}, m.listeners...)
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		c := *cfg
		fn(&c)
	}
}

// Watch reloads the configuration whenever the file changes on disk
func (m *Manager) Watch() {
	log := logger.WithComponent("config")
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config file changed")
		if err := m.refresh(); err != nil {
			log.Error().Err(err).Msg("Keeping previous config")
		}
	})
	m.v.WatchConfig()
	log.Debug().Str("path", m.configPath).Msg("Watching config file")
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// CaptureSettings returns the capture snapshot of the current configuration
func (m *Manager) CaptureSettings() capture.Settings {
	return m.Get().CaptureSettings()
}

// CircleCapture reports the detection.circle_capture setting
func (m *Manager) CircleCapture() bool {
	return m.Get().Detection.CircleCapture
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	log := logger.WithComponent("config")
	log.Debug().Str("path", m.configPath).Msg("Saving config")

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return err
	}

	log.Info().Str("path", m.configPath).Msg("Config saved successfully")
	return nil
}

// Update validates cfg, makes it current and saves it
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := *cfg
	m.mu.Lock()
	m.config = &c
	m.mu.Unlock()
	if err := m.Save(); err != nil {
		return err
	}
	// keep viper in step so env overrides and Get see the saved file
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to re-read config: %w", err)
	}
	return nil
}

// Set parses raw for the named key and updates the configuration.
// Selecting a capture method clears the other method flags.
func (m *Manager) Set(name, raw string) error {
	k, ok := LookupKey(name)
	if !ok {
		return fmt.Errorf("unknown config key %q", name)
	}
	value, err := k.ParseValue(raw)
	if err != nil {
		return err
	}

	cfg := m.Get()
	if enabled, isBool := value.(bool); isBool && enabled {
		if method, ok := methodFlags[k.Name]; ok {
			cfg.SelectMethod(method)
		}
	}
	k.set(cfg, value)
	return m.Update(cfg)
}

// Value returns the current value of a key
func (m *Manager) Value(name string) (any, error) {
	k, ok := LookupKey(name)
	if !ok {
		return nil, fmt.Errorf("unknown config key %q", name)
	}
	return k.Get(m.Get()), nil
}

var methodFlags = map[string]capture.Method{
	"capture.duplication.enabled":    capture.MethodDuplication,
	"capture.virtual_camera.enabled": capture.MethodVirtualCamera,
	"capture.region_grab.enabled":    capture.MethodRegionGrab,
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
