package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoaderOptions configures config loading.
type LoaderOptions struct {
	Path string

	// Watch reloads the file on change and invokes OnChange.
	Watch    bool
	OnChange func(*Config) error
}

// Loader reads, expands, validates, and optionally watches a YAML config
// file.
type Loader struct {
	mu       sync.Mutex
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}, nil
}

// Load parses the file and returns the processed config. When watching is
// enabled, a goroutine keeps reloading on file changes until Stop.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.loadOnce()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch()
	}

	return cfg, nil
}

func (l *Loader) loadOnce() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := koanf.New(".")
	if err := k.Load(file.Provider(l.options.Path), l.parser); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Path, err)
	}

	expanded, ok := ExpandEnvVarsInData(k.Raw()).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type after env var expansion")
	}

	l.koanf = koanf.New(".")
	if err := l.koanf.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load expanded config: %w", err)
	}

	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// watch reloads on fsnotify events. Editors replace files with rename+create
// sequences, so the watch is placed on the parent directory.
func (l *Loader) watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Config watcher failed to start", "error", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(l.options.Path)
	if err := watcher.Add(dir); err != nil {
		slog.Error("Config watcher failed to watch directory", "dir", dir, "error", err)
		return
	}

	target, _ := filepath.Abs(l.options.Path)
	slog.Info("Config watcher started", "path", l.options.Path)

	var debounce *time.Timer
	for {
		select {
		case <-l.stopChan:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			abs, _ := filepath.Abs(event.Name)
			if abs != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, l.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}

func (l *Loader) reload() {
	cfg, err := l.loadOnce()
	if err != nil {
		slog.Warn("Config reload failed, keeping previous configuration", "error", err)
		return
	}

	if l.options.OnChange == nil {
		slog.Warn("Config changed but no reload callback is registered")
		return
	}
	if err := l.options.OnChange(cfg); err != nil {
		slog.Warn("Config change callback failed", "error", err)
		return
	}
	slog.Info("Configuration reloaded", "path", l.options.Path)
}

func (l *Loader) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func (l *Loader) SetOnChange(callback func(*Config) error) {
	l.options.OnChange = callback
}

// LoadConfig is the one-shot helper for callers that do not need watching.
func LoadConfig(path string) (*Config, error) {
	loader, err := NewLoader(LoaderOptions{Path: path})
	if err != nil {
		return nil, err
	}
	return loader.Load()
}
