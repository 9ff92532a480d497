package calendar

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"planflow/internal/domain"
)

var weekdays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// Config is the user's currently active scheduling constraints.
type Config struct {
	WorkingHours []domain.WorkingHours `yaml:"working_hours"`
	SlotPool     []domain.TimeSlot     `yaml:"slot_pool"`
	MaxPerDay    int                   `yaml:"max_per_day"`
}

// Validate rejects configs that could never yield a legal placement.
func (c Config) Validate() error {
	if c.MaxPerDay <= 0 {
		return fmt.Errorf("max_per_day must be positive, got %d", c.MaxPerDay)
	}
	slotNames := make(map[string]bool, len(c.SlotPool))
	for _, slot := range c.SlotPool {
		if slot.Name == "" {
			return fmt.Errorf("slot %q has no name", slot.ID)
		}
		if slot.End < slot.Start {
			return fmt.Errorf("slot %q ends before it starts", slot.Name)
		}
		if slotNames[slot.Name] {
			return fmt.Errorf("duplicate slot name %q", slot.Name)
		}
		slotNames[slot.Name] = true
	}
	seen := make(map[string]bool, len(c.WorkingHours))
	for _, wh := range c.WorkingHours {
		if !weekdays[wh.Day] {
			return fmt.Errorf("unknown weekday %q", wh.Day)
		}
		if seen[wh.Day] {
			return fmt.Errorf("duplicate working hours for %q", wh.Day)
		}
		seen[wh.Day] = true
		if wh.End < wh.Start {
			return fmt.Errorf("working hours for %s end before they start", wh.Day)
		}
		for _, name := range wh.AllowedSlots {
			if !slotNames[name] {
				return fmt.Errorf("working hours for %s allow unknown slot %q", wh.Day, name)
			}
		}
	}
	return nil
}

// LoadConfig reads and validates a YAML calendar configuration.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read calendar config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse calendar config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid calendar config: %w", err)
	}
	return cfg, nil
}

// Provider exposes the active constraints to the orchestrator and controller.
// Every scheduling pass re-reads the config, so edits take effect on the next
// pass.
type Provider interface {
	GetConfig() Config
}

// StaticProvider serves a fixed config. Useful in tests and when the config
// cannot change at runtime.
type StaticProvider struct {
	cfg Config
}

func NewStatic(cfg Config) *StaticProvider { return &StaticProvider{cfg: cfg} }

func (p *StaticProvider) GetConfig() Config { return p.cfg }

// FileProvider serves the last successfully loaded config from a YAML file
// and can be re-loaded at runtime.
type FileProvider struct {
	path string

	mu  sync.RWMutex
	cfg Config
}

// NewFileProvider loads the file once up front; a broken file fails fast.
func NewFileProvider(path string) (*FileProvider, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return &FileProvider{path: path, cfg: cfg}, nil
}

// Reload re-reads the file. On error the previous config stays active.
func (p *FileProvider) Reload() error {
	cfg, err := LoadConfig(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil
}

func (p *FileProvider) GetConfig() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}
