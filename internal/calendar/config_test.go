package calendar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planflow/internal/domain"
)

const sampleConfig = `
max_per_day: 3
slot_pool:
  - id: s1
    name: morning
    start: "09:00"
    end: "12:00"
  - id: s2
    name: afternoon
    start: "13:00"
    end: "16:00"
working_hours:
  - day: monday
    start: "09:00"
    end: "17:00"
    allowed_slots: [morning, afternoon]
  - day: friday
    start: "09:00"
    end: "13:00"
    allowed_slots: [morning]
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calendar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxPerDay)
	require.Len(t, cfg.SlotPool, 2)
	assert.Equal(t, "morning", cfg.SlotPool[0].Name)
	assert.Equal(t, domain.NewClock(9, 0), cfg.SlotPool[0].Start)
	assert.Equal(t, domain.NewClock(12, 0), cfg.SlotPool[0].End)
	require.Len(t, cfg.WorkingHours, 2)
	assert.Equal(t, []string{"morning"}, cfg.WorkingHours[1].AllowedSlots)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
	}{
		{"zero cap", "max_per_day: 0"},
		{"bad weekday", "max_per_day: 1\nworking_hours:\n  - day: funday\n    start: \"09:00\"\n    end: \"17:00\"\n"},
		{"inverted hours", "max_per_day: 1\nworking_hours:\n  - day: monday\n    start: \"17:00\"\n    end: \"09:00\"\n"},
		{"unknown allowed slot", "max_per_day: 1\nworking_hours:\n  - day: monday\n    start: \"09:00\"\n    end: \"17:00\"\n    allowed_slots: [ghost]\n"},
		{"bad clock", "max_per_day: 1\nslot_pool:\n  - id: s1\n    name: morning\n    start: \"25:00\"\n    end: \"26:00\"\n"},
		{"duplicate slot", "max_per_day: 1\nslot_pool:\n  - id: s1\n    name: morning\n    start: \"09:00\"\n    end: \"10:00\"\n  - id: s2\n    name: morning\n    start: \"11:00\"\n    end: \"12:00\"\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadConfig(writeConfig(t, tc.text))
			assert.Error(t, err)
		})
	}
}

func TestFileProvider_Reload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, sampleConfig)
	p, err := NewFileProvider(path)
	require.NoError(t, err)
	assert.Equal(t, 3, p.GetConfig().MaxPerDay)

	require.NoError(t, os.WriteFile(path, []byte("max_per_day: 5\n"), 0o644))
	require.NoError(t, p.Reload())
	assert.Equal(t, 5, p.GetConfig().MaxPerDay)

	// A broken file keeps the previous config active.
	require.NoError(t, os.WriteFile(path, []byte("max_per_day: -1\n"), 0o644))
	assert.Error(t, p.Reload())
	assert.Equal(t, 5, p.GetConfig().MaxPerDay)
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxPerDay: 2}
	assert.Equal(t, cfg, NewStatic(cfg).GetConfig())
}
