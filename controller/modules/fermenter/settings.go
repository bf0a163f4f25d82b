package fermenter

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fermpi/fermpi/controller/storage"
)

// BoltDB bucket and keys
const (
	Bucket      = "fermenter"
	settingsKey = "settings"

	defaultTarget = 18.0
)

// Settings is the persisted subset of the vessel state.
type Settings struct {
	Targets    []float64 `json:"target_fermenters"`
	Active     []bool    `json:"fermenter_active_status"`
	Profiles   []*string `json:"fermenter_profiles"`
	StartTimes []*string `json:"fermenter_profile_start_times"`
	Steps      []int     `json:"fermenter_current_step"`
	Offsets    []float64 `json:"fermenter_profile_offsets"`
	Mode       Mode      `json:"control_mode"`
}

func DefaultSettings(n int, mode Mode) Settings {
	s := Settings{
		Targets:    make([]float64, n),
		Active:     make([]bool, n),
		Profiles:   make([]*string, n),
		StartTimes: make([]*string, n),
		Steps:      make([]int, n),
		Offsets:    make([]float64, n),
		Mode:       mode,
	}
	for i := 0; i < n; i++ {
		s.Targets[i] = defaultTarget
		s.Active[i] = true
	}
	return s
}

// loadSettings reads the stored settings field by field. A field that is
// malformed or has the wrong length keeps its default.
func (m *Controller) loadSettings(n int, mode Mode) Settings {
	s := DefaultSettings(n, mode)
	var raw map[string]json.RawMessage
	if err := m.c.Store().Get(Bucket, settingsKey, &raw); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.log.Info("no stored settings, using defaults")
		} else {
			m.log.WithError(err).Warn("failed to read settings, using defaults")
		}
		return s
	}

	field := func(name string, out interface{}, length func() int) bool {
		v, ok := raw[name]
		if !ok {
			return false
		}
		if err := json.Unmarshal(v, out); err != nil || length() != n {
			m.log.Warnf("setting %s is invalid or has the wrong length, using defaults", name)
			return false
		}
		return true
	}

	var targets []float64
	if field("target_fermenters", &targets, func() int { return len(targets) }) {
		s.Targets = targets
	}
	var active []bool
	if field("fermenter_active_status", &active, func() int { return len(active) }) {
		s.Active = active
	}
	var profiles []*string
	if field("fermenter_profiles", &profiles, func() int { return len(profiles) }) {
		s.Profiles = profiles
	}
	var starts []*string
	if field("fermenter_profile_start_times", &starts, func() int { return len(starts) }) {
		s.StartTimes = starts
	}
	var steps []int
	if field("fermenter_current_step", &steps, func() int { return len(steps) }) {
		if validSteps(steps) {
			s.Steps = steps
		} else {
			m.log.Warn("setting fermenter_current_step has a negative step, using defaults")
		}
	}
	var offsets []float64
	if field("fermenter_profile_offsets", &offsets, func() int { return len(offsets) }) {
		s.Offsets = offsets
	}
	if v, ok := raw["control_mode"]; ok {
		var stored Mode
		if err := json.Unmarshal(v, &stored); err != nil || !stored.Valid() {
			m.log.Warnf("stored control_mode is invalid, using %s", mode)
		} else {
			s.Mode = stored
		}
	}
	return s
}

func validSteps(steps []int) bool {
	for _, st := range steps {
		if st < 0 {
			return false
		}
	}
	return true
}

// applySettings copies persisted settings into the vessel records. Caller holds mu.
func (m *Controller) applySettings(s Settings) {
	for i, v := range m.vessels {
		v.target = s.Targets[i]
		v.active = s.Active[i]
		v.step = s.Steps[i]
		v.offset = s.Offsets[i]
		if s.Profiles[i] == nil || s.StartTimes[i] == nil {
			continue
		}
		start, err := time.Parse(time.RFC3339Nano, *s.StartTimes[i])
		if err != nil {
			m.log.WithError(err).Warnf("vessel %d: bad profile start time, dropping profile", i+1)
			continue
		}
		v.profile = *s.Profiles[i]
		v.profileStart = start
	}
	m.mode = s.Mode
}

// settings captures the persisted fields. Caller holds mu.
func (m *Controller) settings() Settings {
	s := DefaultSettings(len(m.vessels), m.mode)
	for i, v := range m.vessels {
		s.Targets[i] = v.target
		s.Active[i] = v.active
		s.Steps[i] = v.step
		s.Offsets[i] = v.offset
		if v.hasProfile() {
			id := v.profile
			start := v.profileStart.UTC().Format(time.RFC3339Nano)
			s.Profiles[i] = &id
			s.StartTimes[i] = &start
		}
	}
	return s
}

// save persists the current settings. It must not be called with mu held.
// saveMu keeps snapshot and write together so an older snapshot never lands
// after a newer one.
func (m *Controller) save() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	m.mu.RLock()
	s := m.settings()
	m.mu.RUnlock()
	if err := m.c.Store().Update(Bucket, settingsKey, &s); err != nil {
		m.log.WithError(err).Error("failed to save settings")
	}
}

func (m *Controller) loadTunables(defaults Tunables) Tunables {
	t := defaults
	if err := m.c.Store().Get(Bucket, tunablesKey, &t); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.log.WithError(err).Warn("failed to read tunables, using configured defaults")
		}
		return defaults
	}
	if err := t.Validate(); err != nil {
		m.log.WithError(err).Warn("stored tunables are invalid, using configured defaults")
		return defaults
	}
	return t
}
