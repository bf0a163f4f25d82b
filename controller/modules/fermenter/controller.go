// Package fermenter runs the control loop for a set of fermentation vessels
// sharing one chilled coolant bath.
package fermenter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fermpi/fermpi/controller"
	"github.com/fermpi/fermpi/controller/modules/chiller"
	"github.com/fermpi/fermpi/controller/modules/dutycycle"
	"github.com/fermpi/fermpi/controller/modules/pid"
	"github.com/fermpi/fermpi/controller/modules/profile"
	"github.com/fermpi/fermpi/controller/modules/templog"
)

const (
	DefaultInterval = 2 * time.Second
	maxEvents       = 100
)

var (
	ErrInvalidVessel = errors.New("invalid vessel")
	ErrInvalidTarget = errors.New("invalid target temperature")
	ErrInvalidMode   = errors.New("invalid control mode")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNoProfile     = errors.New("no active profile")
	ErrLastStep      = errors.New("already on the last step")
)

// Probe is a temperature source. An error means the reading is unusable.
type Probe interface {
	Read() (float64, error)
}

// Output is an on/off actuator.
type Output interface {
	Write(on bool) error
}

// Profiles resolves profile ids.
type Profiles interface {
	Get(id string) (profile.Profile, error)
}

// History stores and serves vessel temperature readings. Record must not
// block.
type History interface {
	Record(vessel int, ts time.Time, temperature float64)
	Query(ctx context.Context, vessel int, start, end time.Time) ([]templog.Point, error)
}

// Hardware is the set of sensors and relays, indexed by vessel.
type Hardware struct {
	Probes  []Probe
	Heaters []Output
	Valves  []Output
	Bath    Probe
	Chiller Output
	Pump    Output
}

type Config struct {
	Vessels  []string // display names, one per vessel
	Interval time.Duration
	Mode     Mode
	Tunables Tunables
}

// Controller implements controller.Subsystem.
type Controller struct {
	c        controller.Controller
	log      *logrus.Entry
	hw       Hardware
	profiles Profiles
	history  History
	cfg      Config
	tunables atomic.Pointer[Tunables]

	// mu guards the vessel and bath aggregate, the mode and the guard
	mu      sync.RWMutex
	vessels []*vessel
	bath    bath
	mode    Mode
	guard   *chiller.Guard

	logMu  sync.Mutex
	events []string

	saveMu sync.Mutex

	kick      chan struct{}
	dirty     chan struct{}
	heartbeat func()
	now       func() time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds the subsystem. Hardware slices must have one entry per vessel.
func New(c controller.Controller, cfg Config, hw Hardware, profiles Profiles, history History) (*Controller, error) {
	n := len(cfg.Vessels)
	if n == 0 {
		return nil, fmt.Errorf("%w: no vessels configured", ErrInvalidConfig)
	}
	if len(hw.Probes) != n || len(hw.Heaters) != n || len(hw.Valves) != n {
		return nil, fmt.Errorf("%w: hardware does not match %d vessels", ErrInvalidConfig, n)
	}
	if hw.Bath == nil || hw.Chiller == nil || hw.Pump == nil {
		return nil, fmt.Errorf("%w: bath probe, chiller and pump are required", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = BangBang
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}
	if err := cfg.Tunables.Validate(); err != nil {
		return nil, err
	}

	m := &Controller{
		c:        c,
		log:      c.Logger().WithField("module", "fermenter"),
		hw:       hw,
		profiles: profiles,
		history:  history,
		cfg:      cfg,
		mode:     cfg.Mode,
		kick:     make(chan struct{}, 1),
		dirty:    make(chan struct{}, 1),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	t := cfg.Tunables
	m.tunables.Store(&t)
	m.guard = chiller.New(t.ChillerMinOn, t.ChillerMinOff)
	m.bath.target = ptr(t.DefaultBathTarget)

	ref := m.now()
	for _, name := range cfg.Vessels {
		m.vessels = append(m.vessels, &vessel{
			name:   name,
			active: true,
			target: defaultTarget,
			sensor: "OK",
			pid:    pid.New(gains(t)),
			duty:   dutycycle.New(t.DutyCycle, ref),
		})
	}
	return m, nil
}

func gains(t Tunables) pid.Config {
	cfg := pid.DefaultConfig()
	cfg.Kp, cfg.Ki, cfg.Kd = t.Kp, t.Ki, t.Kd
	return cfg
}

// OnHeartbeat registers fn to be called after every completed tick.
func (m *Controller) OnHeartbeat(fn func()) {
	m.heartbeat = fn
}

// Setup restores persisted tunables and vessel settings.
func (m *Controller) Setup() error {
	if err := m.c.Store().CreateBucket(Bucket); err != nil {
		return err
	}
	t := m.loadTunables(m.cfg.Tunables)
	s := m.loadSettings(len(m.cfg.Vessels), m.cfg.Mode)

	m.mu.Lock()
	m.applySettings(s)
	m.applyTunables(t)
	m.mu.Unlock()
	m.tunables.Store(&t)
	m.log.Infof("loaded %d vessels in %s mode", len(m.vessels), s.Mode)
	return nil
}

// Start launches the control loop and the settings saver.
func (m *Controller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.saver(ctx)
	go func() {
		defer close(m.done)
		m.Run(ctx)
	}()
}

// Stop lets the current tick finish, drives every output off and persists
// the final state.
func (m *Controller) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.save()
}

// Run ticks at the configured interval until ctx is done. A kick runs a tick
// immediately. On return every output is off.
func (m *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	defer m.shutdown()

	m.Tick(m.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.now())
		case <-m.kick:
			m.Tick(m.now())
		}
	}
}

func (m *Controller) kickLoop() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// markDirty asks the saver to persist settings. Safe to call with mu held.
func (m *Controller) markDirty() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

func (m *Controller) saver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.dirty:
			m.save()
		}
	}
}

func (m *Controller) shutdown() {
	m.mu.Lock()
	for _, v := range m.vessels {
		v.heaterOn = false
		v.valveOpen = false
	}
	m.bath.chillerOn = false
	m.bath.pumpOn = false
	m.mu.Unlock()

	for i := range m.vessels {
		m.write(m.hw.Heaters[i], false, "heater", i)
		m.write(m.hw.Valves[i], false, "valve", i)
	}
	m.write(m.hw.Pump, false, "pump", -1)
	m.write(m.hw.Chiller, false, "chiller", -1)
	m.log.Info("all outputs off")
}

// appendLog adds an entry to the in-memory activity log, capped at 100 entries.
func (m *Controller) appendLog(format string, args ...interface{}) {
	entry := fmt.Sprintf("%s %s", m.now().Format("15:04:05"), fmt.Sprintf(format, args...))
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.events = append(m.events, entry)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

func (m *Controller) Events() []string {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	return append([]string(nil), m.events...)
}

func (m *Controller) vesselName(i int) string {
	if name := m.vessels[i].name; name != "" {
		return name
	}
	return fmt.Sprintf("Fermenter %d", i+1)
}
