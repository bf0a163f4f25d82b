// Package daemon assembles the fermpi subsystems around one bbolt store and
// serves their REST routes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/fermpi/fermpi/controller"
	"github.com/fermpi/fermpi/controller/config"
	"github.com/fermpi/fermpi/controller/modules/fermenter"
	"github.com/fermpi/fermpi/controller/modules/profile"
	"github.com/fermpi/fermpi/controller/modules/telemetry"
	"github.com/fermpi/fermpi/controller/modules/templog"
	"github.com/fermpi/fermpi/controller/storage"
)

const shutdownTimeout = 5 * time.Second

type Daemon struct {
	cfg config.Config
	log *logrus.Entry

	store     storage.Store
	history   *templog.Store
	hub       *telemetry.Hub
	mqtt      *telemetry.Client
	board     *boardIO
	profiles  *profile.Store
	fermenter *fermenter.Controller

	subsystems []controller.Subsystem
	registry   *prometheus.Registry
	router     *mux.Router
	server     *http.Server
	listener   net.Listener

	watchdog time.Duration
	petMu    sync.Mutex
	lastPet  time.Time
}

// New opens storage and hardware and builds every subsystem. Nothing runs
// until Start.
func New(cfg config.Config, logger *logrus.Logger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, log: logger.WithField("module", "daemon")}

	store, err := storage.New(cfg.Database)
	if err != nil {
		return nil, err
	}
	d.store = store
	c := controller.New(store, logger)

	d.history, err = templog.New(cfg.LogDatabase, cfg.LogRetention, logger)
	if err != nil {
		d.close()
		return nil, err
	}
	d.hub = telemetry.NewHub(cfg.Remote.StaleAfter, logger)
	d.board, err = openHardware(cfg, d.hub, logger)
	if err != nil {
		d.close()
		return nil, err
	}

	mode, err := fermenter.ParseMode(cfg.ControlMode)
	if err != nil {
		d.close()
		return nil, err
	}
	d.profiles = profile.NewStore(c)
	d.fermenter, err = fermenter.New(c, fermenter.Config{
		Vessels:  cfg.VesselNames(),
		Interval: cfg.Interval,
		Mode:     mode,
		Tunables: cfg.Control,
	}, d.board.hw, d.profiles, d.history)
	if err != nil {
		d.close()
		return nil, err
	}
	d.subsystems = []controller.Subsystem{d.profiles, d.fermenter}

	if cfg.MQTT.Enable {
		d.mqtt = telemetry.NewClient(cfg.MQTT, d.hub, func() interface{} { return d.fermenter.Snapshot() }, logger)
	}

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		telemetry.NewCollector(d.fermenter.Snapshot),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.router = d.routes()
	return d, nil
}

func (d *Daemon) routes() *mux.Router {
	r := mux.NewRouter()
	for _, s := range d.subsystems {
		s.LoadAPI(r)
	}
	r.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})).Methods("GET")
	r.Handle("/api/health", &healthCheck{log: d.log, started: time.Now()}).Methods("GET")
	return r
}

func (d *Daemon) Handler() http.Handler { return d.router }

// Start restores state, starts the background work, opens the HTTP listener
// and tells systemd the daemon is ready.
func (d *Daemon) Start() error {
	for _, s := range d.subsystems {
		if err := s.Setup(); err != nil {
			return err
		}
	}
	if err := d.history.Start(d.cfg.PurgeSchedule); err != nil {
		return err
	}
	if d.cfg.HasRemoteSensors() {
		if err := d.hub.Listen(d.cfg.Remote.UDPAddress); err != nil {
			return err
		}
	}
	if d.mqtt != nil {
		if err := d.mqtt.Start(); err != nil {
			d.log.Warnf("mqtt: %v", err)
		}
	}

	d.watchdog, _ = sd.SdWatchdogEnabled(false)
	d.fermenter.OnHeartbeat(d.petWatchdog)
	for _, s := range d.subsystems {
		s.Start()
	}

	l, err := net.Listen("tcp", d.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Address, err)
	}
	d.listener = l
	d.server = &http.Server{Handler: d.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := d.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Errorf("http server: %v", err)
		}
	}()
	d.log.Infof("serving on %s", l.Addr())

	if ok, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		d.log.Warnf("systemd notify: %v", err)
	} else if ok {
		d.log.Info("notified systemd")
	}
	return nil
}

// Addr is the bound HTTP address, nil before Start.
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// petWatchdog runs after every control tick. It sends at most one keepalive
// per half watchdog interval.
func (d *Daemon) petWatchdog() {
	if d.watchdog <= 0 {
		return
	}
	d.petMu.Lock()
	defer d.petMu.Unlock()
	if time.Since(d.lastPet) < d.watchdog/2 {
		return
	}
	d.lastPet = time.Now()
	if _, err := sd.SdNotify(false, sd.SdNotifyWatchdog); err != nil {
		d.log.Warnf("systemd watchdog: %v", err)
	}
}

// Stop shuts the HTTP server down, lets the control loop finish its tick with
// every output off and closes the stores and hardware.
func (d *Daemon) Stop() {
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.server.Shutdown(ctx); err != nil {
			d.log.Warnf("http shutdown: %v", err)
		}
		cancel()
	}
	for i := len(d.subsystems) - 1; i >= 0; i-- {
		d.subsystems[i].Stop()
	}
	if d.mqtt != nil {
		d.mqtt.Stop()
	}
	d.close()
	d.log.Info("stopped")
}

func (d *Daemon) close() {
	if d.hub != nil {
		if err := d.hub.Close(); err != nil {
			d.log.Warnf("close hub: %v", err)
		}
	}
	if d.history != nil {
		d.history.Stop()
		if err := d.history.Close(); err != nil {
			d.log.Warnf("close log database: %v", err)
		}
	}
	if d.board != nil {
		if err := d.board.Close(); err != nil {
			d.log.Warnf("close hardware: %v", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warnf("close store: %v", err)
		}
	}
}

// Run starts the daemon and blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		d.Stop()
		return err
	}
	<-ctx.Done()
	d.log.Info("received shutdown signal")
	d.Stop()
	return nil
}
