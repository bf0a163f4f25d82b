// Package telemetry connects fermpi to the outside world: remote sensor
// nodes push readings in, status snapshots and metrics go out.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fermpi/fermpi/controller/modules/rtd"
)

const (
	DefaultUDPAddress = ":5005"
	DefaultStaleAfter = 30 * time.Second

	maxDatagram = 1024
)

var ErrStale = fmt.Errorf("%w: remote reading is stale", rtd.ErrNotConnected)

// SensorMessage is what a remote node sends, over UDP or MQTT.
type SensorMessage struct {
	SensorID    string  `json:"sensor_id"`
	Temperature float64 `json:"temperature"`
}

type sample struct {
	temp float64
	at   time.Time
}

// Hub keeps the latest reading of every remote sensor.
type Hub struct {
	log        *logrus.Entry
	staleAfter time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	readings map[string]sample

	conn net.PacketConn
	done chan struct{}
}

func NewHub(staleAfter time.Duration, logger *logrus.Logger) *Hub {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Hub{
		log:        logger.WithField("module", "telemetry"),
		staleAfter: staleAfter,
		now:        time.Now,
		readings:   make(map[string]sample),
	}
}

func (h *Hub) Update(id string, temp float64) {
	h.mu.Lock()
	h.readings[id] = sample{temp: temp, at: h.now()}
	h.mu.Unlock()
}

// Latest returns the last reading of id, or an error if there is none or it
// is older than the staleness limit.
func (h *Hub) Latest(id string) (float64, error) {
	h.mu.RLock()
	s, ok := h.readings[id]
	h.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: no reading from %s", rtd.ErrNotConnected, id)
	}
	if age := h.now().Sub(s.at); age > h.staleAfter {
		return 0, fmt.Errorf("%s last seen %s ago: %w", id, age.Round(time.Second), ErrStale)
	}
	return s.temp, nil
}

// Handle decodes one sensor message and stores it.
func (h *Hub) Handle(payload []byte) error {
	var msg SensorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid sensor message: %w", err)
	}
	return h.Accept(msg)
}

// Accept validates and stores one decoded reading.
func (h *Hub) Accept(msg SensorMessage) error {
	if msg.SensorID == "" {
		return errors.New("sensor message without sensor_id")
	}
	if math.IsNaN(msg.Temperature) || math.IsInf(msg.Temperature, 0) {
		return fmt.Errorf("sensor %s sent a non-finite temperature", msg.SensorID)
	}
	h.Update(msg.SensorID, msg.Temperature)
	h.log.Debugf("remote sensor %s: %.2f", msg.SensorID, msg.Temperature)
	return nil
}

// Listen starts receiving sensor datagrams on addr until Close.
func (h *Hub) Listen(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	h.conn = conn
	h.done = make(chan struct{})
	h.log.Infof("listening for remote sensors on %s", conn.LocalAddr())
	go h.receive()
	return nil
}

// Addr is the bound UDP address, nil before Listen.
func (h *Hub) Addr() net.Addr {
	if h.conn == nil {
		return nil
	}
	return h.conn.LocalAddr()
}

func (h *Hub) receive() {
	defer close(h.done)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := h.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.log.WithError(err).Warn("udp read failed")
			continue
		}
		if err := h.Handle(buf[:n]); err != nil {
			h.log.WithError(err).Warnf("bad datagram from %s", from)
		}
	}
}

func (h *Hub) Close() error {
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	<-h.done
	return err
}

// Probe returns a vessel probe backed by the hub.
func (h *Hub) Probe(id string) *HubProbe {
	return &HubProbe{hub: h, id: id}
}

type HubProbe struct {
	hub *Hub
	id  string
}

func (p *HubProbe) Read() (float64, error) {
	return p.hub.Latest(p.id)
}

// WaitFor blocks until id has a fresh reading or ctx is done.
func (h *Hub) WaitFor(ctx context.Context, id string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := h.Latest(id); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
