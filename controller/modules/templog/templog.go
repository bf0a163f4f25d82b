// Package templog keeps the per-vessel temperature history in SQLite and
// serves it downsampled for graphing.
package templog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	DefaultRetention = 84 * 24 * time.Hour
	DefaultSchedule  = "@daily"

	queueSize = 256
	batchSize = 64
)

// Reading is one sample waiting to be written.
type Reading struct {
	Vessel      int
	Time        time.Time
	Temperature float64
}

// Point is one downsampled bucket.
type Point struct {
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
}

type Store struct {
	db        *sql.DB
	path      string
	retention time.Duration
	log       *logrus.Entry

	queue   chan Reading
	quit    chan struct{}
	done    chan struct{}
	cron    *cron.Cron
	once    sync.Once
	started bool
	now     func() time.Time
}

// New opens the log database and makes sure the schema exists.
func New(path string, retention time.Duration, logger *logrus.Logger) (*Store, error) {
	if path == "" {
		path = "fermpi-log.db"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS temperature_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vessel INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		temperature REAL NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create temperature_log: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS temperature_log_vessel_ts ON temperature_log(vessel, ts)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Store{
		db:        db,
		path:      path,
		retention: retention,
		log:       logger.WithField("module", "templog"),
		queue:     make(chan Reading, queueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}, nil
}

func (s *Store) Retention() time.Duration { return s.retention }

// Record queues a reading for the writer. It never blocks; readings are
// dropped when the queue is full.
func (s *Store) Record(vessel int, ts time.Time, temperature float64) {
	select {
	case s.queue <- Reading{Vessel: vessel, Time: ts, Temperature: temperature}:
	default:
		s.log.Warnf("log queue full, dropping reading for vessel %d", vessel)
	}
}

// Start runs the batch writer and, when schedule is not empty, the periodic
// purge of rows older than the retention.
func (s *Store) Start(schedule string) error {
	if schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(schedule, s.purgeExpired); err != nil {
			return fmt.Errorf("purge schedule %q: %w", schedule, err)
		}
		s.cron = c
		c.Start()
	}
	s.started = true
	go s.writer()
	return nil
}

// Stop flushes queued readings and stops the purge schedule.
func (s *Store) Stop() {
	s.once.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		close(s.quit)
		if s.started {
			<-s.done
		}
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) writer() {
	defer close(s.done)
	for {
		select {
		case r := <-s.queue:
			batch := []Reading{r}
		fill:
			for len(batch) < batchSize {
				select {
				case r := <-s.queue:
					batch = append(batch, r)
				default:
					break fill
				}
			}
			s.flush(batch)
		case <-s.quit:
			var batch []Reading
			for {
				select {
				case r := <-s.queue:
					batch = append(batch, r)
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *Store) flush(batch []Reading) {
	if len(batch) == 0 {
		return
	}
	if err := s.Insert(context.Background(), batch); err != nil {
		s.log.WithError(err).Errorf("failed to write %d readings", len(batch))
	}
}

// Insert writes readings in a single transaction.
func (s *Store) Insert(ctx context.Context, readings []Reading) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO temperature_log(vessel, ts, temperature) VALUES(?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, r.Vessel, r.Time.Unix(), r.Temperature); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	return tx.Commit()
}

// Interval picks the bucket width for a query range so a graph gets a few
// hundred points.
func Interval(span time.Duration) time.Duration {
	days := int(span.Hours() / 24)
	switch {
	case days <= 1:
		return 5 * time.Minute
	case days <= 3:
		return 15 * time.Minute
	case days <= 7:
		return 30 * time.Minute
	case days <= 30:
		return time.Hour
	default:
		return 6 * time.Hour
	}
}

// Query returns the averaged history of a vessel between start and end.
// A zero end means now, a zero start means end minus the retention.
func (s *Store) Query(ctx context.Context, vessel int, start, end time.Time) ([]Point, error) {
	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		start = end.Add(-s.retention)
	}
	step := int64(Interval(end.Sub(start)).Seconds())
	rows, err := s.db.QueryContext(ctx, `SELECT (ts / ?) * ? AS bucket, AVG(temperature)
		FROM temperature_log
		WHERE vessel = ? AND ts >= ? AND ts <= ?
		GROUP BY bucket
		ORDER BY bucket ASC`, step, step, vessel, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer func() { _ = rows.Close() }()
	points := []Point{}
	for rows.Next() {
		var bucket int64
		var avg float64
		if err := rows.Scan(&bucket, &avg); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		points = append(points, Point{Timestamp: time.Unix(bucket, 0).UTC(), Temperature: avg})
	}
	return points, rows.Err()
}

// Purge deletes rows older than before and returns how many went.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM temperature_log WHERE ts < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) purgeExpired() {
	n, err := s.Purge(context.Background(), s.now().Add(-s.retention))
	if err != nil {
		s.log.WithError(err).Error("log cleanup failed")
		return
	}
	if n > 0 {
		s.log.Infof("log cleanup removed %s old entries", humanize.Comma(n))
	}
}
