package templog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	s, err := New(filepath.Join(t.TempDir(), "log.db"), 0, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	s.now = func() time.Time { return base.Add(24 * time.Hour) }
	return s
}

func TestInterval(t *testing.T) {
	cases := []struct {
		span time.Duration
		want time.Duration
	}{
		{time.Hour, 5 * time.Minute},
		{47 * time.Hour, 5 * time.Minute},
		{3 * 24 * time.Hour, 15 * time.Minute},
		{7 * 24 * time.Hour, 30 * time.Minute},
		{30 * 24 * time.Hour, time.Hour},
		{84 * 24 * time.Hour, 6 * time.Hour},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Interval(c.span), c.span.String())
	}
}

func TestQueryDownsamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var readings []Reading
	// two readings per five minute bucket for vessel 0, noise on vessel 1
	for i := 0; i < 6; i++ {
		ts := base.Add(time.Duration(i) * 150 * time.Second)
		readings = append(readings,
			Reading{Vessel: 0, Time: ts, Temperature: float64(18 + i)},
			Reading{Vessel: 1, Time: ts, Temperature: 99},
		)
	}
	require.NoError(t, s.Insert(ctx, readings))

	points, err := s.Query(ctx, 0, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, base, points[0].Timestamp)
	assert.InDelta(t, 18.5, points[0].Temperature, 1e-9)
	assert.Equal(t, base.Add(5*time.Minute), points[1].Timestamp)
	assert.InDelta(t, 20.5, points[1].Temperature, 1e-9)
	assert.InDelta(t, 22.5, points[2].Temperature, 1e-9)
}

func TestQueryDefaultsAndEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, []Reading{{Vessel: 2, Time: base.Add(time.Hour), Temperature: 4}}))

	points, err := s.Query(ctx, 2, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, points, 1)
	// the default range spans the retention so buckets are six hours wide
	assert.Equal(t, base, points[0].Timestamp)

	points, err = s.Query(ctx, 1, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.NotNil(t, points)
	assert.Empty(t, points)
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, []Reading{
		{Vessel: 0, Time: base, Temperature: 10},
		{Vessel: 0, Time: base.Add(time.Hour), Temperature: 11},
		{Vessel: 0, Time: base.Add(2 * time.Hour), Temperature: 12},
	}))
	n, err := s.Purge(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	points, err := s.Query(ctx, 0, base, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 12.0, points[0].Temperature)
}

func TestRecorderFlushesOnStop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Start(""))
	for i := 0; i < 10; i++ {
		s.Record(0, base.Add(time.Duration(i)*time.Second), 20)
	}
	s.Stop()
	s.Stop()

	points, err := s.Query(context.Background(), 0, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 20.0, points[0].Temperature)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Start("every now and then"))
}
