package storage

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateBucket("things"))
	return s
}

func TestStoreCreateGetList(t *testing.T) {
	s := newTestStore(t)

	for _, v := range []float64{1.5, 2.5} {
		v := v
		require.NoError(t, s.Create("things", func(id string) interface{} {
			return &record{ID: id, Value: v}
		}))
	}

	var r record
	require.NoError(t, s.Get("things", "2", &r))
	assert.Equal(t, "2", r.ID)
	assert.Equal(t, 2.5, r.Value)

	var ids []string
	require.NoError(t, s.List("things", func(id string, v []byte) error {
		var r record
		require.NoError(t, json.Unmarshal(v, &r))
		ids = append(ids, r.ID)
		return nil
	}))
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestStoreUpdateDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Update("things", "settings", &record{ID: "settings", Value: 3}))
	var r record
	require.NoError(t, s.Get("things", "settings", &r))
	assert.Equal(t, 3.0, r.Value)

	require.NoError(t, s.Delete("things", "settings"))
	err := s.Get("things", "settings", &r)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreMissingBucket(t *testing.T) {
	s := newTestStore(t)
	err := s.Update("nope", "x", &record{})
	assert.True(t, errors.Is(err, ErrNotFound))
}
