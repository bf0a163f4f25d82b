package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermpi/fermpi/controller"
	"github.com/fermpi/fermpi/controller/storage"
)

func newTestController(t *testing.T) controller.Controller {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "fermpi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return controller.New(s, logger)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(newTestController(t))
	require.NoError(t, s.Setup())
	return s
}

func TestSetupSeedsDefaults(t *testing.T) {
	s := newTestStore(t)
	var names []string
	for _, p := range s.List() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"Kettle Sour", "Kveik", "Saison", "Standard Ale", "Standard Lager"}, names)

	p, err := s.Get("kveik")
	require.NoError(t, err)
	assert.Len(t, p.Steps, 3)
}

func TestSetupKeepsExistingLibrary(t *testing.T) {
	c := newTestController(t)
	s := NewStore(c)
	require.NoError(t, s.Setup())
	require.NoError(t, s.Delete("saison"))

	reloaded := NewStore(c)
	require.NoError(t, reloaded.Setup())
	assert.Len(t, reloaded.List(), 4)
	_, err := reloaded.Get("saison")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateUpdateDelete(t *testing.T) {
	s := newTestStore(t)

	p, err := s.Create(Profile{
		Name:  "Hefeweizen",
		Steps: []Step{{Name: "Primary", TargetTemp: 19, DurationHours: 96}},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", p.ID)

	p.Description = "banana forward"
	p.Steps[0].TargetTemp = 20
	updated, err := s.Update(p.ID, p)
	require.NoError(t, err)
	assert.Equal(t, 20.0, updated.Steps[0].TargetTemp)

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "banana forward", got.Description)

	require.NoError(t, s.Delete(p.ID))
	_, err = s.Get(p.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete(p.ID), ErrNotFound))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Profile
	}{
		{"no name", Profile{Steps: []Step{{Name: "a", DurationHours: 1}}}},
		{"no steps", Profile{Name: "x"}},
		{"negative duration", Profile{Name: "x", Steps: []Step{{DurationHours: -1}}}},
		{"negative ramp", Profile{Name: "x", Steps: []Step{{RampHours: -2}}}},
		{"nan target", Profile{Name: "x", Steps: []Step{{TargetTemp: math.NaN()}}}},
	}
	for _, c := range cases {
		assert.True(t, errors.Is(Validate(c.p), ErrInvalid), c.name)
	}
}

func TestUpdateMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update("nope", Profile{Name: "x", Steps: []Step{{DurationHours: 1}}})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestProfileAPI(t *testing.T) {
	s := newTestStore(t)
	r := mux.NewRouter()
	s.LoadAPI(r)

	do := func(method, path string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, &buf))
		return w
	}

	w := do("GET", "/api/profiles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []Profile
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list, 5)

	w = do("POST", "/api/profiles", Profile{Name: "Quick", Steps: []Step{{Name: "Hold", TargetTemp: 20, DurationHours: 24}}})
	require.Equal(t, http.StatusCreated, w.Code)
	var created Profile
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))

	w = do("GET", "/api/profiles/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do("PUT", "/api/profiles/"+created.ID, Profile{Name: ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do("DELETE", "/api/profiles/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do("GET", "/api/profiles/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
