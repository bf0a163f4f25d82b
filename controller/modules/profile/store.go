package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fermpi/fermpi/controller"
)

// Bucket is the DB bucket holding the profile library.
const Bucket = "profiles"

var (
	ErrNotFound = errors.New("profile not found")
	ErrInvalid  = errors.New("invalid profile")
)

// Store caches the library in memory so lookups from the control loop never
// hit the database.
type Store struct {
	c        controller.Controller
	log      *logrus.Entry
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewStore(c controller.Controller) *Store {
	return &Store{
		c:        c,
		log:      c.Logger().WithField("module", "profiles"),
		profiles: make(map[string]Profile),
	}
}

// Setup loads the library, seeding the built-in profiles into an empty bucket.
// Malformed records are skipped.
func (s *Store) Setup() error {
	if err := s.c.Store().CreateBucket(Bucket); err != nil {
		return err
	}
	loaded := make(map[string]Profile)
	if err := s.c.Store().List(Bucket, func(id string, v []byte) error {
		var p Profile
		if err := json.Unmarshal(v, &p); err != nil {
			s.log.WithError(err).Warnf("skipping malformed profile %s", id)
			return nil
		}
		p.ID = id
		loaded[id] = p
		return nil
	}); err != nil {
		return err
	}
	if len(loaded) == 0 {
		for _, p := range Defaults() {
			if err := s.c.Store().Update(Bucket, p.ID, &p); err != nil {
				return err
			}
			loaded[p.ID] = p
		}
		s.log.Infof("seeded %d default profiles", len(loaded))
	}
	s.mu.Lock()
	s.profiles = loaded
	s.mu.Unlock()
	return nil
}

// List returns the library ordered by name.
func (s *Store) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Store) Get(id string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return p, nil
}

// Create stores a new profile under the next id of the bucket sequence.
func (s *Store) Create(p Profile) (Profile, error) {
	if err := Validate(p); err != nil {
		return Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn := func(id string) interface{} {
		p.ID = id
		return &p
	}
	if err := s.c.Store().Create(Bucket, fn); err != nil {
		return Profile{}, err
	}
	s.profiles[p.ID] = p
	s.log.Infof("created profile %s (%s)", p.ID, p.Name)
	return p, nil
}

func (s *Store) Update(id string, p Profile) (Profile, error) {
	if err := Validate(p); err != nil {
		return Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return Profile{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	p.ID = id
	if err := s.c.Store().Update(Bucket, id, &p); err != nil {
		return Profile{}, err
	}
	s.profiles[id] = p
	s.log.Infof("updated profile %s", id)
	return p, nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err := s.c.Store().Delete(Bucket, id); err != nil {
		return err
	}
	delete(s.profiles, id)
	s.log.Infof("deleted profile %s", id)
	return nil
}

// Validate checks a profile before it enters the library.
func Validate(p Profile) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalid)
	}
	for i, st := range p.Steps {
		switch {
		case !finite(st.TargetTemp):
			return fmt.Errorf("%w: step %d target is not a number", ErrInvalid, i)
		case !finite(st.DurationHours) || st.DurationHours < 0:
			return fmt.Errorf("%w: step %d duration must be >= 0", ErrInvalid, i)
		case !finite(st.RampHours) || st.RampHours < 0:
			return fmt.Errorf("%w: step %d ramp must be >= 0", ErrInvalid, i)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
