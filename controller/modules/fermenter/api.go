package fermenter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fermpi/fermpi/controller/modules/profile"
)

// LoadAPI registers the fermenter REST endpoints.
func (m *Controller) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/status", m.status).Methods("GET")
	r.HandleFunc("/api/control_mode", m.getMode).Methods("GET")
	r.HandleFunc("/api/control_mode", m.putMode).Methods("PUT")
	r.HandleFunc("/api/config", m.getConfig).Methods("GET")
	r.HandleFunc("/api/config", m.putConfig).Methods("PUT")

	sr := r.PathPrefix("/api/fermenters").Subrouter()
	sr.HandleFunc("/events", m.eventList).Methods("GET")
	sr.HandleFunc("/{id:[0-9]+}", m.getVessel).Methods("GET")
	sr.HandleFunc("/{id:[0-9]+}/target", m.getTarget).Methods("GET")
	sr.HandleFunc("/{id:[0-9]+}/target", m.putTarget).Methods("PUT")
	sr.HandleFunc("/{id:[0-9]+}/active", m.getActive).Methods("GET")
	sr.HandleFunc("/{id:[0-9]+}/active", m.putActive).Methods("PUT")
	sr.HandleFunc("/{id:[0-9]+}/profile", m.getProfile).Methods("GET")
	sr.HandleFunc("/{id:[0-9]+}/profile", m.assignProfile).Methods("POST")
	sr.HandleFunc("/{id:[0-9]+}/profile", m.unassignProfile).Methods("DELETE")
	sr.HandleFunc("/{id:[0-9]+}/profile/skip", m.skipStep).Methods("POST")
	sr.HandleFunc("/{id:[0-9]+}/log", m.temperatureLog).Methods("GET")
}

func (m *Controller) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.Snapshot())
}

func (m *Controller) getMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]Mode{"control_mode": m.Mode()})
}

func (m *Controller) putMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"control_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.SetMode(mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]Mode{"control_mode": mode})
}

func (m *Controller) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.Tunables())
}

// putConfig merges the request into the current tunables, so a partial
// document only changes the fields it names.
func (m *Controller) putConfig(w http.ResponseWriter, r *http.Request) {
	t := m.Tunables()
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := m.UpdateTunables(t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, m.Tunables())
}

func (m *Controller) eventList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.Events())
}

func (m *Controller) getVessel(w http.ResponseWriter, r *http.Request) {
	i, err := vesselID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vs, err := m.Vessel(i)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, vs)
}

func (m *Controller) getTarget(w http.ResponseWriter, r *http.Request) {
	i, err := vesselID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vs, err := m.Vessel(i)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]float64{"target_temp": vs.TargetTemp})
}

func (m *Controller) putTarget(w http.ResponseWriter, r *http.Request) {
	i, err := vesselID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Target *float64 `json:"target_temp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := m.SetTarget(i, *req.Target); err != nil {
		writeError(w, err)
		return
	}
	vs, _ := m.Vessel(i)
	writeJSON(w, vs)
}

func (m *Controller) getActive(w http.ResponseWriter, r *http.Request) {
	i, err := vesselID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vs, err := m.Vessel(i)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"active": vs.Active})
}

func (m *Controller) putActive(w http.ResponseWriter, r *http.Request) {
	i, err := vesselID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := m.SetActive(i, *req.Active); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"active": *req.Active})
}

func (m *Controller) getProfile(w http.ResponseWriter, r *http.Request) {
	i, err := vesselID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	vs, err := m.Vessel(i)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, vs.Profile)
}

func (m *Controller) assignProfile(w http.ResponseWriter, r *http.Request) {
	i, err := vesselID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ProfileID string `json:"profile_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProfileID == "" {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if _, err := m.AssignProfile(i, req.ProfileID); err != nil {
		writeError(w, err)
		return
	}
	vs, _ := m.Vessel(i)
	writeJSON(w, vs)
}

func (m *Controller) unassignProfile(w http.ResponseWriter, r *http.Request) {
	i, err := vesselID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.UnassignProfile(i); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Controller) skipStep(w http.ResponseWriter, r *http.Request) {
	i, err := vesselID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	step, err := m.SkipStep(i)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"current_step_name": step.Name})
}

// temperatureLog serves the downsampled history. The range comes from
// start/end (RFC 3339) or from days back from now.
func (m *Controller) temperatureLog(w http.ResponseWriter, r *http.Request) {
	i, err := vesselID(r)
	if err == nil {
		err = m.checkIndex(i)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if m.history == nil {
		writeJSON(w, []struct{}{})
		return
	}
	start, end, err := logRange(r, m.now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	points, err := m.history.Query(r.Context(), i, start, end)
	if err != nil {
		m.log.WithError(err).Error("temperature log query failed")
		writeError(w, err)
		return
	}
	writeJSON(w, points)
}

func logRange(r *http.Request, now time.Time) (start, end time.Time, err error) {
	q := r.URL.Query()
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			return start, end, fmt.Errorf("invalid end: %w", err)
		}
	}
	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			return start, end, fmt.Errorf("invalid start: %w", err)
		}
	} else if v := q.Get("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return start, end, fmt.Errorf("invalid days: %q", v)
		}
		if end.IsZero() {
			end = now
		}
		start = end.Add(-time.Duration(days) * 24 * time.Hour)
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return start, end, errors.New("start must be before end")
	}
	return start, end, nil
}

func vesselID(r *http.Request) (int, error) {
	i, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidVessel, mux.Vars(r)["id"])
	}
	return i, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidVessel),
		errors.Is(err, ErrInvalidTarget),
		errors.Is(err, ErrInvalidMode),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrNoProfile),
		errors.Is(err, ErrLastStep),
		errors.Is(err, profile.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, profile.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
