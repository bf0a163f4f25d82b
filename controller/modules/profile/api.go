package profile

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

// LoadAPI registers the profile library endpoints.
func (s *Store) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/profiles", s.list).Methods("GET")
	r.HandleFunc("/api/profiles", s.create).Methods("POST")
	sr := r.PathPrefix("/api/profiles").Subrouter()
	sr.HandleFunc("/{id}", s.get).Methods("GET")
	sr.HandleFunc("/{id}", s.update).Methods("PUT")
	sr.HandleFunc("/{id}", s.remove).Methods("DELETE")
}

func (s *Store) Start() {}
func (s *Store) Stop() {}

func (s *Store) list(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.List())
}

func (s *Store) get(w http.ResponseWriter, r *http.Request) {
	p, err := s.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

func (s *Store) create(w http.ResponseWriter, r *http.Request) {
	var p Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	created, err := s.Create(p)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

func (s *Store) update(w http.ResponseWriter, r *http.Request) {
	var p Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	updated, err := s.Update(mux.Vars(r)["id"], p)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

func (s *Store) remove(w http.ResponseWriter, r *http.Request) {
	if err := s.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
