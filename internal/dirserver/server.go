// Package dirserver is the reference directory and relay: it maps users
// to device lists and published prekey bundles, arbitrates one-time
// prekey claims, and stores opaque envelopes for offline recipients. It
// never sees plaintext or private keys.
package dirserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/decred/slog"
	"github.com/gorilla/mux"

	"sealbox/internal/domain"
)

// Server exposes the directory HTTP API.
type Server struct {
	reg Registry
	q   Queue
	log slog.Logger
}

func New(reg Registry, q Queue, log slog.Logger) *Server {
	return &Server{reg: reg, q: q, log: log}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/devices/{user}", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/v1/bundle/{user}/{device}", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/v1/bundle/{user}/{device}", s.handleFetch).Methods(http.MethodGet)
	r.HandleFunc("/v1/bundle/{user}/{device}/claim/{key}", s.handleClaim).Methods(http.MethodPost)
	r.HandleFunc("/v1/envelope", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/envelope/{user}/{device}", s.handleReceive).Methods(http.MethodGet)
	r.HandleFunc("/v1/envelope/{user}/{device}/ack", s.handleAck).Methods(http.MethodPost)
	return r
}

func reqAddr(r *http.Request) domain.Address {
	vars := mux.Vars(r)
	return domain.Address{
		User:   domain.UserID(vars["user"]),
		Device: domain.DeviceID(vars["device"]),
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(mux.Vars(r)["user"])
	devices, err := s.reg.Devices(r.Context(), user)
	if err != nil {
		s.fail(w, "list devices", err)
		return
	}
	s.writeJSON(w, devices)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var bundle domain.PreKeyBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		http.Error(w, "invalid bundle", http.StatusBadRequest)
		return
	}
	addr := reqAddr(r)
	if err := s.reg.Publish(r.Context(), addr, bundle); err != nil {
		s.fail(w, "publish bundle", err)
		return
	}
	s.log.Debugf("published bundle for %s/%s", addr.User, addr.Device)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	addr := reqAddr(r)
	bundle, ok, err := s.reg.Bundle(r.Context(), addr)
	if err != nil {
		s.fail(w, "fetch bundle", err)
		return
	}
	if !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	s.writeJSON(w, bundle)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	keyID, err := strconv.ParseUint(mux.Vars(r)["key"], 10, 32)
	if err != nil {
		http.Error(w, "invalid key id", http.StatusBadRequest)
		return
	}
	addr := reqAddr(r)
	claimed, err := s.reg.Claim(r.Context(), addr, domain.OneTimePreKeyID(keyID))
	if err != nil {
		s.fail(w, "claim one-time prekey", err)
		return
	}
	s.writeJSON(w, struct {
		Claimed bool `json:"claimed"`
	}{Claimed: claimed})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var env domain.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	if err := s.q.Enqueue(r.Context(), env); err != nil {
		s.fail(w, "enqueue envelope", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	envs, err := s.q.List(r.Context(), reqAddr(r), limit)
	if err != nil {
		s.fail(w, "list envelopes", err)
		return
	}
	if envs == nil {
		envs = []domain.Envelope{}
	}
	s.writeJSON(w, envs)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count < 0 {
		http.Error(w, "invalid ack", http.StatusBadRequest)
		return
	}
	if err := s.q.Ack(r.Context(), reqAddr(r), body.Count); err != nil {
		s.fail(w, "ack envelopes", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("write response: %v", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.log.Errorf("%s: %v", op, err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
