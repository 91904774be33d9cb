package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/bardlex/gomp-miner/internal/events"
	"github.com/bardlex/gomp-miner/internal/loop"
	"github.com/bardlex/gomp-miner/internal/mining"
	minerErrors "github.com/bardlex/gomp-miner/pkg/errors"
)

// Response is the envelope of every API reply
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Warning string      `json:"warning,omitempty"`
}

// Status describes the manager and its miners
type Status struct {
	Mining         bool                   `json:"mining"`
	SchedulePolicy string                 `json:"schedule_policy"`
	CPUCoreCount   int                    `json:"cpu_core_count"`
	ActiveIndex    int                    `json:"active_index"`
	Miners         []events.MinerSnapshot `json:"miners"`
}

// AddMinerRequest is the body of POST /api/miners
type AddMinerRequest struct {
	Host       string `json:"host"`
	Port       uint16 `json:"port"`
	Difficulty uint32 `json:"difficulty"`
}

// MoveMinerRequest is the body of POST /api/miners/{index}/move
type MoveMinerRequest struct {
	To int `json:"to"`
}

// PolicyRequest is the body of PUT /api/policy
type PolicyRequest struct {
	Policy string `json:"policy"`
}

// CoresRequest is the body of PUT /api/cores
type CoresRequest struct {
	Cores int `json:"cores"`
}

// AlternateRequest is the body of PUT /api/alternate
type AlternateRequest struct {
	Login       string `json:"login"`
	Probability int    `json:"probability"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Debug("failed to write response")
	}
}

func (s *Server) writeData(w http.ResponseWriter, status int, data interface{}) {
	s.writeJSON(w, status, Response{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, Response{Success: false, Error: err.Error()})
}

// writeResult reports the outcome of a manager operation. A settings
// failure still means the change was applied, so it becomes a warning.
func (s *Server) writeResult(w http.ResponseWriter, status int, data interface{}, err error) {
	switch {
	case err == nil:
		s.writeData(w, status, data)
	case minerErrors.IsType(err, minerErrors.ErrorTypeSettings):
		s.writeJSON(w, status, Response{Success: true, Data: data, Warning: err.Error()})
	default:
		s.writeError(w, statusFor(err), err)
	}
}

// statusFor maps manager errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, mining.ErrMinerIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, mining.ErrInvalidPool),
		errors.Is(err, mining.ErrUnknownPolicy),
		errors.Is(err, mining.ErrInvalidCoreCount):
		return http.StatusBadRequest
	case errors.Is(err, mining.ErrMinerListNotEmpty):
		return http.StatusConflict
	case errors.Is(err, loop.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// call runs fn on the control loop. It returns the loop error or fn's.
func (s *Server) call(r *http.Request, fn func() error) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallTimeout)
	defer cancel()

	var ferr error
	if err := s.loop.Call(ctx, func() { ferr = fn() }); err != nil {
		return err
	}
	return ferr
}

// status builds a Status; it must run on the control loop
func (s *Server) status() *Status {
	active := s.mgr.ActiveMinerIndex()
	st := &Status{
		Mining:         s.mgr.IsMining(),
		SchedulePolicy: s.mgr.SchedulePolicy().String(),
		CPUCoreCount:   s.mgr.CPUCoreCount(),
		ActiveIndex:    active,
		Miners:         make([]events.MinerSnapshot, 0, s.mgr.MinerCount()),
	}
	for i, m := range s.mgr.Miners() {
		st.Miners = append(st.Miners, events.Snapshot(m, i, i == active))
	}
	return st
}

func decode(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(dest); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func indexVar(r *http.Request) int {
	// the route pattern only admits digits
	i, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		return -1
	}
	return i
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st *Status
	err := s.call(r, func() error {
		st = s.status()
		return nil
	})
	s.writeResult(w, http.StatusOK, st, err)
}

func (s *Server) handleStartMining(w http.ResponseWriter, r *http.Request) {
	var st *Status
	err := s.call(r, func() error {
		s.mgr.StartMining()
		st = s.status()
		return nil
	})
	s.writeResult(w, http.StatusOK, st, err)
}

func (s *Server) handleStopMining(w http.ResponseWriter, r *http.Request) {
	var st *Status
	err := s.call(r, func() error {
		s.mgr.StopMining()
		st = s.status()
		return nil
	})
	s.writeResult(w, http.StatusOK, st, err)
}

func (s *Server) handleListMiners(w http.ResponseWriter, r *http.Request) {
	var miners []events.MinerSnapshot
	err := s.call(r, func() error {
		miners = s.status().Miners
		return nil
	})
	s.writeResult(w, http.StatusOK, miners, err)
}

func (s *Server) handleGetMiner(w http.ResponseWriter, r *http.Request) {
	index := indexVar(r)
	var snap events.MinerSnapshot
	err := s.call(r, func() error {
		m, err := s.mgr.Miner(index)
		if err != nil {
			return err
		}
		snap = events.Snapshot(m, index, s.mgr.ActiveMinerIndex() == index)
		return nil
	})
	s.writeResult(w, http.StatusOK, snap, err)
}

func (s *Server) handleAddMiner(w http.ResponseWriter, r *http.Request) {
	var req AddMinerRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var index int
	err := s.call(r, func() error {
		var err error
		index, err = s.mgr.AddMiner(req.Host, req.Port, req.Difficulty)
		return err
	})
	s.writeResult(w, http.StatusCreated, map[string]int{"index": index}, err)
}

func (s *Server) handleRemoveMiner(w http.ResponseWriter, r *http.Request) {
	index := indexVar(r)
	err := s.call(r, func() error {
		return s.mgr.RemoveMiner(index)
	})
	s.writeResult(w, http.StatusOK, map[string]int{"removed": index}, err)
}

func (s *Server) handleMoveMiner(w http.ResponseWriter, r *http.Request) {
	var req MoveMinerRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	from := indexVar(r)
	err := s.call(r, func() error {
		return s.mgr.MoveMiner(from, req.To)
	})
	s.writeResult(w, http.StatusOK, map[string]int{"from": from, "to": req.To}, err)
}

func (s *Server) handleRestoreDefaults(w http.ResponseWriter, r *http.Request) {
	var count int
	err := s.call(r, func() error {
		err := s.mgr.RestoreDefaultMinerList()
		count = s.mgr.MinerCount()
		return err
	})
	s.writeResult(w, http.StatusOK, map[string]int{"miners": count}, err)
}

func (s *Server) handleMinerHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("no history backend configured"))
		return
	}

	index := indexVar(r)
	var pool string
	err := s.call(r, func() error {
		m, err := s.mgr.Miner(index)
		if err != nil {
			return err
		}
		pool = m.Pool().String()
		return nil
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	h, err := s.history.GetPoolHistory(r.Context(), pool)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeData(w, http.StatusOK, h)
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	policy, err := mining.ParseSchedulePolicy(req.Policy)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.call(r, func() error {
		return s.mgr.SetSchedulePolicy(policy)
	})
	s.writeResult(w, http.StatusOK, map[string]string{"policy": policy.String()}, err)
}

func (s *Server) handleSetCores(w http.ResponseWriter, r *http.Request) {
	var req CoresRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	err := s.call(r, func() error {
		return s.mgr.SetCPUCoreCount(req.Cores)
	})
	s.writeResult(w, http.StatusOK, map[string]int{"cores": req.Cores}, err)
}

func (s *Server) handleSetAlternate(w http.ResponseWriter, r *http.Request) {
	var req AlternateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Login == "" || req.Probability < 0 || req.Probability > 100 {
		s.writeError(w, http.StatusBadRequest, errors.New("login is required and probability must be between 0 and 100"))
		return
	}

	err := s.call(r, func() error {
		s.mgr.SetAlternateAccount(req.Login, req.Probability)
		return nil
	})
	s.writeResult(w, http.StatusOK, req, err)
}

func (s *Server) handleUnsetAlternate(w http.ResponseWriter, r *http.Request) {
	err := s.call(r, func() error {
		s.mgr.UnsetAlternateAccount()
		return nil
	})
	s.writeResult(w, http.StatusOK, nil, err)
}
