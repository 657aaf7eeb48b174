package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

type Server struct {
	running   int32
	sensorsOk int32
	lastCycle int64 // unix nanos, 0 before the first cycle
	srv       *http.Server
}

func New(port string) *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	s.srv = &http.Server{
		Addr:              "127.0.0.1:" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) SetRunning(ok bool) {
	atomic.StoreInt32(&s.running, boolInt(ok))
}

// RecordCycle stores the outcome of a poll cycle.
func (s *Server) RecordCycle(ok bool, at time.Time) {
	atomic.StoreInt32(&s.sensorsOk, boolInt(ok))
	atomic.StoreInt64(&s.lastCycle, at.UnixNano())
}

// LastCycle returns the time and outcome of the latest cycle.
func (s *Server) LastCycle() (time.Time, bool) {
	n := atomic.LoadInt64(&s.lastCycle)
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), atomic.LoadInt32(&s.sensorsOk) == 1
}

func (s *Server) Serve() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"running":    atomic.LoadInt32(&s.running) == 1,
		"sensors_ok": atomic.LoadInt32(&s.sensorsOk) == 1,
	}
	if at, _ := s.LastCycle(); !at.IsZero() {
		resp["last_cycle"] = at.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func boolInt(ok bool) int32 {
	if ok {
		return 1
	}
	return 0
}
