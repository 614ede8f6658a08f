package server

import (
	"net/http"
	"runtime"
	"time"
)

const Version = "0.1.0"

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	State   string `json:"analyzer_state"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Codec     string `json:"codec,omitempty"`
	VocabSize int    `json:"vocab_size"`
}

type Readiness struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// Check reports whether a dependency is usable. A nil error is healthy.
type Check func() error

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthStatus{
			Status:  "healthy",
			Version: Version,
			Uptime:  time.Since(s.started).Round(time.Second).String(),
			State:   s.analyzer.State().String(),
		})
	}
}

func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	}
}

// ReadyzHandler runs every registered check; any failure answers 503.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := Readiness{Ready: true, Checks: make(map[string]string, len(s.checks))}
		for name, check := range s.checks {
			if err := check(); err != nil {
				res.Ready = false
				res.Checks[name] = err.Error()
				continue
			}
			res.Checks[name] = "ok"
		}

		status := http.StatusOK
		if !res.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, res)
	}
}

func (s *Server) VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := VersionInfo{
			Version:   Version,
			GoVersion: runtime.Version(),
			VocabSize: s.analyzer.Codec().VocabSize(),
		}
		if named, ok := s.analyzer.Codec().(interface{ Name() string }); ok {
			info.Codec = named.Name()
		}
		writeJSON(w, http.StatusOK, info)
	}
}
