// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Server exposes a HealthChecker's results over HTTP, for the SUPPLEMENT
// status surface so an operator running a node at a community access point
// can probe it without the control CLI.
type Server struct {
	checker *HealthChecker
	path    string
}

// NewServer wires checker to an HTTP handler served at path (default
// "/healthz" if empty).
func NewServer(checker *HealthChecker, path string) *Server {
	if path == "" {
		path = "/healthz"
	}
	return &Server{checker: checker, path: path}
}

// Handler returns the mux to mount: the configured path plus a cheap
// liveness probe at "<path>/live" that never runs the registered checks.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleHealth)
	mux.HandleFunc(s.path+"/live", s.handleLiveness)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sys := s.checker.GetSystemHealth(r.Context())

	w.Header().Set("Content-Type", "application/json")
	switch sys.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(sys)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
