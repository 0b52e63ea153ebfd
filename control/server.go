// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/prefork"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

// Handler wraps an Arbiter, adding http.Handler functionality.
type Handler struct {
	a    *prefork.Arbiter
	r    *mux.Router
	user string
	hash []byte
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, etag int64, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		if etag != 0 {
			w.Header().Set("Etag", strconv.FormatInt(etag, 10))
		}
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// pollArgs extracts the etag and wait time of a long poll.  An absent
// etag means the caller wants the current value at once.
func pollArgs(r *http.Request) (int64, time.Duration, *Error) {
	q := r.URL.Query()
	tag := q.Get("etag")
	if tag == "" {
		tag = r.Header.Get("If-None-Match")
	}
	if tag == "" {
		return 0, 0, nil
	}
	etag, e := strconv.ParseInt(strings.Trim(tag, `"`), 10, 64)
	if e != nil {
		return 0, 0, &Error{http.StatusBadRequest, "Bad etag"}
	}
	wait := DefaultWait
	if s := q.Get("wait"); s != "" {
		secs, e := strconv.Atoi(s)
		if e != nil || secs < 0 {
			return 0, 0, &Error{http.StatusBadRequest, "Bad wait"}
		}
		wait = time.Duration(secs) * time.Second
	}
	if wait > MaxWait {
		wait = MaxWait
	}
	return etag, wait, nil
}

func (h *Handler) status(r *http.Request) (prefork.Status, bool, *Error) {
	etag, wait, err := pollArgs(r)
	if err != nil {
		return prefork.Status{}, false, err
	}
	s := h.a.Status()
	if etag == 0 || s.Serial != etag {
		return s, true, nil
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	s = h.a.WatchStatus(ctx, etag)
	return s, s.Serial != etag, nil
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	s, changed, e := h.status(r)
	switch {
	case e != nil:
		h.writeError(w, e)
	case !changed:
		w.WriteHeader(http.StatusNotModified)
	default:
		h.writeJson(w, s.Serial, s)
	}
}

func (h *Handler) getWorkers(w http.ResponseWriter, r *http.Request) {
	s, changed, e := h.status(r)
	switch {
	case e != nil:
		h.writeError(w, e)
	case !changed:
		w.WriteHeader(http.StatusNotModified)
	default:
		h.writeJson(w, s.Serial, s.Workers)
	}
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	etag, wait, e := pollArgs(r)
	if e != nil {
		h.writeError(w, e)
		return
	}
	ring := h.a.Logging().Ring()
	if etag != 0 && wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		ring.Watch(ctx, etag)
		cancel()
	}
	recs, id := ring.Records(etag)
	if recs == nil && etag != 0 {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.writeJson(w, id, recs)
}

func (h *Handler) intent(i prefork.Intent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.a.Enqueue(i) {
			h.writeError(w, &Error{http.StatusServiceUnavailable,
				"Arbiter busy"})
			return
		}
		h.writeJson(w, 0, &Ack{Intent: i.String()})
	}
}

// SetAuth requires HTTP basic authentication for every request.  hash is
// a bcrypt hash of the password.
func (h *Handler) SetAuth(user string, hash []byte) error {
	if _, e := bcrypt.Cost(hash); e != nil {
		return fmt.Errorf("bad password hash: %w", e)
	}
	h.user = user
	h.hash = hash
	return nil
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.hash != nil {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(h.user)) != 1 ||
				bcrypt.CompareHashAndPassword(h.hash, []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="prefork"`)
				h.writeError(w, &Error{http.StatusUnauthorized,
					"Unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(a *prefork.Arbiter) *Handler {
	r := mux.NewRouter()
	h := &Handler{a: a, r: r}
	r.Use(h.authenticate)
	r.HandleFunc("/status", h.getStatus).Methods("GET")
	r.HandleFunc("/workers", h.getWorkers).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.HandleFunc("/workers/incr", h.intent(prefork.IntentIncrement)).Methods("POST")
	r.HandleFunc("/workers/decr", h.intent(prefork.IntentDecrement)).Methods("POST")
	r.HandleFunc("/reload", h.intent(prefork.IntentReload)).Methods("POST")
	r.HandleFunc("/stop", h.intent(prefork.IntentGracefulStop)).Methods("POST")
	r.HandleFunc("/kill", h.intent(prefork.IntentImmediateStop)).Methods("POST")
	r.Path("/metrics").Handler(promhttp.HandlerFor(a.Metrics().Registry(),
		promhttp.HandlerOpts{}))
	return h
}

// ParseAuth splits a "user:bcrypt-hash" credential.
func ParseAuth(spec string) (string, []byte, error) {
	user, hash, ok := strings.Cut(spec, ":")
	if !ok || user == "" || hash == "" {
		return "", nil, errors.New("credential must be user:bcrypt-hash")
	}
	return user, []byte(hash), nil
}

// Server serves a Handler on its own listener, apart from the sockets
// the workers serve.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen starts serving h on addr.
func Listen(addr string, h http.Handler) (*Server, error) {
	ln, e := net.Listen("tcp", addr)
	if e != nil {
		return nil, e
	}
	s := &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln: ln,
	}
	go s.srv.Serve(ln)
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// URL is the base URL for a Client.
func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String()
}

// Close stops the server.  Long polls in progress are cut short.
func (s *Server) Close() error {
	return s.srv.Close()
}
