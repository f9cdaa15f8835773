// Package app holds the reference handlers built on the runtime core: a
// users API with live watches and a websocket chat room.
package app

import (
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/eigerco/cartridge/internal/core"
	"github.com/eigerco/cartridge/internal/render"
	"github.com/eigerco/cartridge/internal/store"
	"github.com/eigerco/cartridge/pkg/log"
)

//go:embed templates/*.mustache
var defaultTemplates embed.FS

// DefaultTemplates returns the templates the handlers render.
func DefaultTemplates() fs.FS {
	sub, err := fs.Sub(defaultTemplates, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// InstallTemplates stores fsys, or the default templates when fsys is nil.
func InstallTemplates(rt *core.Runtime, fsys fs.FS) error {
	if fsys == nil {
		fsys = DefaultTemplates()
	}
	_, err := render.InstallFS(rt.Store(), fsys)
	return err
}

type Option func(*Server)

// WithChatRetention sets how many chat lines are kept.
func WithChatRetention(n int) Option {
	return func(s *Server) {
		s.chatRetention = n
	}
}

// WithPasswordCost sets the bcrypt cost of stored password hashes.
func WithPasswordCost(cost int) Option {
	return func(s *Server) {
		s.passwordCost = cost
	}
}

type Server struct {
	rt            *core.Runtime
	router        *mux.Router
	chatRetention int
	passwordCost  int
}

func NewServer(rt *core.Runtime, opts ...Option) *Server {
	s := &Server{
		rt:            rt,
		router:        mux.NewRouter(),
		chatRetention: 10,
		passwordCost:  bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.HandleFunc("/users", s.createUser).Methods(http.MethodPost)
	s.router.HandleFunc("/users", s.listUsers).Methods(http.MethodGet)
	s.router.HandleFunc("/users/ws", s.watchUsers).Methods(http.MethodGet)
	s.router.HandleFunc("/users/{user_id}", s.getUser).Methods(http.MethodGet)
	s.router.HandleFunc("/users/{user_id}", s.updateUser).Methods(http.MethodPatch)
	s.router.HandleFunc("/users/{user_id}/watch", s.watchUser).Methods(http.MethodGet)
	s.router.HandleFunc("/create-user-form", s.createUserForm).Methods(http.MethodPost)
	s.router.HandleFunc("/chat", s.chat).Methods(http.MethodGet)
	s.router.HandleFunc("/api/chats", s.listChats).Methods(http.MethodGet)
	s.router.HandleFunc("/api/jobs/{status}", s.listJobs).Methods(http.MethodGet)

	if err := rt.Jobs().Register(announceSignupJob, s.announceSignup); err != nil {
		log.App.Error().Err(err).Msg("register jobs")
	}
	return s
}

// Handle mounts an extra handler, such as the metrics endpoint.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.App.Warn().Err(err).Msg("write response")
	}
}

func inputError(w http.ResponseWriter, code string) {
	jsonResponse(w, http.StatusBadRequest, map[string]string{"error": code})
}

// storeError maps a storage failure to a response.
func storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		jsonResponse(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	log.App.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	jsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
}
