// Package server exposes the device console HTTP API consumed by pkg/deviceapi.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/glkvm-cloud/device-console/internal/auth"
	"github.com/glkvm-cloud/device-console/internal/domain"
	"github.com/glkvm-cloud/device-console/internal/logger"
	"github.com/glkvm-cloud/device-console/internal/storage"
	"github.com/glkvm-cloud/device-console/pkg/deviceapi"
	"github.com/google/uuid"
)

// Dispatcher delivers commands and device lifecycle events. *commands.Service
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd domain.ExecuteCommandParams) (domain.CommandResult, error)
	Notify(kind, deviceID string)
}

// Options configures a Server.
type Options struct {
	Store    storage.Store
	Commands Dispatcher
	// Signer enables bearer auth on operator routes when non-nil.
	Signer *auth.Signer
	Log    logger.Logger

	BaseDomain        string
	RegisterToken     string
	InstallScriptPath string

	// NewSessionID overrides the sid generator used by device redirects.
	NewSessionID func() string
}

// Server routes console requests to the store and dispatcher.
type Server struct {
	store         storage.Store
	commands      Dispatcher
	signer        *auth.Signer
	log           logger.Logger
	baseDomain    string
	registerToken string
	scriptPath    string
	newSessionID  func() string
	handler       http.Handler
}

// New validates opts and builds the route table.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server requires a store")
	}
	if opts.Commands == nil {
		return nil, errors.New("server requires a command dispatcher")
	}
	if opts.Log == nil {
		opts.Log = logger.NopLogger{}
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	scriptPath := strings.TrimSpace(opts.InstallScriptPath)
	if scriptPath == "" {
		scriptPath = "/install.sh"
	}
	if !strings.HasPrefix(scriptPath, "/") {
		scriptPath = "/" + scriptPath
	}

	s := &Server{
		store:         opts.Store,
		commands:      opts.Commands,
		signer:        opts.Signer,
		log:           opts.Log,
		baseDomain:    strings.ToLower(strings.TrimSuffix(strings.TrimSpace(opts.BaseDomain), ".")),
		registerToken: opts.RegisterToken,
		scriptPath:    scriptPath,
		newSessionID:  opts.NewSessionID,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	requireAuth := s.requireAuth

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /devs/register", s.handleRegister)

	mux.Handle("GET "+deviceapi.PathScriptInfo, requireAuth(http.HandlerFunc(s.handleScriptInfo)))
	mux.Handle("GET "+deviceapi.PathDevices, requireAuth(http.HandlerFunc(s.handleListDevices)))
	mux.Handle("POST "+deviceapi.PathUpdateDevice, requireAuth(http.HandlerFunc(s.handleUpdateDevice)))
	mux.Handle("POST "+deviceapi.PathDeleteDevice, requireAuth(http.HandlerFunc(s.handleDeleteDevice)))
	mux.Handle("POST "+deviceapi.PathCommand+"{id}", requireAuth(http.HandlerFunc(s.handleCommand)))
	mux.Handle("GET /web/{id}", requireAuth(http.HandlerFunc(s.handleWeb)))
	mux.Handle("GET /web", requireAuth(http.HandlerFunc(s.handleWebHost)))

	return s.logRequests(mux)
}
