// Package httpapi exposes the authentication and chat services over HTTP:
// routing, middleware, request/response shaping, and error mapping.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mealmetric/server/internal/logging"
	"github.com/mealmetric/server/internal/server/config"
	"github.com/mealmetric/server/internal/server/services"
)

// Accounts is the slice of AccountService the transport depends on.
type Accounts interface {
	Register(ctx context.Context, email, password string) (*services.AuthResult, error)
	Login(ctx context.Context, email, password string) (*services.AuthResult, error)
	AppleLogin(ctx context.Context, identityToken, email, displayName string) (*services.AuthResult, error)
	LinkAccount(ctx context.Context, identityToken, email, password string) (*services.AuthResult, error)
	GetProfile(ctx context.Context, userID string) (*services.Account, error)
	UpdateProfile(ctx context.Context, userID string, params services.UpdateProfileParams) (*services.Account, error)
	GetUsageSummary(ctx context.Context, userID string) (*services.UsageSummary, error)
	TrackUsage(ctx context.Context, userID string, cost float64) (float64, error)
}

// Chat is the slice of ChatService the transport depends on.
type Chat interface {
	Complete(ctx context.Context, messages []services.ChatMessage) (*services.ChatResult, error)
}

// Server hosts the public HTTP endpoint.
type Server struct {
	endpointAddr string
	logger       logging.Logger
	accounts     Accounts
	chat         Chat
	jwtSecret    []byte
	limiter      *rateLimiter
	authLimiter  *rateLimiter
	httpServer   *http.Server
}

// NewServer wires routes and middleware for the given services.
func NewServer(cfg *config.Config, logger logging.Logger, accounts Accounts, chat Chat) *Server {
	s := &Server{
		endpointAddr: cfg.EndpointAddr,
		logger:       logger.With("module", "httpapi"),
		accounts:     accounts,
		chat:         chat,
		jwtSecret:    []byte(cfg.SecretKey),
		limiter:      newRateLimiter(perMinute(cfg.RateLimitPerMinute), cfg.RateLimitPerMinute),
		authLimiter:  newRateLimiter(perMinute(cfg.AuthRateLimitPerMinute), cfg.AuthRateLimitPerMinute),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.EndpointAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table. Split out so tests can drive the handler
// stack without a listener.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestLogging)

	authRoutes := r.PathPrefix("/api/auth").Subrouter()
	authRoutes.Use(s.rateLimit(s.authLimiter))
	authRoutes.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	authRoutes.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	authRoutes.HandleFunc("/apple", s.handleAppleLogin).Methods(http.MethodPost)
	authRoutes.HandleFunc("/link-account", s.handleLinkAccount).Methods(http.MethodPost)
	authRoutes.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(s.bearerAuth, s.rateLimit(s.limiter))
	protected.HandleFunc("/auth/me", s.handleGetProfile).Methods(http.MethodGet)
	protected.HandleFunc("/auth/me", s.handleUpdateProfile).Methods(http.MethodPut)
	protected.HandleFunc("/auth/api-usage", s.handleGetUsage).Methods(http.MethodGet)
	protected.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "http server starting", "addr", s.endpointAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info(shutdownCtx, "http server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}
