package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/narrabot/internal/config"
	"github.com/basket/narrabot/internal/otel"
	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/store"
	"github.com/basket/narrabot/internal/user"
)

// Config wires the API server to the services it exposes.
type Config struct {
	API     config.APIConfig
	Users   *user.Registry
	Docs    store.Documents
	Rel     *store.Relational
	Health  func(ctx context.Context) map[string]any
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

// Server is the internal admin HTTP API. Read-mostly: state lookups,
// narrative content, subscription checks, plus the preferences update.
type Server struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Server
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "gateway")}

	auth := NewJWTMiddleware(cfg.API.JWTSecret, logger)
	limit := NewRateLimitMiddleware(cfg.API.RequestsPerMinute, cfg.Metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/user/{id}/state", s.handleUserState)
	mux.HandleFunc("PUT /api/v1/user/{id}/preferences", s.handlePreferences)
	mux.HandleFunc("GET /api/v1/user/{id}/subscription", s.handleSubscription)
	mux.HandleFunc("GET /api/v1/narrative/{fragment_id}", s.handleFragment)

	s.http = &http.Server{
		Handler:           auth.Wrap(limit.Wrap(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the middleware-wrapped mux, used by tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves on the configured bind address until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http.Addr = addr
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.cfg.Health != nil {
		body["checks"] = s.cfg.Health(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleUserState(w http.ResponseWriter, r *http.Request) {
	u, err := s.cfg.Users.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":      u.Profile,
		"state":        u.State,
		"subscription": u.Subscription,
		"partial":      u.Partial,
	})
}

type preferencesRequest struct {
	Preferences map[string]string `json:"preferences"`
	Worthiness  *float64          `json:"worthiness"`
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, shared.NewError(shared.KindValidation, "malformed request body", ""))
		return
	}
	if req.Worthiness != nil && (*req.Worthiness < 0 || *req.Worthiness > 1) {
		s.writeError(w, r, shared.NewError(shared.KindValidation,
			"worthiness must be between 0 and 1", ""))
		return
	}

	userID := r.PathValue("id")
	st, err := s.updatePreferences(r.Context(), userID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("preferences updated", "user_id", userID, "principal", Principal(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"preferences": st.Preferences,
		"worthiness":  st.Worthiness,
		"version":     st.Version,
	})
}

func (s *Server) updatePreferences(ctx context.Context, userID string, req preferencesRequest) (*store.UserState, error) {
	for attempt := 0; attempt < 5; attempt++ {
		st, err := s.cfg.Docs.GetUserState(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, shared.NewError(shared.KindNotFound, "user not found", "")
		}
		if err != nil {
			return nil, fmt.Errorf("load user state: %w", err)
		}

		if len(req.Preferences) > 0 {
			if st.Preferences == nil {
				st.Preferences = make(map[string]string, len(req.Preferences))
			}
			for k, v := range req.Preferences {
				if v == "" {
					delete(st.Preferences, k)
					continue
				}
				st.Preferences[k] = v
			}
		}
		if req.Worthiness != nil {
			st.Worthiness = *req.Worthiness
		}

		err = s.cfg.Docs.ReplaceUserState(ctx, st)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("commit preferences: %w", err)
		}
	}
	return nil, shared.NewError(shared.KindContentionExceeded,
		"too many concurrent state updates", "Retry the request.")
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.cfg.Rel.ActiveSubscription(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, shared.NewError(shared.KindNotFound, "no active subscription", ""))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscription": sub,
		"vip":          sub.IsVIP(time.Now().UTC()),
	})
}

func (s *Server) handleFragment(w http.ResponseWriter, r *http.Request) {
	frag, err := s.cfg.Docs.GetFragment(r.Context(), r.PathValue("fragment_id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, shared.NewError(shared.KindNotFound, "fragment not found", ""))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, frag)
}

// writeError maps domain error kinds onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := string(shared.KindInternal)

	var de *shared.DomainError
	if errors.As(err, &de) {
		code = string(de.Kind)
		switch de.Kind {
		case shared.KindValidation, shared.KindInvalidChoice:
			status = http.StatusBadRequest
		case shared.KindAccessDenied:
			status = http.StatusForbidden
		case shared.KindNotFound:
			status = http.StatusNotFound
		case shared.KindAlreadyExists, shared.KindConflict, shared.KindContentionExceeded:
			status = http.StatusConflict
		case shared.KindInsufficientFunds:
			status = http.StatusPaymentRequired
		case shared.KindServiceDegraded:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= 500 {
		s.logger.Error("api request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}

	body := map[string]any{"error": code}
	if de != nil && de.Reason != "" {
		body["reason"] = de.Reason
	}
	if de != nil && de.Guidance != "" {
		body["guidance"] = de.Guidance
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
