package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/security"
	"github.com/dsav-dodeka/dodeka-oauth/server"
)

// Endpoint paths
const (
	PathAuthorize      = "/oauth/authorize/"
	PathCallback       = "/oauth/callback/"
	PathToken          = "/oauth/token/"
	PathJWKS           = "/oauth/jwks/"
	PathLoginStart     = "/login/start/"
	PathLoginFinish    = "/login/finish/"
	PathLogout         = "/logout/delete/"
	PathRegisterStart  = "/register/start/"
	PathRegisterFinish = "/register/finish/"
)

const tokenTypeBearer = "Bearer"

// Handler is a thin HTTP adapter for the authorization server.
// It decodes requests, delegates to the Server and renders the result.
type Handler struct {
	server  *server.Server
	config  *Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler. Call Close to stop the rate limiter.
func NewHandler(srv *server.Server, config *Config) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	h := &Handler{
		server: srv,
		config: cfg,
		logger: cfg.Logger,
	}

	if cfg.rateLimited() {
		h.limiter = security.NewRateLimiterWithConfig(cfg.RateLimit.Rate, cfg.RateLimit.Burst, cfg.RateLimit.MaxEntries, cfg.Logger)
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h, nil
}

// Close releases background resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns the endpoints wrapped in request id and security header
// middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathAuthorize+"{$}", h.instrument("authorize", h.ServeAuthorization))
	mux.HandleFunc("GET "+PathCallback+"{$}", h.instrument("callback", h.ServeCallback))
	mux.HandleFunc("POST "+PathToken+"{$}", h.instrument("token", h.ServeToken))
	mux.HandleFunc("GET "+PathJWKS+"{$}", h.instrument("jwks", h.ServeJWKS))
	mux.HandleFunc("POST "+PathLoginStart+"{$}", h.instrument("login_start", h.ServeLoginStart))
	mux.HandleFunc("POST "+PathLoginFinish+"{$}", h.instrument("login_finish", h.ServeLoginFinish))
	mux.HandleFunc("POST "+PathLogout+"{$}", h.instrument("logout", h.ServeLogout))
	if h.config.EnableRegistration {
		mux.HandleFunc("POST "+PathRegisterStart+"{$}", h.instrument("register_start", h.ServeRegisterStart))
		mux.HandleFunc("POST "+PathRegisterFinish+"{$}", h.instrument("register_finish", h.ServeRegisterFinish))
	}

	issuer := h.server.Config.Issuer
	return security.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, issuer)
		mux.ServeHTTP(w, r)
	}))
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// instrument wraps an endpoint with a span and request metrics.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		var span trace.Span
		if h.tracer != nil {
			var ctx context.Context
			ctx, span = h.tracer.Start(r.Context(), "oauth.http."+endpoint)
			defer span.End()
			r = r.WithContext(ctx)
		}

		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, h.clientIP(r))
		}
		if rec.status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(rec.status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		h.recordHTTPMetrics(r, endpoint, rec.status, startTime)
	}
}

func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	duration := float64(time.Since(startTime).Microseconds()) / 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, duration)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return false
	}
	clientIP := h.clientIP(r)
	if h.limiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
	w.Header().Set("Retry-After", strconv.Itoa(DefaultRetryAfterSec))
	h.writeError(w, r, ErrRateLimited())
	return true
}

// ServeAuthorization handles GET /oauth/authorize/
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := server.AuthorizationParams{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
	}

	location, err := h.server.StartAuthorization(r.Context(), params)
	if err != nil {
		if oauthErr, ok := server.AsError(err); ok && oauthErr.RedirectURI != "" {
			h.redirectError(w, r, oauthErr)
			return
		}
		h.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, location, http.StatusSeeOther)
}

// redirectError reports an error to the client's redirect URI.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, oauthErr *Error) {
	location, err := server.ErrorRedirectURL(oauthErr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Debug("Authorization request rejected",
		"error", oauthErr.Code,
		"description", oauthErr.Description,
		"request_id", security.GetRequestID(r.Context()))
	http.Redirect(w, r, location, http.StatusSeeOther)
}

// ServeCallback handles GET /oauth/callback/ after a finished login
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	security.SetNoStore(w)

	q := r.URL.Query()
	location, err := h.server.FinishAuthorization(r.Context(), q.Get("flow_id"), q.Get("code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, location, http.StatusSeeOther)
}

// ServeToken handles POST /oauth/token/ for both grants. The body may be
// JSON or a form.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	security.SetNoStore(w)

	if h.checkIPRateLimit(w, r) {
		return
	}

	req, err := h.decodeTokenRequest(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.server.ProcessTokenRequest(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) decodeTokenRequest(w http.ResponseWriter, r *http.Request) (*TokenRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/x-www-form-urlencoded" {
		var req TokenRequest
		if err := h.decodeJSON(w, r, &req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return nil, ErrInvalidRequest("Failed to parse request")
	}
	return &TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     r.PostFormValue("client_id"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		Code:         r.PostFormValue("code"),
		RefreshToken: r.PostFormValue("refresh_token"),
	}, nil
}

// ServeJWKS publishes the public signing keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	h.writeJSON(w, http.StatusOK, h.server.PublicKeys())
}

// ServeLoginStart handles POST /login/start/
func (h *Handler) ServeLoginStart(w http.ResponseWriter, r *http.Request) {
	if h.checkIPRateLimit(w, r) {
		return
	}

	var req LoginStartRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Email == "" || req.ClientRequest == "" {
		h.writeError(w, r, ErrInvalidRequest("email and client_request are required"))
		return
	}

	message, authID, err := h.server.StartLogin(r.Context(), req.Email, req.ClientRequest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, LoginStartResponse{ServerMessage: message, AuthID: authID})
}

// ServeLoginFinish handles POST /login/finish/
func (h *Handler) ServeLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req LoginFinishRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.server.FinishLogin(r.Context(), req.AuthID, req.Email, req.ClientRequest, req.FlowID); err != nil {
		if oauthErr, ok := server.AsError(err); ok {
			h.server.Auditor.LogAuthFailure("", h.server.Config.FrontendClientID, h.clientIP(r), oauthErr.DebugKey)
		}
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ServeLogout handles POST /logout/delete/. Unknown or undecryptable
// tokens still get a 200.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.server.DeleteRefresh(r.Context(), req.RefreshToken); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ServeRegisterStart handles POST /register/start/
func (h *Handler) ServeRegisterStart(w http.ResponseWriter, r *http.Request) {
	if h.checkIPRateLimit(w, r) {
		return
	}

	var req RegisterStartRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.UserID == "" || req.RegisterID == "" || req.ClientRequest == "" {
		h.writeError(w, r, ErrInvalidRequest("user_id, register_id and client_request are required"))
		return
	}

	message, authID, err := h.server.StartRegister(r.Context(), req.UserID, req.RegisterID, req.ClientRequest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, RegisterStartResponse{ServerMessage: message, AuthID: authID})
}

// ServeRegisterFinish handles POST /register/finish/
func (h *Handler) ServeRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req RegisterFinishRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.server.CompleteRegistration(r.Context(), req.AuthID, req.Email, req.ClientRequest); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ValidateToken is middleware that accepts requests carrying a valid access
// token and stores its claims in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, ok := extractBearerToken(r)
		if !ok {
			h.writeUnauthorized(w, r, ErrInvalidToken("Missing or malformed Authorization header"))
			return
		}

		claims, err := h.server.VerifyAccessToken(r.Context(), accessToken)
		if err != nil {
			h.logger.Debug("Token validation failed", "ip", h.clientIP(r), "error", err)
			h.writeUnauthorized(w, r, ErrInvalidToken("Token validation failed"))
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

func extractBearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, tokenTypeBearer) || token == "" {
		return "", false
	}
	return token, true
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, r *http.Request, oauthErr *Error) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`%s error=%q, error_description=%q`, tokenTypeBearer, oauthErr.Code, oauthErr.Description))
	h.writeError(w, r, oauthErr)
}

// decodeJSON reads a size-limited JSON body into dst.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ErrInvalidRequest("Request body too large")
		}
		return ErrInvalidRequest("Failed to parse request")
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write response", "error", err)
	}
}

// writeError renders err as an OAuth error body. Internal errors are logged
// and shown to the client as server_error only.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr, fatal := toOAuthError(err)
	requestID := security.GetRequestID(r.Context())

	switch {
	case fatal:
		h.logger.Error("Keys are not provisioned, run the provision command", "path", r.URL.Path, "request_id", requestID, "error", err)
	case oauthErr.Status >= http.StatusInternalServerError:
		h.logger.Error("Request failed", "path", r.URL.Path, "request_id", requestID, "error", err)
	default:
		h.logger.Debug("Request rejected",
			"path", r.URL.Path,
			"request_id", requestID,
			"error", oauthErr.Code,
			"debug_key", oauthErr.DebugKey)
	}

	status := oauthErr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
		DebugKey:         oauthErr.DebugKey,
	})
}
