package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/keys"
	"github.com/dsav-dodeka/dodeka-oauth/opaque"
	"github.com/dsav-dodeka/dodeka-oauth/security"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// KeyProvider hands out the keys in use. keys.Manager implements it.
type KeyProvider interface {
	Get(ctx context.Context) (*keys.Keys, error)
	PublicKeys() jose.JSONWebKeySet
}

// Server implements the authorization, login and token logic.
// It holds no state of its own between requests; every artifact lives in
// the flow store or the token store.
type Server struct {
	flowStore  storage.FlowStore
	tokenStore storage.TokenStore
	userStore  storage.UserStore
	keys       KeyProvider
	opaque     opaque.Server

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	tracer trace.Tracer
	now    func() time.Time
}

// New creates a new authorization server
func New(
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	userStore storage.UserStore,
	keyProvider KeyProvider,
	opaqueServer opaque.Server,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if keyProvider == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	if opaqueServer == nil {
		return nil, fmt.Errorf("opaque server is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := validateHTTPSEnforcement(config, logger); err != nil {
		return nil, err
	}

	return &Server{
		flowStore:  flowStore,
		tokenStore: tokenStore,
		userStore:  userStore,
		keys:       keyProvider,
		opaque:     opaqueServer,
		Config:     config,
		Logger:     logger,
		now:        time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.countAuditEvents()
}

// SetInstrumentation enables spans and metrics for server operations
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
	s.countAuditEvents()
}

// countAuditEvents feeds audit events into the audit counter once both the
// auditor and instrumentation are set, in either order.
func (s *Server) countAuditEvents() {
	m := s.metrics()
	if s.Auditor == nil || m == nil {
		return
	}
	s.Auditor.OnEvent(func(eventType string) {
		m.RecordAuditEvent(context.Background(), eventType)
	})
}

// SetClock replaces the time source. Used by tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// PublicKeys returns the JWKS with the public signing keys.
func (s *Server) PublicKeys() jose.JSONWebKeySet {
	return s.keys.PublicKeys()
}

func (s *Server) unixNow() int64 {
	return s.now().Unix()
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "server."+name)
}

// endSpan records err on span and ends it. Spans taken from ctx are left open.
func (s *Server) endSpan(span trace.Span, err error) {
	if s.tracer == nil {
		return
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		if oauthErr, ok := AsError(err); ok {
			instrumentation.SetSpanAttributes(span, errorAttributes(oauthErr)...)
		}
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

// generateRandomToken generates a URL-safe random string with 256 bits of
// entropy, used for flow ids and auth ids.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
