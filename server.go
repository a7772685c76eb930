package oauth

import (
	"context"
	"log/slog"

	"github.com/dsav-dodeka/dodeka-oauth/opaque"
	"github.com/dsav-dodeka/dodeka-oauth/server"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

// Server is the authorization server. See package server.
type Server = server.Server

// ServerConfig configures the authorization server.
type ServerConfig = server.Config

// AccessClaims are the verified claims of an access token.
type AccessClaims = server.AccessClaims

// NewServer creates an authorization server. A single store implementation
// can be passed for all three store arguments.
func NewServer(
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	userStore storage.UserStore,
	keyProvider server.KeyProvider,
	opaqueServer opaque.Server,
	config *ServerConfig,
	logger *slog.Logger,
) (*Server, error) {
	return server.New(flowStore, tokenStore, userStore, keyProvider, opaqueServer, config, logger)
}

type claimsContextKey struct{}

// ContextWithClaims returns ctx carrying verified access token claims.
func ContextWithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by ValidateToken.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*AccessClaims)
	return claims, ok
}
