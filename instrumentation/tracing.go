package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put token values, authorization codes, session keys
// or OPAQUE messages in traces. Only metadata such as token types, family ids
// and validation results belong here.
const (
	AttrClientID       = "oauth.client_id"
	AttrUserID         = "oauth.user_id"
	AttrScope          = "oauth.scope"
	AttrPKCEMethod     = "oauth.pkce.method"
	AttrTokenFamilyID  = "oauth.token.family_id" //nolint:gosec // identifier, not a credential
	AttrTokenReuse     = "oauth.token.reuse"     //nolint:gosec // boolean flag
	AttrTokenOldKey    = "oauth.token.old_key"   //nolint:gosec // boolean flag
	AttrGrantType      = "oauth.grant_type"
	AttrResponseType   = "oauth.response_type"
	AttrError          = "oauth.error"
	AttrDebugKey       = "oauth.debug_key"
	AttrLoginKnownUser = "oauth.login.known_user"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrClientIP = "security.client_ip"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records err on span and marks it failed. Nil-safe.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks span as Ok.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks span failed without an error value, for HTTP 5xx.
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes records who a token set is issued to. Empty values
// are skipped. Nil-safe.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	attrs := make([]attribute.KeyValue, 0, 3)
	for _, kv := range [...]struct{ key, value string }{
		{AttrClientID, clientID},
		{AttrUserID, userID},
		{AttrScope, scope},
	} {
		if kv.value != "" {
			attrs = append(attrs, attribute.String(kv.key, kv.value))
		}
	}
	if len(attrs) > 0 {
		SetSpanAttributes(span, attrs...)
	}
}

// AddTokenFamilyAttributes adds refresh token family attributes to a span (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string, usedOldKey bool) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Bool(AttrTokenOldKey, usedOldKey),
		)
	}
}

// AddStorageAttributes names the backend and operation of a storage span.
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes records the endpoint name and the response status.
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe).
// Check Instrumentation.ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
