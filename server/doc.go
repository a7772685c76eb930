// Package server is the authorization core: the OAuth 2.1 authorization code
// flow with mandatory S256 PKCE, OPAQUE password login and registration, and
// the token engine that issues EdDSA signed access and ID tokens next to
// encrypted, rotating refresh tokens.
//
// A Server owns no state of its own. Flow artifacts live in a
// storage.FlowStore with short TTLs, refresh tokens and users in durable
// stores, and keys come from a KeyProvider, so any number of processes can
// serve the same deployment.
//
// A login runs as follows:
//
//	StartAuthorization  -> redirect to the credentials page with ?flow_id=
//	StartLogin          -> OPAQUE KE2 for the client
//	FinishLogin         -> FlowUser stored under the session key
//	FinishAuthorization -> redirect_uri?code=<session key>&state=
//	ProcessTokenRequest -> ID, access and refresh token
//
// Refreshing rotates the refresh token within its family. Presenting a token
// that is no longer the current one revokes the whole family.
package server
