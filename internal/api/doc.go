// Package api hosts the HTTP handlers of the RTSP proxy.
//
// Handler fronts three collaborators injected at construction time: the
// persistent stream registry, the ephemeral HLS supervisor, and an engine
// launcher used by the registry-less direct proxies. Control routes answer
// with a {"success","message"} JSON envelope; media routes answer failures
// in plain text.
//
// Handlers assume internal/server has already applied request ids, logging,
// metrics, CORS, rate limiting and the optional API token.
package api
