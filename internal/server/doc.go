// Package server assembles the proxy's HTTP surface.
//
// New registers every api.Handler route on a method-aware ServeMux and wraps
// it in one middleware chain: request ids, request logging, metrics, security
// headers, CORS, rate limiting, the optional API token and an audit line for
// mutating calls. Run serves the result until its context is cancelled.
package server
