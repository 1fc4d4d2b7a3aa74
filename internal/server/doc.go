// Package server hosts the Fiber HTTP service, request middleware chain, and
// origin registry glue that wires Host resolution into the caching proxy.
// It bootstraps Fiber, attaches recover and request-id middlewares, injects
// the OriginRegistry built from config, and exposes router constructors that
// main and the proxy package reuse. Keep exports narrow and accept explicit
// dependencies.
package server
