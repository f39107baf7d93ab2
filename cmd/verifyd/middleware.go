package main

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/zerodha/logf"
)

// ipRateLimit applies a fixed-window per-client limit to all /api/*
// routes. The tighter per-identity limit on issuance is enforced
// separately, ahead of the Issuer.
func ipRateLimit(requests int, window time.Duration, lo logf.Logger) func(http.Handler) http.Handler {
	if requests < 1 {
		requests = 100
	}
	if window.Seconds() < 1 {
		window = 15 * time.Minute
	}

	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			lo.Warn("rate limit exceeded",
				"ip", r.RemoteAddr,
				"path", r.URL.Path,
				"method", r.Method)
			sendErrorResponse(w, "too many requests. please try again later.",
				http.StatusTooManyRequests, "")
		}),
	)
}
