package main

import (
	"net/http"
	"os"
	"time"

	"github.com/campusgate/verifyd/internal/directory"
	"github.com/campusgate/verifyd/internal/store"
	"github.com/campusgate/verifyd/internal/store/redis"
	"github.com/campusgate/verifyd/internal/verify"
	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary controls
// (store, directory, verifier etc.) to be injected into the HTTP
// handlers.
type App struct {
	verifier  *verify.Service
	store     store.Store
	dir       directory.Directory
	lo        logf.Logger
	constants constants
}

var (
	ko = koanf.New(".")
	lo logf.Logger

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	lo = initLogger(ko.String("app.environment") != "production")

	app := &App{
		lo:        lo,
		constants: initConstants(),
	}

	// Load the store.
	var rc redis.Conf
	ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"})
	rStore := redis.New(rc)
	app.store = rStore

	// Student directory and mail transport are required at boot.
	app.dir = initDirectory()
	m := initMailer()
	subject, body := initMailTemplates(initFS(os.Args[0]))

	limiter := initLimiter(rStore.Client())

	app.verifier = verify.New(rStore, app.dir, m, limiter, verify.Opt{
		TTL:     app.constants.OtpTTL,
		Subject: subject,
		Body:    body,
		RootURL: app.constants.RootURL,
	}, lo)

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("verifyd"))
	})
	r.Get("/health", wrap(app, handleHealthCheck))
	r.Route("/api", func(r chi.Router) {
		r.Use(ipRateLimit(ko.Int("app.ratelimit.requests"), ko.Duration("app.ratelimit.window"), lo))
		r.Post("/send-verification", wrap(app, handleSendVerification))
		r.Post("/verify-code", wrap(app, handleVerifyCode))
	})

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	lo.Info("starting server", "address", srv.Addr, "environment", app.constants.Environment)
	if err := srv.ListenAndServe(); err != nil {
		lo.Fatal("couldn't start server", "error", err)
	}
}
