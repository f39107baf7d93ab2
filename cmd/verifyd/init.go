package main

import (
	"context"
	"fmt"
	"html/template"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/campusgate/verifyd/internal/directory/postgres"
	"github.com/campusgate/verifyd/internal/mailer"
	"github.com/campusgate/verifyd/internal/rate"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	redisv9 "github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

type constants struct {
	OtpTTL      time.Duration
	RootURL     string
	Environment string

	// ExposeCode echoes the issued code in the send-verification
	// response. An explicit flag, never inferred from the environment
	// string. Only ever enable outside production.
	ExposeCode bool
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}
	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("VERIFYD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "VERIFYD_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(debug bool) logf.Logger {
	opt := logf.Opts{EnableCaller: true}
	if debug {
		opt.Level = logf.DebugLevel
		opt.EnableColor = true
	}
	return logf.New(opt)
}

func initConstants() constants {
	ttl := ko.Duration("app.otp_ttl") * time.Second
	if ttl.Seconds() < 1 {
		ttl = 10 * time.Minute
	}

	return constants{
		OtpTTL:      ttl,
		RootURL:     strings.TrimRight(ko.String("app.root_url"), "/"),
		Environment: ko.String("app.environment"),
		ExposeCode:  ko.Bool("app.expose_code_in_response"),
	}
}

// initDirectory connects to the student directory database. Boot
// aborts if it's unconfigured or unreachable.
func initDirectory() *postgres.Postgres {
	var pc postgres.Conf
	ko.UnmarshalWithConf("directory.postgres", &pc, koanf.UnmarshalConf{Tag: "json"})
	if pc.DSN == "" {
		lo.Fatal("directory.postgres.dsn is not set in config")
	}

	dir, err := postgres.New(context.Background(), pc)
	if err != nil {
		lo.Fatal("error initializing student directory", "error", err)
	}
	if err := dir.Ping(context.Background()); err != nil {
		lo.Fatal("student directory is unreachable", "error", err)
	}

	return dir
}

// initMailer initializes the SMTP transport. Boot aborts on failure
// rather than running without a way to deliver codes.
func initMailer() *mailer.Mailer {
	var mc mailer.Config
	ko.UnmarshalWithConf("mail", &mc, koanf.UnmarshalConf{Tag: "json"})

	m, err := mailer.New(mc)
	if err != nil {
		lo.Fatal("error initializing SMTP mailer", "error", err)
	}
	return m
}

// initLimiter builds the per-identity issuance limiter on the store's
// Redis connection.
func initLimiter(client *redisv9.Client) *rate.Limiter {
	var c rate.Conf
	ko.UnmarshalWithConf("app.send_limit", &c, koanf.UnmarshalConf{Tag: "json"})
	return rate.New(client, c)
}

// initMailTemplates loads the e-mail subject from config and the HTML
// body from the embedded static files.
func initMailTemplates(fs stuffbin.FileSystem) (*template.Template, *template.Template) {
	subjLine := ko.String("mail.subject")
	if subjLine == "" {
		subjLine = "Your verification code"
	}
	subject, err := template.New("subject").Parse(subjLine)
	if err != nil {
		lo.Fatal("error parsing mail.subject template", "error", err)
	}

	tpl, err := stuffbin.ParseTemplatesGlob(sprig.HtmlFuncMap(), fs, "/static/*.html")
	if err != nil {
		lo.Fatal("error compiling e-mail template", "error", err)
	}
	body := tpl.Lookup("email.html")
	if body == nil {
		lo.Fatal("static/email.html not found in the filesystem")
	}

	return subject, body
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			// First argument is to the root to mount the files in the FileSystem
			// and the rest of the arguments are paths to embed.
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				log.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			log.Fatalf("error reading stuffed binary: %v", err)
		}
	}

	return fs
}
