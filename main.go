// Tictalk, 2026
// License AGPL3

package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
	"github.com/tictalk/tictalk/internal/hub"
	"github.com/tictalk/tictalk/store"
	"github.com/tictalk/tictalk/store/fs"
	"github.com/tictalk/tictalk/store/mem"
	"github.com/tictalk/tictalk/store/postgres"
	"github.com/tictalk/tictalk/store/redis"
)

var (
	logger = log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ko     = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// App is the global app context that's passed around.
type App struct {
	hub    *hub.Hub
	store  store.Store
	cfg    *hub.Config
	tpl    *template.Template
	fs     stuffbin.FileSystem
	logger *log.Logger
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.String("app.address", "", "Address to listen on (overrides config)")
	f.String("store.type", "", "Store backend: mem, fs, redis or postgres (overrides config)")
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

	// Merge env flags into config.
	if err := ko.Load(env.Provider("TICTALK_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "TICTALK_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	// Merge command line flags into config. Unset flags don't override.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// initFS initializes the stuffbin embedded static filesystem.
func initFS() stuffbin.FileSystem {
	// Get self executable path to initialise stuffed FS.
	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("error getting executable path: %v", err)
	}

	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			// First argument is to the root to mount the files in the FileSystem
			// and the rest of the arguments are paths to embed.
			fs, err = stuffbin.NewLocalFS("./", "./theme")
			if err != nil {
				log.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			log.Fatalf("error reading stuffed binary: %v", err)
		}
	}
	return fs
}

// initTemplates compiles the HTML templates in the theme.
func initTemplates(fs stuffbin.FileSystem) (*template.Template, error) {
	return stuffbin.ParseTemplatesGlob(nil, fs, "/theme/templates/*.html")
}

// initStore initializes the store backend picked by store.type.
func initStore() (store.Store, error) {
	typ := ko.String("store.type")
	switch typ {
	case "mem":
		return mem.New(mem.Config{})

	case "fs":
		var cfg fs.Config
		if err := ko.Unmarshal("fs", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling 'fs' config: %w", err)
		}
		return fs.New(cfg, logger)

	case "redis", "":
		var cfg redis.Config
		if err := ko.Unmarshal("redis", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling 'redis' config: %w", err)
		}
		return redis.New(cfg)

	case "postgres":
		var cfg postgres.Config
		if err := ko.Unmarshal("postgres", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling 'postgres' config: %w", err)
		}
		return postgres.New(cfg, logger)
	}
	return nil, fmt.Errorf("unknown store type '%s'", typ)
}

// initRoutes registers the HTTP routes.
func initRoutes(app *App) http.Handler {
	r := chi.NewRouter()
	r.Get("/", wrap(handleIndex, app, 0))
	r.Get("/ws", wrap(handleWS, app, 0))
	r.Get("/healthz", wrap(handleHealthz, app, 0))

	// Rooms.
	r.Get("/api/rooms", wrap(handleGetRooms, app, 0))
	r.Get("/api/rooms/{roomID}/qr", wrap(handleRoomQR, app, hasRoom))

	// Users.
	r.Route("/api/users", func(r chi.Router) {
		r.Post("/register", wrap(handleRegister, app, 0))
		r.Post("/login", wrap(handleLogin, app, 0))
		r.Get("/leaderboard", wrap(handleLeaderboard, app, 0))
		r.Post("/add-friend", wrap(handleAddFriend, app, 0))
		r.Get("/friends/{userID}", wrap(handleGetFriends, app, 0))
	})

	// Views.
	r.Get("/r/{roomID}", wrap(handleRoomPage, app, hasRoom))
	r.Get("/theme/*", func(w http.ResponseWriter, r *http.Request) {
		app.fs.FileServer().ServeHTTP(w, r)
	})
	return r
}

// catchInterrupts blocks until the process is asked to stop.
func catchInterrupts() os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	return <-c
}

func main() {
	// Load configuration from files.
	loadConfig()

	// Initialize global app context.
	app := &App{
		logger: logger,
		fs:     initFS(),
	}
	if err := ko.Unmarshal("app", &app.cfg); err != nil {
		logger.Fatalf("error unmarshalling 'app' config: %v", err)
	}

	minTime := time.Duration(3) * time.Second
	if app.cfg.WSTimeout < minTime {
		logger.Fatal("app.websocket_timeout should be > 3s")
	}
	if app.cfg.PingInterval <= 0 || app.cfg.PingInterval >= app.cfg.WSTimeout {
		logger.Fatal("app.ping_interval should be > 0 and < app.websocket_timeout")
	}

	// Initialize store.
	st, err := initStore()
	if err != nil {
		logger.Fatalf("error initializing store: %v", err)
	}
	app.store = st
	app.hub = hub.NewHub(app.cfg, st, logger)

	// Compile static templates.
	tpl, err := initTemplates(app.fs)
	if err != nil {
		logger.Fatalf("error compiling templates: %v", err)
	}
	app.tpl = tpl

	ctx, cancel := context.WithCancel(context.Background())
	go app.hub.Run(ctx)

	// Start the app.
	srv := &http.Server{
		Addr:    app.cfg.Address,
		Handler: initRoutes(app),
	}
	go func() {
		logger.Printf("starting server on %v", app.cfg.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("couldn't start server: %v", err)
		}
	}()

	// Serve the same routes as an onion service.
	if ko.Bool("tor.enabled") {
		go serveTor(app, srv.Handler)
	}

	sig := catchInterrupts()
	logger.Printf("shutting down: %v", sig)

	sCtx, sCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sCancel()
	if err := srv.Shutdown(sCtx); err != nil {
		logger.Printf("error shutting down server: %v", err)
	}

	// Stop the hub, then flush pending stats before closing the store.
	cancel()
	<-app.hub.Done()
	app.hub.Close()
	if err := st.Close(); err != nil {
		logger.Printf("error closing store: %v", err)
	}
}

// serveTor starts a Tor onion service for the handler. The service key
// is kept in the store so the onion address survives restarts.
func serveTor(app *App, h http.Handler) {
	pk, err := getOrCreatePK(app.store)
	if err != nil {
		app.logger.Printf("error getting onion key: %v", err)
		return
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		app.logger.Printf("error creating onion listener: %v", err)
		return
	}

	ts := &torServer{
		Handler:    h,
		PrivateKey: pk,
		ExePath:    ko.String("tor.exe_path"),
		Log:        app.logger,
	}
	app.logger.Printf("starting onion service at http://%s.onion", onionAddr(pk))
	if err := ts.Serve(ln); err != nil {
		app.logger.Printf("onion service stopped: %v", err)
	}
}
