package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cacherouter "github.com/ericselin/cache-router"
	"github.com/ericselin/cache-router/admin"
	"github.com/ericselin/cache-router/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// CLI flags
	configFilenameFlag string
	hostFlag           string
	portFlag           int
	dbFilenameFlag     string
	adminAddrFlag      string
	readTimeoutFlag    time.Duration
	sequentialFlag     bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

const (
	rootResponse       = "HTTP/1.1 200 OK\r\n\r\n"
	defaultHost        = "127.0.0.1"
	defaultPort        = 3000
	defaultReadTimeout = 10 * time.Second
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to YAML config file")
	flag.StringVar(&hostFlag, "host", "", "Host to listen on (overrides config, default 127.0.0.1)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config, default 3000)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name, 'memory' for in-memory db (overrides config, default memory)")
	flag.StringVar(&adminAddrFlag, "admin", "", "Address for the admin HTTP server (overrides config)")
	flag.DurationVar(&readTimeoutFlag, "read-timeout", 0, "Per-connection read timeout (overrides config, default 10s)")
	flag.BoolVar(&sequentialFlag, "sequential", false, "Handle one connection at a time")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := cacherouter.FileConfig{
		Host: defaultHost,
		Port: defaultPort,
		DB:   cache.MemoryDSN,
	}
	if configFilenameFlag != "" {
		var err error
		if config, err = cacherouter.LoadConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Str("file", configFilenameFlag).Msg("Could not read config")
		}
	}
	applyFlags(&config)

	routes, err := config.RouteList()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid route config")
	}
	if len(routes) == 0 {
		log.Info().Msg("No routes configured, using default routes")
		routes = []cacherouter.Route{
			{Method: "GET", Path: "/", Action: cacherouter.StaticResponse(rootResponse)},
			{Method: "GET", Path: "/favicon.ico", Action: cacherouter.StaticResponse(rootResponse)},
		}
	}

	c, err := cache.NewSQLiteCache(config.DB)
	if err != nil {
		log.Fatal().Err(err).Str("db", config.DB).Msg("Could not open cache db")
	}
	router, err := cacherouter.New(cacherouter.Config{
		Host:             config.Host,
		Port:             config.Port,
		Cache:            c,
		ReadTimeout:      config.ReadTimeout,
		WriteTimeout:     config.WriteTimeout,
		NotFoundResponse: config.NotFound,
		Sequential:       config.Sequential,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not establish cache db")
	}
	defer router.Close()
	for _, route := range routes {
		router.RegisterRoute(route)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.ListenAndServe(ctx)
	})
	if config.Admin != "" {
		adminServer := &http.Server{
			Addr:    config.Admin,
			Handler: admin.NewHandler(router, log.Logger),
		}
		g.Go(func() error {
			log.Info().Str("addr", config.Admin).Msg("Serving admin")
			if err := adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return adminServer.Shutdown(context.Background())
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
	log.Info().Msg("Shut down")
}

// applyFlags overrides config file values with the flags that were set.
func applyFlags(config *cacherouter.FileConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			config.Host = hostFlag
		case "port":
			config.Port = portFlag
		case "db":
			config.DB = dbFilenameFlag
		case "admin":
			config.Admin = adminAddrFlag
		case "read-timeout":
			config.ReadTimeout = readTimeoutFlag
		case "sequential":
			config.Sequential = sequentialFlag
		}
	})
	if config.DB == "" {
		config.DB = cache.MemoryDSN
	}
	if config.Host == "" {
		config.Host = defaultHost
	}
	if config.Port == 0 {
		config.Port = defaultPort
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaultReadTimeout
	}
}
