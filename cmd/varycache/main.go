package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/varycache/varycache"
	"github.com/varycache/varycache/storage/memory"
	redisstorage "github.com/varycache/varycache/storage/redis"
	"github.com/varycache/varycache/storage/sqlite"
)

var (
	configFilenameFlag string
	portFlag           int
	originFlag         string
	providerFlag       string
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&originFlag, "origin", "", "Origin to proxy to (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Storage provider to use: memory, sqlite or redis (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	config := defaultConfig()
	if configFilenameFlag != "" {
		fileConfig, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		config = config.overlay(fileConfig)
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if providerFlag != "" {
		config.Provider = providerFlag
	}

	var store varycache.Storage
	switch config.Provider {
	case "memory":
		store = memory.New(config.SizeLimit)
	case "sqlite":
		s, err := sqlite.New(config.SQLitePath, config.SizeLimit)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open sqlite cache")
		}
		store = s
	case "redis":
		opts, err := goredis.ParseURL(config.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse redis URL")
		}
		store = redisstorage.New(goredis.NewClient(opts), "varycache:")
	default:
		log.Fatal().Msgf("Unsupported storage provider: %s", config.Provider)
	}

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin URL")
	}

	proxy := &httputil.ReverseProxy{
		Director: createDirector(originURL),
	}

	cache := varycache.New(varycache.Config{
		Storage:               store,
		Logger:                &log.Logger,
		MaximumBodySize:       config.MaximumBodySize,
		UseCaseSensitivePaths: config.CaseSensitivePaths,
	})

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/*", cache.Handler(proxy))

	addr := fmt.Sprintf(":%d", config.Port)
	log.Info().Str("addr", addr).Str("origin", originURL.String()).Msg("Starting cache server")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

func createDirector(origin *url.URL) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = origin.Scheme
		req.URL.Host = origin.Host
		req.Host = origin.Host
	}
}
