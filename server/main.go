/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"github.com/tinode/bus/server/auth"
	"github.com/tinode/bus/server/auth/token"
	"github.com/tinode/bus/server/bus"
	"github.com/tinode/bus/server/docs"
	"github.com/tinode/bus/server/logs"
	"github.com/tinode/bus/server/transport"
	jcr "github.com/tinode/jsonco"
)

const (
	// currentVersion is the current API/protocol version
	currentVersion = "0.1"

	// Default path of the websocket endpoint.
	defaultApiPath = "/v0/bus"

	// Default timeout of requests sent with Pubr, milliseconds.
	defaultPubrTimeout = 5000
)

// Build timestamp defined by the compiler
var buildstamp = "undef"

// Bus section of the config.
type busConfig struct {
	// Timeout of Pubr in milliseconds.
	PubrTimeout int `json:"pubr_timeout"`
	// Number of goroutines dispatching bus-internal publishes.
	Workers int `json:"workers"`
	// Length of the per-connection inbound queue.
	ConQueueLen int `json:"con_queue_len"`
	// Reject messages from connections which have not logged in.
	RequireAuth bool `json:"require_auth"`
}

// Document locks section of the config.
type docsConfig struct {
	Enabled bool `json:"enabled"`
	// "memory" or "mongodb".
	UseAdapter string `json:"use_adapter"`
	// Configuration passed to the adapter.
	StoreConfig json.RawMessage `json:"store_config"`
}

// Contents of the configuration file
type configType struct {
	// HTTP(S) address:port to listen on for websocket clients. Either a
	// numeric or a canonical name, e.g. ":80" or ":https". Could include a host name, e.g.
	// "localhost:80".
	// Could be blank: if TLS is not configured, will use ":80", otherwise ":443".
	// Can be overridden from the command line, see option --listen.
	Listen string `json:"listen"`
	// Base URL path where the websocket endpoint is served.
	ApiPath string `json:"api_path"`
	// Address:port to listen for gRPC clients. Leave blank to disable gRPC support.
	// Could be overridden from the command line with --grpc_listen.
	GrpcListen string `json:"grpc_listen"`
	// Enable handling of gRPC keepalives https://github.com/grpc/grpc/blob/master/doc/keepalive.md
	// This sets server's GRPC_ARG_KEEPALIVE_TIME_MS to 60 seconds instead of the default 2 hours.
	GrpcKeepalive bool `json:"grpc_keepalive"`
	// URL path for exposing runtime stats in Prometheus format. Disabled if the path is blank.
	StatsPath string `json:"stats_path"`
	// URL path for the JSON status report. Disabled if the path is blank.
	StatusPath string `json:"status_path"`
	// URL path for exposing runtime profiling info. Disabled if the path is blank.
	PprofUrl string `json:"pprof_url"`
	// Log every HTTP request.
	AccessLog bool `json:"access_log"`
	// Maximum message size allowed from the clients in bytes.
	MaxMessageSize int `json:"max_message_size"`

	Bus       busConfig               `json:"bus"`
	Websocket transport.WebsockConfig `json:"websocket"`
	// Configs for authenticator. Login is disabled if blank.
	Auth json.RawMessage `json:"auth_config"`
	Docs docsConfig      `json:"docs"`
	TLS  json.RawMessage `json:"tls"`
}

// loadConfig reads the config file with comments.
func loadConfig(configfile string) (*configType, error) {
	file, err := os.Open(configfile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config configType
	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
				jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		}
		return nil, err
	}
	return &config, nil
}

// openLockStore creates the document lock store named in the config.
func openLockStore(ctx context.Context, config *docsConfig) (docs.LockStore, error) {
	switch config.UseAdapter {
	case "", "memory":
		return docs.NewMemoryStore(), nil
	case "mongodb":
		return docs.NewMongoStore(ctx, config.StoreConfig)
	}
	return nil, errUnknownAdapter(config.UseAdapter)
}

type errUnknownAdapter string

func (e errUnknownAdapter) Error() string {
	return "docs: unknown adapter '" + string(e) + "'"
}

// newMetrics creates the registry for bus and process metrics.
func newMetrics() *prometheus.Registry {
	version.Version = currentVersion
	version.Revision = buildstamp

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("bus"),
	)
	return reg
}

func main() {
	executable, _ := os.Executable()

	logFlags := flag.String("log_flags", "stdFlags",
		"Comma-separated list of log flags (as defined in https://golang.org/pkg/log/#pkg-constants without the L prefix)")
	configfile := flag.String("config", "bus.conf", "Path to config file.")
	listenOn := flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	listenGrpc := flag.String("grpc_listen", "", "Override address and port to listen on for gRPC clients.")
	tlsEnabled := flag.Bool("tls_enabled", false, "Override config value for enabling TLS.")
	flag.Parse()

	logs.Init(os.Stderr, *logFlags)

	logs.Info.Printf("Server v%s:%s:%s; pid %d; %d process(es)",
		currentVersion, executable, buildstamp,
		os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	*configfile = toAbsolutePath(rootpath(executable), *configfile)
	logs.Info.Printf("Using config from '%s'", *configfile)

	config, err := loadConfig(*configfile)
	if err != nil {
		logs.Err.Fatal("Failed to read config file: ", err)
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if *listenGrpc != "" {
		config.GrpcListen = *listenGrpc
	}
	if config.ApiPath == "" {
		config.ApiPath = defaultApiPath
	}
	if config.Bus.PubrTimeout <= 0 {
		config.Bus.PubrTimeout = defaultPubrTimeout
	}
	if config.MaxMessageSize > 0 && config.Websocket.MaxMessageSize == 0 {
		config.Websocket.MaxMessageSize = int64(config.MaxMessageSize)
	}

	tlsConfig, tlsParams, err := parseTLSConfig(*tlsEnabled, config.TLS)
	if err != nil {
		logs.Err.Fatalln(err)
	}

	ctx := context.Background()

	var authenticator auth.Authenticator
	if len(config.Auth) > 0 {
		if authenticator, err = token.New(config.Auth); err != nil {
			logs.Err.Fatal("Failed to initialize authenticator: ", err)
		}
	} else if config.Bus.RequireAuth {
		logs.Err.Fatal("Authentication is required but auth_config is missing")
	}

	var store docs.LockStore
	if config.Docs.Enabled {
		if store, err = openLockStore(ctx, &config.Docs); err != nil {
			logs.Err.Fatal("Failed to open document lock store: ", err)
		}
		defer func() {
			store.Close()
			logs.Info.Println("Closed document lock store")
		}()
	}

	metrics := newMetrics()

	ws := transport.NewWebsock(config.Websocket)
	cfg := bus.Cfg{
		Transports:       []bus.Transport{ws},
		PubrTimeout:      time.Duration(config.Bus.PubrTimeout) * time.Millisecond,
		Workers:          config.Bus.Workers,
		ConQueueLen:      config.Bus.ConQueueLen,
		Registerer:       metrics,
		MetricsNamespace: "bus",
	}
	if config.GrpcListen != "" {
		cfg.Transports = append(cfg.Transports, transport.NewGrpc(transport.GrpcConfig{
			Listen:         config.GrpcListen,
			Keepalive:      config.GrpcKeepalive,
			MaxMessageSize: config.MaxMessageSize,
			TLS:            tlsConfig,
		}))
	}
	if authenticator != nil && config.Bus.RequireAuth {
		cfg.InpFilters = append(cfg.InpFilters, auth.RequireToken(auth.TokenAuth))
	}
	if store != nil {
		cfg.OnConClose = docs.ReleaseFunc(store)
	}
	cfg.Setup = func(b *bus.Bus) error {
		if authenticator != nil {
			if err := auth.Register(b, authenticator); err != nil {
				return fmt.Errorf("login handlers: %w", err)
			}
		}
		if store != nil {
			if err := docs.Register(b, store); err != nil {
				return fmt.Errorf("document locks: %w", err)
			}
		}
		return nil
	}

	b := bus.New()
	if err = b.Init(ctx, cfg); err != nil {
		logs.Err.Fatal("Failed to start the bus: ", err)
	}

	mux := http.NewServeMux()
	mux.Handle(config.ApiPath, ws)
	logs.Info.Printf("Websocket clients are served at [%s]", config.ApiPath)

	if config.StatsPath != "" {
		mux.Handle(config.StatsPath,
			promhttp.InstrumentMetricHandler(metrics,
				promhttp.HandlerFor(metrics, promhttp.HandlerOpts{ErrorLog: logs.Warn})))
		logs.Info.Printf("Stats exported in Prometheus format at [%s]", config.StatsPath)
	}
	if config.StatusPath != "" {
		mux.HandleFunc(config.StatusPath, serveStatus(b))
		logs.Info.Printf("Status is served at [%s]", config.StatusPath)
	}
	servePprof(mux, config.PprofUrl)
	mux.HandleFunc("/", serve404)

	handler := accessLogHandler(hstsHandler(mux, tlsParams.StrictMaxAge), config.AccessLog)
	if err = listenAndServe(config.Listen, handler, tlsConfig, tlsParams.RedirectHTTP, b, signalHandler()); err != nil {
		logs.Err.Fatal(err)
	}
	logs.Info.Println("All done, good bye")
}

// rootpath is the directory of the executable.
func rootpath(executable string) string {
	rootpath, _ := filepath.Split(executable)
	return rootpath
}

// toAbsolutePath resolves path relative to base unless it's already absolute.
func toAbsolutePath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(filepath.Join(base, path))
}
