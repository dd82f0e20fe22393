/******************************************************************************
 *
 *  Description :
 *
 *  Web server initialization and shutdown.
 *
 *****************************************************************************/

package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/tinode/bus/server/bus"
	"github.com/tinode/bus/server/logs"
	"github.com/tinode/bus/server/transport"
	"golang.org/x/crypto/acme/autocert"
)

const shutdownTimeout = 5 * time.Second

type tlsAutocertConfig struct {
	// Domains to support by autocert
	Domains []string `json:"domains"`
	// Name of directory where auto-certificates are cached, e.g. /etc/letsencrypt/live/your-domain-here
	CertCache string `json:"cache"`
	// Contact email for letsencrypt
	Email string `json:"email"`
}

type tlsConfig struct {
	// Flag enabling TLS
	Enabled bool `json:"enabled"`
	// Listen for plain HTTP at this address and redirect to HTTPS
	RedirectHTTP string `json:"http_redirect"`
	// Enable Strict-Transport-Security by setting max_age > 0
	StrictMaxAge int `json:"strict_max_age"`
	// ACME autocert config, e.g. letsencrypt.org
	Autocert *tlsAutocertConfig `json:"autocert"`
	// If Autocert is not defined, provide file names of static certificate and key
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// parseTLSConfig returns nil *tls.Config if TLS is disabled.
func parseTLSConfig(tlsEnabled bool, jsconfig json.RawMessage) (*tls.Config, *tlsConfig, error) {
	var config tlsConfig

	if len(jsconfig) > 0 {
		if err := json.Unmarshal(jsconfig, &config); err != nil {
			return nil, nil, errors.New("http: failed to parse tls_config: " + err.Error() + "(" + string(jsconfig) + ")")
		}
	}

	if !tlsEnabled && !config.Enabled {
		return nil, &config, nil
	}

	if config.Autocert != nil {
		certManager := autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(config.Autocert.Domains...),
			Cache:      autocert.DirCache(config.Autocert.CertCache),
			Email:      config.Autocert.Email,
		}
		if config.CertFile != "" || config.KeyFile != "" {
			logs.Warn.Println("http: using autocert, static cert and key files are ignored")
		}
		return certManager.TLSConfig(), &config, nil
	}

	if config.CertFile == "" || config.KeyFile == "" {
		return nil, nil, errors.New("http: missing certificate or key file names")
	}

	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, &config, nil
}

// listenAndServe serves HTTP until stop fires, then shuts down the bus.
func listenAndServe(addr string, handler http.Handler, tlfConf *tls.Config, redirectHTTP string,
	b *bus.Bus, stop <-chan bool) error {

	shuttingDown := false

	httpdone := make(chan bool)

	server := &http.Server{
		Handler:  handler,
		ErrorLog: logs.Warn,
	}

	server.TLSConfig = tlfConf
	if tlfConf != nil {
		// If port is not specified, use default https port (443),
		// otherwise it will default to 80
		if addr == "" {
			addr = ":https"
		}

		if redirectHTTP != "" {
			logs.Info.Printf("Redirecting connections from HTTP at [%s] to HTTPS at [%s]", redirectHTTP, addr)

			// This is a second HTTP server listenning on a different port.
			go http.ListenAndServe(redirectHTTP, tlsRedirect(addr))
		}
	}
	if addr == "" {
		addr = ":http"
	}

	ln, err := transport.Listen(addr)
	if err != nil {
		return err
	}

	go func() {
		var err error
		if server.TLSConfig != nil {
			logs.Info.Printf("Listening for client HTTPS connections on [%s]", addr)
			err = server.ServeTLS(ln, "", "")
		} else {
			logs.Info.Printf("Listening for client HTTP connections on [%s]", addr)
			err = server.Serve(ln)
		}

		if err != nil {
			if shuttingDown {
				logs.Info.Println("HTTP server: stopped")
			} else {
				logs.Err.Println("HTTP server: failed", err)
			}
		}
		httpdone <- true
	}()

	// Wait for either a termination signal or an error
	var result error
loop:
	for {
		select {
		case <-stop:
			// Flip the flag that we are terminating and close the Accept-ing socket, so no new connections are possible.
			shuttingDown = true
			// Give server 5 seconds to shut down.
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := server.Shutdown(ctx); err != nil {
				// failure/timeout shutting down the server gracefully
				logs.Err.Println("HTTP server failed to terminate gracefully", err)
				result = err
			}
			cancel()

			// Wait for http server to stop Accept()-ing connections.
			<-httpdone
			break loop

		case <-httpdone:
			break loop
		}
	}

	// Stop transports, close all connections, fail pending requests.
	if err := b.Destroy(); err != nil {
		logs.Err.Println("Bus failed to shut down", err)
		if result == nil {
			result = err
		}
	}

	return result
}

func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		// Wait for a signal. Don't care which signal it is
		sig := <-signchan
		logs.Info.Printf("Signal received: '%s', shutting down", sig)
		stop <- true
	}()

	return stop
}

// Wrapper for http.Handler which optionally adds a Strict-Transport-Security to the response.
func hstsHandler(handler http.Handler, maxAge int) http.Handler {
	if maxAge <= 0 {
		return handler
	}
	value := "max-age=" + strconv.Itoa(maxAge)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", value)
		handler.ServeHTTP(w, r)
	})
}

// accessLogHandler wraps the handler with request logging and panic recovery.
func accessLogHandler(handler http.Handler, enabled bool) http.Handler {
	handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(logs.Err),
		handlers.PrintRecoveryStack(true))(handler)
	if !enabled {
		return handler
	}
	return handlers.CombinedLoggingHandler(logs.Info.Writer(), handler)
}

func writeJSON(wrt http.ResponseWriter, status int, v any) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	wrt.WriteHeader(status)
	json.NewEncoder(wrt).Encode(v)
}

func serve404(wrt http.ResponseWriter, req *http.Request) {
	writeJSON(wrt, http.StatusNotFound, bus.NewErr(bus.ErrCodeNotFound, "not found"))
}

// Redirect HTTP requests to HTTPS
func tlsRedirect(toPort string) http.HandlerFunc {
	if toPort == ":443" || toPort == ":https" {
		toPort = ""
	} else if toPort != "" && toPort[:1] == ":" {
		// Strip leading colon. JoinHostPort will add it back.
		toPort = toPort[1:]
	}

	return func(wrt http.ResponseWriter, req *http.Request) {
		host, _, err := net.SplitHostPort(req.Host)
		if err != nil {
			// If SplitHostPort has failed assume it's because :port part is missing.
			host = req.Host
		}

		target := *req.URL
		target.Scheme = "https"

		// Ensure valid redirect target.
		if toPort != "" {
			// Replace the port number.
			target.Host = net.JoinHostPort(host, toPort)
		} else {
			target.Host = host
		}

		if target.Path == "" {
			target.Path = "/"
		}

		http.Redirect(wrt, req, target.String(), http.StatusTemporaryRedirect)
	}
}

// statusResponse is returned by the status endpoint.
type statusResponse struct {
	Version string   `json:"ver"`
	Build   string   `json:"build"`
	Live    int      `json:"live"`
	Pending int      `json:"pending"`
	Cons    []string `json:"cons,omitempty"`
	Codes   []string `json:"codes"`
}

// serveStatus reports the state of the bus as JSON.
func serveStatus(b *bus.Bus) http.HandlerFunc {
	return func(wrt http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			writeJSON(wrt, http.StatusMethodNotAllowed, bus.NewErr(bus.ErrCodeVal, "method not allowed"))
			return
		}
		reg := b.Registry()
		if reg == nil {
			writeJSON(wrt, http.StatusServiceUnavailable, bus.NewErr(bus.ErrCodeInternal, "bus is not running"))
			return
		}
		resp := statusResponse{
			Version: currentVersion,
			Build:   buildstamp,
			Live:    b.LiveCount(),
			Pending: b.PendingCount(),
			Codes:   reg.Codes(),
		}
		if strings.EqualFold(req.URL.Query().Get("cons"), "true") {
			resp.Cons = b.Consids()
		}
		writeJSON(wrt, http.StatusOK, &resp)
	}
}
