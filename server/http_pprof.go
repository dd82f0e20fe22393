// Debug tooling. Dumps named profile in response to HTTP request at
// 		http(s)://<host-name>/<configured-path>/<profile-name>
// The list of available profiles is served at the configured path itself.
// See godoc for the list of possible profile names: https://golang.org/pkg/runtime/pprof/#Profile

package main

import (
	"fmt"
	"net/http"
	"path"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/tinode/bus/server/logs"
)

// Expose debug profiling at the given URL path.
func servePprof(mux *http.ServeMux, serveAt string) {
	if serveAt == "" || serveAt == "-" {
		return
	}

	root := path.Clean("/"+serveAt) + "/"
	mux.HandleFunc(root, profileHandler(root))

	logs.Info.Printf("pprof: profiling info exposed at '%s'", root)
}

func profileHandler(root string) http.HandlerFunc {
	return func(wrt http.ResponseWriter, req *http.Request) {
		wrt.Header().Set("X-Content-Type-Options", "nosniff")
		wrt.Header().Set("Content-Type", "text/plain; charset=utf-8")

		profileName := strings.TrimPrefix(req.URL.Path, root)
		if profileName == "" {
			for _, p := range pprof.Profiles() {
				fmt.Fprintln(wrt, p.Name(), p.Count())
			}
			return
		}

		profile := pprof.Lookup(profileName)
		if profile == nil {
			servePprofError(wrt, http.StatusNotFound, "Unknown profile '"+profileName+"'")
			return
		}

		debug := 2
		if d := req.URL.Query().Get("debug"); d != "" {
			var err error
			if debug, err = strconv.Atoi(d); err != nil || debug < 0 {
				servePprofError(wrt, http.StatusBadRequest, "Invalid debug level '"+d+"'")
				return
			}
		}
		if debug == 0 {
			wrt.Header().Set("Content-Type", "application/octet-stream")
			wrt.Header().Set("Content-Disposition", `attachment; filename="`+profileName+`"`)
		}

		// Respond with the requested profile.
		profile.WriteTo(wrt, debug)
	}
}

func servePprofError(wrt http.ResponseWriter, status int, txt string) {
	wrt.Header().Set("Content-Type", "text/plain; charset=utf-8")
	wrt.Header().Set("X-Go-Pprof", "1")
	wrt.Header().Del("Content-Disposition")
	wrt.WriteHeader(status)
	fmt.Fprintln(wrt, txt)
}
