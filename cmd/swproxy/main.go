// Command swproxy runs the caching core as a local development proxy: it
// serves a static directory (including its ngsw.json manifest) and routes
// every request through the driver first, so cache behavior, updates and
// degraded modes can be exercised without a browser.
//
// Clients are simulated with the X-Client-Id request header; requests
// without one behave like navigation preloads.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/o-tero/swproxy/adapter"
	"github.com/o-tero/swproxy/driver"
	"github.com/o-tero/swproxy/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swproxy",
		Short: "Offline-first caching proxy for a static app directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("dir", ".", "static app directory (must contain ngsw.json)")
	flags.String("upstream", "", "proxy an upstream origin (e.g. http://localhost:4200) instead of serving --dir")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("inline-init", true, "initialize versions inline instead of at idle")
	for _, name := range []string{"addr", "dir", "upstream", "log-level", "inline-init"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("SWPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	return cmd
}

func run() error {
	log, err := buildLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	var fetcher adapter.Fetcher
	var origin http.Handler
	if upstream := viper.GetString("upstream"); upstream != "" {
		upstreamFetcher := newUpstreamFetcher(upstream)
		fetcher = upstreamFetcher
		origin = upstreamFetcher
	} else {
		dir := viper.GetString("dir")
		if _, err := os.Stat(dir + "/ngsw.json"); err != nil {
			return fmt.Errorf("app directory %q has no ngsw.json: %w", dir, err)
		}
		origin = http.FileServer(http.Dir(dir))
		fetcher = newOriginFetcher(origin)
	}
	registry := prometheus.NewRegistry()

	drv := driver.New(driver.Config{
		InlineInit: viper.GetBool("inline-init"),
	}, driver.Deps{
		Fetcher: fetcher,
		Clock:   adapter.SystemClock{},
		Storage: adapter.NewMemStorage(),
		Metrics: metrics.New(registry),
		Log:     log,
	})

	go logUpdateEvents(drv, log)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/debug/state", func(w http.ResponseWriter, r *http.Request) {
		report, err := drv.DebugState(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(report.Render()))
	})
	router.PathPrefix("/").Handler(newProxyHandler(drv, origin))

	addr := viper.GetString("addr")
	log.Info("swproxy listening",
		zap.String("addr", addr),
		zap.String("dir", viper.GetString("dir")),
		zap.String("upstream", viper.GetString("upstream")))
	return http.ListenAndServe(addr, requestLogger(log, router))
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

func logUpdateEvents(drv *driver.Driver, log *zap.Logger) {
	for event := range drv.Updates() {
		log.Info("driver event",
			zap.String("type", string(event.Type)),
			zap.String("current", string(event.Current)),
			zap.String("available", string(event.Available)),
			zap.String("detail", event.Detail))
	}
}
