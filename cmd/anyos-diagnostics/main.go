// anyos-diagnostics boots the simulated kernel and exposes its sysinfo
// contract over a small HTTP surface: the current
// memory summary, per-thread table, and per-CPU scheduler counters,
// plus the snapshot history the sampling loop accumulates. Each
// response carries a correlation id so a log line can be tied back to
// the request that produced it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/anyos-project/corekernel/internal/kernelboot"
	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/pkg/sysinfo"
)

var (
	flagListen   string
	flagCPUs     int
	flagRAMMB    int
	flagSampleMS int
	flagDebug    bool
)

func main() {
	root := &cobra.Command{
		Use:   "anyos-diagnostics",
		Short: "Serve the simulated kernel's sysinfo tables over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&flagListen, "listen", "127.0.0.1:7700", "HTTP listen address")
	root.Flags().IntVar(&flagCPUs, "cpus", 2, "number of simulated CPUs")
	root.Flags().IntVar(&flagRAMMB, "ram-mb", 64, "simulated RAM size in MiB")
	root.Flags().IntVar(&flagSampleMS, "sample-ms", 1000, "snapshot sampling interval in milliseconds")
	root.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	level := logging.LevelInfo
	if flagDebug {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr})

	sys, err := kernelboot.BringUp(kernelboot.Config{
		Info:    kernelboot.StubInfo(uint64(flagRAMMB) << 20),
		NumCPUs: flagCPUs,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer sys.Close()

	// Drive the scheduler in the background so the tables being served
	// describe a live system, not a frozen one.
	go func() {
		_ = sys.Sched.Run(ctx, func(cpu int) {
			sys.Sched.Tick(cpu)
			time.Sleep(10 * time.Millisecond)
		})
	}()

	// Sampling loop: record each kind at the configured interval so
	// /history has data even when nobody polls the current tables.
	go func() {
		ticker := time.NewTicker(time.Duration(flagSampleMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, kind := range []uint32{0, 1, 3} {
					sys.Kernel.Sysinfo(kind)
				}
			}
		}
	}()

	srv := &http.Server{Addr: flagListen, Handler: newRouter(sys, logger)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("anyos-diagnostics: listening on %s", flagListen)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newRouter(sys *kernelboot.System, logger *logging.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := "diag-" + uuid.New().String()
			w.Header().Set("X-Request-ID", id)
			logger.Debugf("diagnostics: %s %s %s", id, req.Method, req.URL.Path)
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/sysinfo/{kind}", func(w http.ResponseWriter, req *http.Request) {
		kind, err := strconv.ParseUint(chi.URLParam(req, "kind"), 10, 32)
		if err != nil {
			http.Error(w, "bad kind", http.StatusBadRequest)
			return
		}
		buf, errno := sys.Kernel.Sysinfo(uint32(kind))
		if errno != 0 {
			http.Error(w, fmt.Sprintf("sysinfo failed: errno %d", errno), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(buf)
	})

	r.Get("/sysinfo/{kind}/history", func(w http.ResponseWriter, req *http.Request) {
		kind, err := strconv.ParseUint(chi.URLParam(req, "kind"), 10, 32)
		if err != nil {
			http.Error(w, "bad kind", http.StatusBadRequest)
			return
		}
		limit := 0
		if q := req.URL.Query().Get("limit"); q != "" {
			if limit, err = strconv.Atoi(q); err != nil {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
		}
		hist, err := sys.Sys.History(sysinfo.Kind(kind), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hist)
	})

	return r
}
