package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/liamashdown/marketrecorder/internal/config"
	"github.com/liamashdown/marketrecorder/internal/market"
	"github.com/liamashdown/marketrecorder/internal/metrics"
	"github.com/liamashdown/marketrecorder/internal/polymarket/clobapi"
	"github.com/liamashdown/marketrecorder/internal/polymarket/gammaapi"
	"github.com/liamashdown/marketrecorder/internal/polymarket/marketws"
	"github.com/liamashdown/marketrecorder/internal/recorder"
	"github.com/liamashdown/marketrecorder/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	// Initialize logger
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)

	flags, err := config.ParseFlags(os.Args[0], os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	if err := run(flags, log); err != nil {
		log.WithError(err).Error("Recorder exited with error")
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(flags *config.Flags, log *logrus.Logger) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	log.WithFields(logrus.Fields{
		"environment":   cfg.Environment,
		"db_driver":     cfg.DatabaseDriver,
		"db_path":       cfg.DatabasePath,
		"interval":      cfg.Interval.String(),
		"min_volume":    cfg.MinVolume,
		"min_liquidity": cfg.MinLiquidity,
		"once":          cfg.Once,
		"trades":        cfg.Trades,
	}).Info("Configuration loaded")

	// The snapshot loop and the stream each get their own handle
	loopDB, err := storage.New(cfg, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer loopDB.Close()

	if err := loopDB.AutoMigrate(); err != nil {
		return fmt.Errorf("run database migrations: %w", err)
	}
	log.Info("Database ready")

	gammaClient := gammaapi.NewClient(cfg, log)

	var books recorder.BookFetcher
	if cfg.OrderbookDepth > 0 {
		books = clobapi.NewClient(cfg)
	}

	rec := recorder.New(cfg, gammaClient, books, loopDB, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.Once {
		server := newHTTPServer(cfg, rec)
		go func() {
			log.WithField("port", cfg.HealthPort).Info("Starting HTTP server (health + metrics)")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("HTTP server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	var wg sync.WaitGroup
	if cfg.Trades && !cfg.Once {
		streamDB, err := storage.New(cfg, log)
		if err != nil {
			return fmt.Errorf("open stream database handle: %w", err)
		}
		defer streamDB.Close()

		startStream(ctx, &wg, cfg, log, rec, streamDB)
	}

	err = rec.Run(ctx)
	stop()
	wg.Wait()
	return err
}

// startStream launches the sink and subscribes to the token ids of the first
// cycle that finds eligible markets.
func startStream(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, log *logrus.Logger, rec *recorder.Recorder, db *storage.DB) {
	sink := recorder.NewStreamSink(db, log, cfg.OrderbookDepth)
	stream := marketws.NewStream(cfg, log, nil)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sink.Run(ctx)
	}()

	var once sync.Once
	rec.OnCycle(func(res recorder.CycleResult) {
		var tokenIDs []string
		for _, m := range res.Eligible {
			tokenIDs = append(tokenIDs, m.TokenIDs()...)
		}
		if len(tokenIDs) == 0 {
			return
		}

		once.Do(func() {
			sink.SetTokenIndex(market.TokenIndex(res.Eligible))

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := stream.Run(ctx, tokenIDs, sink.Handle); err != nil {
					log.WithError(err).Error("Market stream stopped")
				}
			}()
		})
	})
}

func newHTTPServer(cfg *config.Config, rec *recorder.Recorder) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		metrics.RecordHealthCheck(true)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","state":"%s"}`, rec.State())
	})

	// Ready once a cycle has succeeded recently
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		last := rec.LastSuccess()
		ready := !last.IsZero() && time.Since(last) <= 3*cfg.Interval+cfg.CycleTimeout
		metrics.RecordHealthCheck(ready)

		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"not_ready"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ready","last_cycle":"%s"}`, last.Format(time.RFC3339))
	})

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HealthPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
