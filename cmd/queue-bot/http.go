package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/StationQueue/internal/integrations/messenger/kafkaevents"
	"github.com/BearBump/StationQueue/internal/services/queue"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	httpSwagger "github.com/swaggo/http-swagger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

//go:embed swagger.json
var embeddedSwagger []byte

type opsHTTPOpts struct {
	bot         *bot
	swaggerPath string
	// grpcAddr empty leaves /health/grpc unmounted.
	grpcAddr string
}

type stationInfo struct {
	Name   string  `json:"name"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Active int     `json:"active"`
}

type queueOut struct {
	Station string        `json:"station"`
	Total   int           `json:"total"`
	Entries []queue.Entry `json:"entries"`
	Text    string        `json:"text"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newOpsRouter(opts opsHTTPOpts) (http.Handler, func(), error) {
	b := opts.bot
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	// swagger UI served from another host calls the ops API directly
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := b.store.Ping(pingCtx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.rec.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		// без токенов и паролей
		q := b.cfg.Queue
		writeJSON(w, http.StatusOK, map[string]any{
			"database":               b.cfg.Database.Driver,
			"messenger":              b.cfg.Messenger.Kind,
			"stationsPath":           q.StationsPath,
			"allowedRadiusMeters":    q.AllowedRadiusMeters,
			"evictionMarginMeters":   q.EvictionMarginMeters,
			"tickIntervalSeconds":    q.TickIntervalSeconds,
			"concurrency":            q.Concurrency,
			"driverTimeoutSeconds":   q.DriverTimeoutSeconds,
			"enforceJoinRadius":      q.JoinRadiusEnforced(),
			"evictionEnabled":        q.Eviction(),
			"firstPlaceAlertEnabled": q.FirstPlaceAlert(),
			"queueEventsEnabled":     b.cfg.Kafka.Enabled(),
			"redisEnabled":           b.cfg.Redis.Addr != "",
		})
	})

	r.Get("/stations", func(w http.ResponseWriter, r *http.Request) {
		loads, err := b.store.ListStationsInUse(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		active := make(map[string]int, len(loads))
		for _, l := range loads {
			active[l.Station] = l.Active
		}
		out := make([]stationInfo, 0, len(b.resolver.Stations()))
		for _, s := range b.resolver.Stations() {
			out = append(out, stationInfo{Name: s.Name, Lat: s.Position.Lat, Lon: s.Position.Lon, Active: active[s.Name]})
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/queues/{station}", func(w http.ResponseWriter, r *http.Request) {
		station := chi.URLParam(r, "station")
		view, err := b.views.Build(r.Context(), station, 0, math.Inf(1))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, queueOut{Station: view.Station, Total: view.Total, Entries: view.Entries, Text: view.Body()})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		b.rec.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	if b.msg.inject != nil {
		r.Post("/events", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			ev, err := kafkaevents.Decode(body)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			b.msg.inject.Push(ev)
			writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
		})
	}

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if opts.swaggerPath != "" {
			if _, err := os.Stat(opts.swaggerPath); err == nil {
				http.ServeFile(w, r, opts.swaggerPath)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(embeddedSwagger)
	})
	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); opts.swaggerPath != "" && err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	cleanup := func() {}
	if opts.grpcAddr != "" {
		conn, err := grpc.NewClient(dialAddr(opts.grpcAddr), grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = conn.Close() }
		mux := runtime.NewServeMux(runtime.WithHealthEndpointAt(healthpb.NewHealthClient(conn), "/health/grpc"))
		r.Handle("/health/grpc", mux)
	}
	return r, cleanup, nil
}

// dialAddr turns a wildcard listen address into one a client can connect to.
func dialAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func runOpsHTTPServer(ctx context.Context, lis net.Listener, opts opsHTTPOpts) error {
	h, cleanup, err := newOpsRouter(opts)
	if err != nil {
		_ = lis.Close()
		return err
	}
	defer cleanup()

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("ops HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
