package main

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"meropaalo/queue-engine/internal/cache"
	"meropaalo/queue-engine/internal/config"
	"meropaalo/queue-engine/internal/directory"
	"meropaalo/queue-engine/internal/httpapi"
	"meropaalo/queue-engine/internal/hub"
	"meropaalo/queue-engine/internal/store"
	"meropaalo/queue-engine/internal/store/postgres"
	"meropaalo/queue-engine/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

const zeroUUID = "00000000-0000-0000-0000-000000000000"

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup(telemetry.Config{
		ServiceName: "queue-engine",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("load timezone %q: %v", cfg.Timezone, err)
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool, postgres.Options{
		Timezone:              cfg.Timezone,
		DefaultServiceMinutes: cfg.DefaultServiceMinutes,
	})

	publicCache, err := cache.New(cfg.RedisURL, cfg.PublicCacheTTL)
	if err != nil {
		log.Printf("redis unavailable, public info caching disabled: %v", err)
		publicCache = nil
	}
	defer func() { _ = publicCache.Close() }()

	handler := httpapi.NewHandler(st, httpapi.Options{
		Cache:               publicCache,
		Directory:           directory.NewClient(cfg.DirectoryURL),
		Location:            location,
		PeakWindowStartHour: cfg.PeakWindowStartHour,
		PeakWindowEndHour:   cfg.PeakWindowEndHour,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:         cfg.RateLimitPerMinute,
		IPBurst:             cfg.RateLimitBurst,
		DepartmentPerMinute: cfg.DepartmentRateLimitPerMinute,
		DepartmentBurst:     cfg.DepartmentRateLimitBurst,
	})

	boards := hub.New()
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", newBoardHandler(boards))
	mux.Handle("/", handler.Routes())

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-engine")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-engine listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go runAutoClose(st, location, cfg.AutoCloseInterval, cfg.AutoCloseBatchSize)
	go runBroadcaster(st, boards, cfg.BroadcastPollInterval, cfg.BroadcastBatchSize)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func newBoardHandler(boards *hub.Hub) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		boards.Register(client)
		defer boards.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				boards.UpdateSubscription(client, "")
				continue
			}
			boards.UpdateSubscription(client, parsed.DepartmentID)
		}
	})
}

// runAutoClose sweeps queue-days whose operating window has passed; explicit
// close remains the normal path, this catches days staff forgot to close.
func runAutoClose(st store.QueueStore, location *time.Location, interval time.Duration, batchSize int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now().In(location)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		count, err := st.AutoCloseQueueDays(ctx, now.Format("2006-01-02"), now.Format("15:04"), batchSize)
		cancel()
		if err != nil {
			log.Printf("auto close error: %v", err)
			continue
		}
		if count > 0 {
			log.Printf("auto close processed %d queue days", count)
		}
	}
}

func runBroadcaster(st store.QueueStore, boards *hub.Hub, interval time.Duration, batchSize int) {
	if interval <= 0 {
		return
	}
	offset, err := st.GetBroadcastOffset(context.Background())
	if err != nil {
		log.Printf("load broadcast offset error: %v", err)
	}
	if offset.LastEventTime.IsZero() {
		offset.LastEventTime = time.Unix(0, 0).UTC()
	}
	if offset.LastEventID == "" {
		offset.LastEventID = zeroUUID
	}

	var running int32
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		events, err := st.ListOutboxEvents(ctx, offset, batchSize)
		cancel()
		if err == nil {
			for _, event := range events {
				offset.LastEventTime = event.CreatedAt
				offset.LastEventID = event.EventID
				env := eventEnvelope{Type: event.Type, Payload: event.Payload, CreatedAt: event.CreatedAt}
				payload, _ := json.Marshal(env)
				boards.Broadcast(payload, event.DepartmentID)
			}
			if len(events) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := st.UpdateBroadcastOffset(ctx, offset); err != nil {
					log.Printf("update broadcast offset error: %v", err)
				}
				cancel()
			}
		}
		atomic.StoreInt32(&running, 0)
	}
}
