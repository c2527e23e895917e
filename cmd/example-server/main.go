package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MykeChidi/ratethrottle"
	"github.com/MykeChidi/ratethrottle/internal/backend"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	var rateBackend backend.Backend
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		rateBackend, err = backend.NewRedisBackend(client,
			backend.WithRedisPrefix("demo:"),
			backend.WithRedisTimeout(100*time.Millisecond),
			backend.WithRedisLogger(logger),
		)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("using Redis backend at %s", redisAddr)
	} else {
		rateBackend = backend.NewMemoryBackend(backend.WithMemoryLogger(logger))
		log.Print("using in-process backend (set REDIS_ADDR for a shared backend)")
	}

	recorder := ratethrottle.NewPrometheusRecorder(prometheus.DefaultRegisterer, "")

	engine, err := ratethrottle.New(
		ratethrottle.WithBackend(rateBackend),
		ratethrottle.WithLogger(logger),
		ratethrottle.WithFailOpen(true),
		ratethrottle.WithAutoBlock(true, 5*time.Minute),
		ratethrottle.WithMetricsRecorder(recorder),
	)
	if err != nil {
		log.Fatal(err)
	}

	err = engine.AddRule(ratethrottle.Rule{
		Name:     "ping",
		Limit:    5,
		Window:   time.Second,
		Burst:    10,
		Strategy: ratethrottle.TokenBucket,
		Scope:    ratethrottle.ScopeIP,
	})
	if err != nil {
		log.Fatal(err)
	}

	http.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		verdict, err := engine.Check(ctx, r.RemoteAddr, "ping", ratethrottle.Metadata{Endpoint: "/ping", Method: r.Method})
		if err != nil {
			log.Printf("Check error: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", verdict.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", verdict.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", verdict.ResetTime.Unix()))

		if !verdict.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", verdict.RetryAfter.Seconds()))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("Rate limit exceeded\n"))
			return
		}

		w.Write([]byte("Pong!\n"))
	})

	http.Handle("/metrics", promhttp.Handler())

	log.Print("Server listening on :8080")
	if err := http.ListenAndServe(":8080", nil); err != nil {
		log.Fatal(err)
	}
}
