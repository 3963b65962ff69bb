// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command veritas starts the Aleutian Veritas API server.
//
// Aleutian Veritas assigns calibrated confidence scores to RAG answers:
//   - Query complexity analysis and confidence-aware retrieval
//   - Semantic reranking and bounded context assembly
//   - Token-level and heuristic confidence extraction
//   - Multi-signal evaluation with an ACCEPT/REVIEW/REGENERATE/REJECT decision
//   - Statistical calibration (temperature, Platt, isotonic) trained from feedback
//
// Usage:
//
//	go run ./cmd/veritas
//	go run ./cmd/veritas -port 9090 -config configs/veritas.yaml
//
// With a local OpenAI-compatible backend:
//
//	OPENAI_BASE_URL=http://localhost:8000/v1/chat/completions OPENAI_MODEL=local go run ./cmd/veritas
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/veritas/health
//
//	# Ask a question
//	curl -X POST http://localhost:8080/v1/veritas/answer \
//	  -H "Content-Type: application/json" \
//	  -d '{"query": "What is a goroutine?", "includeEvidence": true}'
//
//	# Train calibration from accumulated feedback
//	curl -X POST http://localhost:8080/v1/veritas/calibration/train \
//	  -H "Content-Type: application/json" \
//	  -d '{"method": "temperature"}'
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	weaviate "github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianVeritas/services/llm"
	"github.com/AleutianAI/AleutianVeritas/services/veritas"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/assemble"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/calibrate"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/complexity"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/config"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/deliver"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/evaluate"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/extract"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/perf"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/pipeline"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/rerank"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/retrieval"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	configPath := flag.String("config", "", "Path to a YAML config overlay")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so trace context flows from incoming
	// HTTP headers through all handlers and middleware.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	shutdownTracing := setupTracing()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("Invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Shared result cache plus the resource monitor that clears it under
	// memory pressure.
	cache := perf.NewCache(cfg.Cache.MaxEntries, cfg.Cache.TTL.Std(), cfg.Cache.Enabled, nil)
	monitor := perf.NewMonitor(cfg.Resources.SampleInterval.Std(),
		cfg.Resources.MemoryHighWaterMB, cfg.Resources.GoroutineHighWater, nil)
	monitor.RegisterCache(cache)
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitor.Start(monitorCtx)

	// Calibration persistence. Graceful degradation: if the store is
	// unavailable, calibration continues process-local.
	calibStore, calibrator := setupCalibration(cfg)

	docStore := setupDocumentStore()
	generator := setupGenerator()
	if generator == nil {
		slog.Error("No generation backend configured (set OPENAI_API_KEY or OPENAI_BASE_URL)")
		os.Exit(1)
	}

	evaluator := evaluate.NewEvaluator(cfg, nil)
	delivery := deliver.NewManager(cfg, calibrator, nil)
	reranker := rerank.NewBatchingReranker(rerank.NewOllamaEmbedder("", "", nil),
		cfg.Batch.Size, cfg.Batch.Timeout.Std(), nil)

	pipe, err := pipeline.New(cfg, pipeline.Deps{
		Analyzer:     complexity.NewAnalyzer(cache, nil),
		Retriever:    retrieval.NewRetriever(docStore, cache, cfg.Cache.TTL.Std(), nil),
		Reranker:     reranker,
		Builder:      assemble.NewBuilder(nil),
		Generator:    generator,
		Extractor:    extract.NewExtractor(nil),
		Evaluator:    evaluator,
		Calibrator:   calibrator,
		Delivery:     delivery,
		Monitor:      monitor,
		ModelForTier: modelTiersFromEnv(),
	}, nil)
	if err != nil {
		slog.Error("Failed to build pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handlers := veritas.NewHandlers(pipe, evaluator, calibrator, delivery, cache, nil)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-veritas"))
	if limiter := rateLimiterFromEnv(); limiter != nil {
		router.Use(rateLimitMiddleware(limiter))
	}
	if *debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	veritas.RegisterRoutes(v1, handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	printBanner(*port, docStore != nil)

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("Shutting down Aleutian Veritas server")
		stopMonitor()
		monitor.Stop()
		if calibStore != nil {
			if err := calibStore.Close(); err != nil {
				slog.Warn("Failed to close calibration store", slog.String("error", err.Error()))
			}
		}
		shutdownTracing()
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Starting Aleutian Veritas server", slog.String("address", addr))
	if err := router.Run(addr); err != nil {
		slog.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// loadConfig reads the overlay when given, defaults otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// setupTracing installs an OTLP trace exporter when an endpoint is
// configured. Without one, spans stay no-ops. Returns a shutdown func.
func setupTracing() func() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(endpoint))
	if err != nil {
		slog.Warn("OTLP trace exporter unavailable, tracing disabled",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("aleutian-veritas"),
		)),
	)
	otel.SetTracerProvider(tp)
	slog.Info("OTLP tracing enabled", slog.String("endpoint", endpoint))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Warn("Tracer provider shutdown failed", slog.String("error", err.Error()))
		}
	}
}

// setupCalibration opens the badger-backed parameter store and restores
// any persisted calibration state.
func setupCalibration(cfg *config.Config) (*calibrate.BadgerStore, *calibrate.Calibrator) {
	dataDir := os.Getenv("CALIBRATION_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".aleutian", "veritas", "calibration")
		}
	}

	var store *calibrate.BadgerStore
	if dataDir != "" {
		s, err := calibrate.NewBadgerStore(dataDir, nil)
		if err != nil {
			slog.Warn("Calibration store unavailable, persistence disabled",
				slog.String("path", dataDir),
				slog.String("error", err.Error()),
			)
		} else {
			store = s
			slog.Info("Calibration store opened", slog.String("path", dataDir))
		}
	}

	var storeIface calibrate.Store
	if store != nil {
		storeIface = store
	}
	calibrator := calibrate.NewCalibrator(cfg.Calibration.MinTrainingSamples, storeIface, nil)
	if err := calibrator.Restore(context.Background()); err != nil {
		slog.Warn("Failed to restore calibration parameters", slog.String("error", err.Error()))
	}
	return store, calibrator
}

// setupDocumentStore connects to Weaviate when configured. Without it
// the retriever runs in lightweight mode and every answer is FALLBACK.
func setupDocumentStore() retrieval.DocumentStore {
	weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Running without retrieval.")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running without retrieval.",
			slog.String("url", weaviateURL))
		return nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client", slog.String("error", err.Error()))
		return nil
	}

	className := os.Getenv("WEAVIATE_CLASS_NAME")
	if className == "" {
		className = retrieval.DefaultClassName
	}
	store, err := retrieval.NewWeaviateStore(client, className)
	if err != nil {
		slog.Error("Failed to create Weaviate store", slog.String("error", err.Error()))
		return nil
	}
	slog.Info("Weaviate document store connected",
		slog.String("host", parsedURL.Host),
		slog.String("class", className),
	)
	return store
}

// setupGenerator builds the generation client. A configured base URL
// without an API key targets a local OpenAI-compatible backend.
func setupGenerator() llm.Generator {
	client, err := llm.NewOpenAIClient()
	if err == nil {
		return client
	}
	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		return nil
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "local"
	}
	slog.Info("Using keyless OpenAI-compatible backend",
		slog.String("base_url", baseURL),
		slog.String("model", model),
	)
	return llm.NewOpenAIClientWithConfig("", model, baseURL)
}

// modelTiersFromEnv maps complexity tiers to backend model names.
func modelTiersFromEnv() map[perf.ModelTier]string {
	tiers := make(map[perf.ModelTier]string)
	for tier, envVar := range map[perf.ModelTier]string{
		perf.TierLight:    "VERITAS_MODEL_LIGHT",
		perf.TierStandard: "VERITAS_MODEL_STANDARD",
		perf.TierHeavy:    "VERITAS_MODEL_HEAVY",
	} {
		if model := os.Getenv(envVar); model != "" {
			tiers[tier] = model
		}
	}
	return tiers
}

// rateLimiterFromEnv builds a global limiter from RATE_LIMIT_QPS.
// Unset or non-positive disables limiting.
func rateLimiterFromEnv() *rate.Limiter {
	qps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_QPS"), 64)
	if err != nil || qps <= 0 {
		return nil
	}
	burst := int(qps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(qps), burst)
}

// rateLimitMiddleware rejects requests over the configured rate with 429.
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"code":  "RATE_LIMITED",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func printBanner(port int, retrievalEnabled bool) {
	retrievalState := "enabled"
	if !retrievalEnabled {
		retrievalState = "disabled (lightweight mode)"
	}
	fmt.Printf(`
Aleutian Veritas
================
  Port:       %d
  Retrieval:  %s
  Endpoints:  /v1/veritas/answer  /v1/veritas/evaluate  /v1/veritas/feedback/:id
              /v1/veritas/calibration/train  /v1/veritas/stats  /metrics

`, port, retrievalState)
}
