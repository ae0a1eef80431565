// Package app wires the configured components together and runs the
// ingestion service: scheduled scrapes feed the pipeline, the review
// sweep expires stale items, and the metrics endpoint exposes counters.
package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"tallyflow/internal/breaker"
	"tallyflow/internal/classify"
	"tallyflow/internal/config"
	"tallyflow/internal/domain"
	"tallyflow/internal/httpx"
	"tallyflow/internal/integrations/anthropicvision"
	slacknotify "tallyflow/internal/integrations/slack"
	"tallyflow/internal/integrations/tesseract"
	"tallyflow/internal/ocr"
	"tallyflow/internal/pipeline"
	"tallyflow/internal/review"
	"tallyflow/internal/scrape"
	"tallyflow/internal/storage/sqlite"
)

func Main() {
	_ = godotenv.Load()
	cfg := config.LoadConfig()

	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Printf("config loaded zones=%d provider=%s workers=%d queue=%d http_timeout=%s",
		len(cfg.Zones), cfg.OCRProvider, cfg.OCRWorkers, cfg.OCRQueueSize, appliedHTTPTimeout)

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	log.Printf("database initialized path=%s", cfg.DBPath)
	defer db.Close()

	if err := os.MkdirAll(cfg.ImageDir, 0o755); err != nil {
		log.Fatalf("Failed to create image dir %s: %v", cfg.ImageDir, err)
	}

	var reviewNotifier review.Notifier
	var failNotifier pipeline.FailureNotifier
	if cfg.SlackBotToken != "" {
		n := slacknotify.New(cfg.SlackBotToken, cfg.SlackReviewChannel)
		reviewNotifier, failNotifier = n, n
		log.Printf("slack escalation enabled channel=%s", cfg.SlackReviewChannel)
	}

	portalBreaker := newBreaker("portal", cfg.PortalBreaker)
	captchaBreaker := newBreaker("captcha", cfg.CaptchaBreaker)
	ocrBreaker := newBreaker("ocr", cfg.OCRBreaker)

	engine := newEngine(cfg)
	classifier := classify.New(classify.Thresholds{
		High:           cfg.ConfidenceHigh,
		Low:            cfg.ConfidenceLow,
		ReviewSeverity: cfg.ReviewSeverityLevel(),
	})

	portal := &scrape.HTTPPortal{
		BaseURL:    cfg.PortalURL,
		APIToken:   cfg.PortalToken,
		Client:     httpx.Client(),
		SessionTTL: 10 * time.Minute,
	}
	var solver scrape.Solver
	if cfg.CaptchaEnabled {
		solver = &scrape.HTTPSolver{
			URL:     cfg.CaptchaURL,
			APIKey:  cfg.CaptchaAPIKey,
			Client:  httpx.Client(),
			Timeout: time.Duration(cfg.CaptchaTimeoutSeconds) * time.Second,
		}
		log.Printf("captcha solver enabled url=%s", cfg.CaptchaURL)
	}
	sessions := scrape.NewSessionPool(portal, solver, portalBreaker, captchaBreaker)
	scraper := scrape.NewScraper(sessions, portalBreaker, scrape.Config{
		ParallelZones: cfg.ScrapeParallelZones,
		MaxRetries:    cfg.ScrapeMaxRetries,
		BackoffBase:   time.Duration(cfg.ScrapeBackoffBaseMs) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.ScrapeBackoffMaxMs) * time.Millisecond,
	})

	reviews := review.New(db, reviewNotifier, time.Duration(cfg.ReviewTTLHours)*time.Hour)

	registry := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(registry)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, registry)
	}

	orch := pipeline.New(db, engine, classifier, ocrBreaker, cfg.FormLayout, reviews, failNotifier, metrics, pipeline.Config{
		ImageDir:      cfg.ImageDir,
		QueueCapacity: cfg.OCRQueueSize,
		Workers:       cfg.OCRWorkers,
		MaxRetries:    cfg.OCRMaxRetries,
		InferTimeout:  cfg.OCRTimeoutSeconds,
	})
	if err := orch.Start(); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	runScrape := func() {
		log.Printf("scrape run starting zones=%d", len(cfg.Zones))
		err := scraper.FetchZones(context.Background(), cfg.Zones, func(zone domain.Zone, img scrape.StationImage) error {
			return orch.RegisterForm(zone, img)
		})
		if err != nil {
			log.Printf("scrape run finished with errors: %v", err)
		} else {
			log.Printf("scrape run finished")
		}
	}

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.ScrapeSchedule, runScrape); err != nil {
		log.Fatalf("Invalid scrape_schedule '%s': %v", cfg.ScrapeSchedule, err)
	}
	sweepSpec := "@every " + (time.Duration(cfg.ReviewSweepIntervalMinutes) * time.Minute).String()
	if _, err := sched.AddFunc(sweepSpec, func() {
		if _, err := reviews.ExpireStale(); err != nil {
			log.Printf("review sweep error: %v", err)
		}
	}); err != nil {
		log.Fatalf("Invalid review sweep interval: %v", err)
	}
	sched.Start()
	log.Printf("schedulers started scrape=%q sweep=%q", cfg.ScrapeSchedule, sweepSpec)

	// First scrape immediately; subsequent runs follow the schedule.
	go runScrape()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("shutdown signal received, draining")
	<-sched.Stop().Done()
	if err := orch.Stop(); err != nil {
		log.Printf("pipeline stop error: %v", err)
	}
	log.Printf("shutdown complete")
}

func newBreaker(name string, bc config.BreakerConfig) *breaker.Breaker {
	return breaker.New(name, bc.FailureThreshold, time.Duration(bc.ResetTimeoutSeconds)*time.Second)
}

func newEngine(cfg config.Config) ocr.Engine {
	switch cfg.OCRProvider {
	case "tesseract":
		return tesseract.New(cfg.TesseractLangs...)
	default:
		return anthropicvision.New(cfg.AnthropicAPIKey, cfg.OCRModel)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	log.Printf("metrics listening addr=%s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server error: %v", err)
	}
}
