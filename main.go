package main

import (
	stdlog "log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/username/cryptotaxcalc/backend/src/config"
	"github.com/username/cryptotaxcalc/backend/src/database"
	"github.com/username/cryptotaxcalc/backend/src/handlers"
	"github.com/username/cryptotaxcalc/backend/src/logger"
	"github.com/username/cryptotaxcalc/backend/src/parsers"
	"github.com/username/cryptotaxcalc/backend/src/processors"
	"github.com/username/cryptotaxcalc/backend/src/security"
	"github.com/username/cryptotaxcalc/backend/src/services"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

const version = "0.3.0"

var limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:3000": true,
		}

		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == "OPTIONS" {
			logger.L.Debug("Handling OPTIONS preflight request", "path", r.URL.Path, "origin", origin)
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("CryptoTaxCalc backend server starting...", "version", version)

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	logger.L.Info("Database initialized successfully.")

	logger.L.Info("Initializing result cache...")
	resultCache := cache.New(15*time.Minute, 30*time.Minute)

	logger.L.Info("Initializing services and handlers...")
	attestationService := security.NewAttestationService(config.Cfg.AttestationSecret, config.Cfg.AttestationExpiry)
	runNotifier := services.NewRunNotifier()

	uploadService := services.NewUploadService(parsers.NewCSVParser(), parsers.NewTransactionNormalizer())
	fxService := services.NewFxService()
	calcService := services.NewCalcService(
		uploadService,
		fxService,
		processors.NewDisposalCalculator(),
		attestationService,
		runNotifier,
		resultCache,
	)

	if config.Cfg.FxRatesPath != "" {
		if err := fxService.LoadRatesFromFile(config.Cfg.FxRatesPath, "startup file"); err != nil {
			logger.L.Warn("Could not preload FX rates; import via POST /api/fx/upload",
				"path", config.Cfg.FxRatesPath, "error", err)
		}
	}

	uploadHandler := handlers.NewUploadHandler(uploadService)
	txHandler := handlers.NewTransactionHandler(uploadService)
	fxHandler := handlers.NewFxHandler(fxService)
	calcHandler := handlers.NewCalcHandler(calcService)
	attestationHandler := handlers.NewAttestationHandler(attestationService, calcService)

	logger.L.Info("Configuring routes...")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)
	r.Use(rateLimitMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.SendJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		utils.SendJSON(w, map[string]string{
			"version":      version,
			"rule_version": config.Cfg.RuleVersion,
			"jurisdiction": config.Cfg.Jurisdiction,
		}, http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload/csv", uploadHandler.HandlePreviewCSV)
		r.Post("/import/csv", uploadHandler.HandleImportCSV)
		r.Get("/transactions", txHandler.HandleGetTransactions)

		r.Post("/fx/upload", fxHandler.HandleUploadRates)

		r.Post("/calculate", calcHandler.HandleRunCalculation)
		r.Get("/results/latest", calcHandler.HandleGetLatestResult)
		r.Get("/runs", calcHandler.HandleListRuns)
		r.Get("/runs/{runID}", calcHandler.HandleGetRun)

		r.Get("/audit/verify/{runID}", calcHandler.HandleVerifyRun)
		r.Post("/audit/attestation/verify", attestationHandler.HandleVerifyAttestation)
	})

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.L.Error("Failed to start server", "error", err)
		stdlog.Fatalf("Failed to start server: %v", err)
	} else if err == http.ErrServerClosed {
		logger.L.Info("Server stopped gracefully.")
	}
}
