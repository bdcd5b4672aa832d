package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	apihttp "cuentatron-cloud/internal/api/http"
	"cuentatron-cloud/internal/auth"
	entapp "cuentatron-cloud/internal/entitlement/application"
	entitlement "cuentatron-cloud/internal/entitlement/domain"
	entpostgres "cuentatron-cloud/internal/entitlement/infrastructure/postgres"
	"cuentatron-cloud/internal/observability/metrics"
	parkpostgres "cuentatron-cloud/internal/parking/infrastructure/postgres"
	"cuentatron-cloud/internal/pipeline"
	teleapp "cuentatron-cloud/internal/telemetry/application"
	"cuentatron-cloud/internal/telemetry/infrastructure/influx"
	telepostgres "cuentatron-cloud/internal/telemetry/infrastructure/postgres"
	"cuentatron-cloud/internal/telemetry/infrastructure/quarantine"
	telemqtt "cuentatron-cloud/internal/telemetry/interfaces/mqtt"
	"cuentatron-cloud/internal/transition"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	pipelineCfg, err := pipeline.LoadConfig()
	if err != nil {
		logger.Fatalf("pipeline config error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	parkedRepo := parkpostgres.NewParkedRepository(db)
	if err := parkedRepo.EnsureSchema(schemaCtx); err != nil {
		cancelSchema()
		logger.Fatalf("parked schema error: %v", err)
	}
	bootRepo := telepostgres.NewBootSessionRepository(db)
	if err := bootRepo.EnsureSchema(schemaCtx); err != nil {
		cancelSchema()
		logger.Fatalf("boot session schema error: %v", err)
	}
	cancelSchema()

	metrics.Init(db, logger)

	quarantineStore, err := quarantine.NewStore(pipelineCfg.QuarantineDir)
	if err != nil {
		logger.Fatalf("quarantine store error: %v", err)
	}

	writer, err := influx.NewWriter(influx.Config{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	}, quarantineStore, logger,
		influx.WithMaxRetries(pipelineCfg.MaxRetries),
		influx.WithBackoffBase(pipelineCfg.BackoffBase()),
	)
	if err != nil {
		logger.Fatalf("influx writer error: %v", err)
	}
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	if err := writer.Connect(connectCtx); err != nil {
		cancelConnect()
		logger.Fatalf("influx connect error: %v", err)
	}
	cancelConnect()

	buffer, err := teleapp.NewBuffer(writer, logger,
		teleapp.WithBatchSize(pipelineCfg.BatchSize),
		teleapp.WithFlushTimeout(pipelineCfg.FlushTimeout()),
	)
	if err != nil {
		logger.Fatalf("buffer error: %v", err)
	}
	scheduler, err := teleapp.NewScheduler(buffer, logger)
	if err != nil {
		logger.Fatalf("scheduler error: %v", err)
	}

	queue := transition.NewQueue(logger,
		transition.WithWorkers(pipelineCfg.Workers),
		transition.WithCapacity(pipelineCfg.QueueCapacity),
	)
	replayWorker, err := transition.NewReplayWorker(parkedRepo, writer, logger)
	if err != nil {
		logger.Fatalf("replay worker error: %v", err)
	}
	purgeWorker, err := transition.NewPurgeWorker(parkedRepo, logger)
	if err != nil {
		logger.Fatalf("purge worker error: %v", err)
	}
	if err := queue.Register(entitlement.KindReplay, replayWorker); err != nil {
		logger.Fatalf("register replay worker error: %v", err)
	}
	if err := queue.Register(entitlement.KindPurge, purgeWorker); err != nil {
		logger.Fatalf("register purge worker error: %v", err)
	}

	subscriptionRepo := entpostgres.NewSubscriptionRepository(db)
	resolver, err := entapp.NewResolver(subscriptionRepo, queue, logger,
		entapp.WithCacheTTL(pipelineCfg.CacheTTL()),
		entapp.WithGraceDays(pipelineCfg.GraceDays),
	)
	if err != nil {
		logger.Fatalf("entitlement resolver error: %v", err)
	}

	handler, err := telemqtt.NewHandler(telemqtt.HandlerConfig{
		BootTopic:        pipelineCfg.BootTopic,
		MeasurementTopic: pipelineCfg.MeasurementTopic,
	}, buffer, resolver, parkedRepo, bootRepo, bootRepo, logger)
	if err != nil {
		logger.Fatalf("mqtt handler error: %v", err)
	}
	mqttClient := telemqtt.BuildClient(telemqtt.ClientConfig{
		BrokerURL:        cfg.MQTTBrokerURL,
		ClientID:         cfg.MQTTClientID,
		Username:         cfg.MQTTUsername,
		Password:         cfg.MQTTPassword,
		QoS:              byte(cfg.MQTTQoS),
		BootTopic:        pipelineCfg.BootTopic,
		MeasurementTopic: pipelineCfg.MeasurementTopic,
	}, handler, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive the signal context so Shutdown can drain in-flight
	// transitions on its own deadline.
	queue.Start(context.Background())
	go scheduler.Run(rootCtx)

	if err := telemqtt.ConnectWithBackoff(rootCtx, mqttClient, logger, time.Second, 30*time.Second); err != nil {
		logger.Fatalf("mqtt connect error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/parked", apihttp.NewParkedHandler(parkedRepo))
	mux.Handle("/api/v1/quarantine", apihttp.NewQuarantineHandler(quarantineStore))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-rootCtx.Done()
	logger.Printf("shutdown signal received")

	// Stop intake before the final flush so no batch is left behind.
	mqttClient.Disconnect(250)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	buffer.Close(shutdownCtx)
	queue.Shutdown(shutdownCtx)
	writer.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	logger.Printf("shutdown complete")
}

type config struct {
	DatabaseURL string
	HTTPAddr    string

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTQoS       int

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	JWTSecret string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:   getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:      getenvDefault("HTTP_ADDR", ":8080"),
		MQTTBrokerURL: getenvDefault("MQTT_BROKER_URL", ""),
		MQTTClientID:  getenvDefault("MQTT_CLIENT_ID", "cuentatron-ingest"),
		MQTTUsername:  getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:  getenvDefault("MQTT_PASSWORD", ""),
		MQTTQoS:       getenvIntDefault("MQTT_QOS", 1),
		InfluxURL:     getenvDefault("INFLUX_URL", ""),
		InfluxToken:   getenvDefault("INFLUX_TOKEN", ""),
		InfluxOrg:     getenvDefault("INFLUX_ORG", ""),
		InfluxBucket:  getenvDefault("INFLUX_BUCKET", ""),
		JWTSecret:     getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.MQTTBrokerURL == "" {
		log.Fatal("MQTT_BROKER_URL is required")
	}
	if cfg.InfluxURL == "" {
		log.Fatal("INFLUX_URL is required")
	}
	if cfg.InfluxBucket == "" {
		log.Fatal("INFLUX_BUCKET is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
