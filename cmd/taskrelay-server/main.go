package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/taskrelay/taskrelay/internal/batch"
	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/dispatch"
	"github.com/taskrelay/taskrelay/internal/ledger"
	"github.com/taskrelay/taskrelay/internal/metrics"
	"github.com/taskrelay/taskrelay/internal/runner"
	"github.com/taskrelay/taskrelay/internal/scheduler"
	"github.com/taskrelay/taskrelay/internal/server"
	"github.com/taskrelay/taskrelay/internal/state"
	"github.com/taskrelay/taskrelay/internal/tracing"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := server.LoadConfig()
	if cfg.APIKey == "" && !cfg.AllowInsecureNoAuth {
		logger.Error("refusing to start without API authentication", "hint", "set RELAY_API_KEY or RELAY_ALLOW_INSECURE_NO_AUTH=true for local development")
		os.Exit(1)
	}
	if cfg.AllowInsecureNoAuth {
		logger.Warn("running without authentication; set RELAY_API_KEY for any shared or production environment")
	}

	// OpenTelemetry (opt-in via RELAY_OTEL_ENABLED or OTEL_EXPORTER_OTLP_ENDPOINT)
	otelShutdown, err := tracing.Setup("taskrelay")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown()

	awsCfg, err := buildAWSConfig(cfg)
	if err != nil {
		logger.Error("failed to configure AWS", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	var store state.Store
	switch cfg.Store {
	case "memory":
		store = state.NewMemoryStore()
		logger.Info("in-memory state store ready; state is lost on restart")
	default:
		dynamoStore := state.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
		if err := dynamoStore.EnsureTable(context.Background()); err != nil {
			logger.Error("failed to ensure DynamoDB table", "error", err)
			os.Exit(1)
		}
		store = dynamoStore
		logger.Info("DynamoDB state store ready", "table", cfg.DynamoDBTable)
	}

	dispatcher := dispatch.New(sqsClient, store, cfg.SQSQueuePrefix, cfg.UseFIFO)
	dispatcher.SetLogger(logger)
	defer dispatcher.Close()

	metrics.Init(core.Version, cfg.Store)
	logger.Info("transport ready",
		"prefix", cfg.SQSQueuePrefix,
		"fifo", cfg.UseFIFO,
		"region", cfg.AWSRegion,
	)

	broker := dispatch.NewPubSubBroker()
	defer broker.Close()

	lg := ledger.New(store, logger)
	coordinator := batch.New(store, dispatcher, logger)
	coordinator.SetEventPublisher(broker)

	taskRunner := runner.New(store, lg, logger)
	taskRunner.SetBatchNotifier(coordinator)
	taskRunner.SetEventPublisher(broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := dispatch.NewConsumer(dispatcher, taskRunner, cfg.Queues, cfg.ConsumerConcurrency, logger)
	consumer.Start(ctx)
	defer consumer.Stop()

	sched := scheduler.New(dispatcher, logger)
	sched.Start()
	defer sched.Stop()

	router := server.NewRouter(server.Deps{
		Store:       store,
		Dispatcher:  dispatcher,
		Coordinator: coordinator,
		Ledger:      lg,
		Subscriber:  broker,
	}, logger, cfg)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// gRPC health endpoint for load balancer and orchestrator probes
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("taskrelay", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Error("failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		logger.Info("gRPC health server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthServer.SetServingStatus("taskrelay", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	cancel()
	consumer.Stop()
	sched.Stop()
	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func buildAWSConfig(cfg server.Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.AWSRegion),
	}

	// For LocalStack or custom endpoints
	if cfg.AWSEndpointURL != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.AWSEndpointURL,
					HostnameImmutable: true,
					PartitionID:       "aws",
				}, nil
			},
		)
		opts = append(opts,
			config.WithEndpointResolverWithOptions(customResolver),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	return config.LoadDefaultConfig(context.Background(), opts...)
}
