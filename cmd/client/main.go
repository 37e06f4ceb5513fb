package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"e2e_messenger/internal/config"
	"e2e_messenger/internal/metrics"
	"e2e_messenger/internal/repository/callrecord"
	"e2e_messenger/internal/repository/contact"
	"e2e_messenger/internal/repository/memory"
	"e2e_messenger/internal/repository/message"
	"e2e_messenger/internal/service/api"
	"e2e_messenger/internal/service/app"
	"e2e_messenger/internal/service/connection"
	"e2e_messenger/internal/service/outbox"
	redisSvc "e2e_messenger/internal/service/redis"
	"e2e_messenger/internal/utils/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logFile    string
		memoryMode bool
	)

	cmd := &cobra.Command{
		Use:   "client <profile>",
		Short: "Terminal messenger with end-to-end encrypted delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("memory") {
				cfg.Memory = memoryMode
			}
			// the terminal belongs to the UI
			if err := log.Init(cfg.LogLevel, logFile); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a config file (yaml, json or toml)")
	cmd.Flags().StringVar(&logFile, "log-file", "client.log", "where to write logs")
	cmd.Flags().BoolVar(&memoryMode, "memory", false, "keep everything in memory, no mongo or redis")
	return cmd
}

func run(ctx context.Context, cfg config.Config, profile string) error {
	deps, cleanup, err := storage(ctx, cfg, profile)
	if err != nil {
		return err
	}
	defer cleanup()

	var session *app.Session
	directory, err := api.NewClient(cfg.HTTPBase, nil, func() string {
		return session.Credentials().SessionToken()
	})
	if err != nil {
		return err
	}
	deps.Directory = directory
	deps.Backup = directory
	deps.Dialer = connection.WebsocketDialer{}

	reg := prometheus.NewRegistry()
	session = app.NewSession(cfg, deps, log.L(), metrics.New(reg))
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg)
	}

	ui := app.NewApp(session)
	go func() {
		<-ctx.Done()
		ui.Stop()
	}()
	return ui.Run(ctx, profile)
}

// storage picks the in-memory repositories or mongo plus redis. Each profile
// gets its own database so two local accounts never share history.
func storage(ctx context.Context, cfg config.Config, profile string) (app.Deps, func(), error) {
	if cfg.Memory {
		log.Info("using in-memory storage", zap.String("profile", profile))
		return app.Deps{
			Messages:      memory.NewMessageRepo(),
			Conversations: memory.NewConversationRepo(),
			Contacts:      memory.NewContactRepo(),
			CallRecords:   memory.NewCallRecordRepo(),
			Outbox:        outbox.NewMemoryStore(),
		}, func() {}, nil
	}

	mongoDBClient, err := initMongo(cfg.Mongo.URI)
	if err != nil {
		return app.Deps{}, nil, fmt.Errorf("mongo: %w", err)
	}
	db := mongoDBClient.Database(cfg.Mongo.Database + "_" + profile)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redis := redisSvc.NewRedis(rdb)
	if err := redis.Ping(ctx); err != nil {
		rdb.Close()
		mongoDBClient.Disconnect(context.Background())
		return app.Deps{}, nil, fmt.Errorf("redis: %w", err)
	}

	cleanup := func() {
		rdb.Close()
		mongoDBClient.Disconnect(context.Background())
	}
	return app.Deps{
		Messages:      message.NewMessageRepo(db),
		Conversations: message.NewConversationRepo(db),
		Contacts:      contact.NewContactRepo(db),
		CallRecords:   callrecord.NewCallRecordRepo(db),
		Outbox:        outbox.NewRedisStore(redis, profile),
		State:         redis,
	}, cleanup, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server", zap.Error(err))
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
