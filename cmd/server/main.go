package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"e2e_messenger/internal/config"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/repository/user"
	redisSvc "e2e_messenger/internal/service/redis"
	"e2e_messenger/internal/service/server"
	"e2e_messenger/internal/utils/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Development relay: accounts, key directory, message queue and contact backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.LogLevel); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a config file (yaml, json or toml)")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	mongoDBClient, err := initMongo(cfg.Mongo.URI)
	if err != nil {
		return fmt.Errorf("mongo: %w", err)
	}
	defer mongoDBClient.Disconnect(context.Background())

	db := mongoDBClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	redis := redisSvc.NewRedis(rdb)
	if err := redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	turn := model.TurnCredentials{
		URLs:       cfg.Server.Turn.URLs,
		Username:   cfg.Server.Turn.Username,
		Credential: cfg.Server.Turn.Credential,
		TTL:        cfg.Server.Turn.TTL,
	}

	userRepo := user.NewUserRepo(db)
	c := server.NewHttpServer(userRepo, redis, turn)
	c.Mount("/metrics", promhttp.Handler())

	log.Info("starting relay", zap.String("addr", cfg.Server.ListenAddr), zap.String("db", cfg.Mongo.Database))
	return c.Run(ctx, cfg.Server.ListenAddr)
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
