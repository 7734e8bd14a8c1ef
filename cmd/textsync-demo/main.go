// Command textsync-demo runs two local replicas against each other in
// one room and prints the converged text. With a Redis address
// configured the replicas talk through a Redis Stream instead of the
// in-process hub, which exercises the same path a real deployment uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"textsync/crdtstorage"
	"textsync/crdtsync"
	"textsync/crdtwire"
	"textsync/transport"
)

type demoConfig struct {
	Room string `mapstructure:"room"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Snapshot struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"snapshot"`
}

func initConfig() (*demoConfig, error) {
	cfg := &demoConfig{}
	v := viper.New()
	v.SetConfigName("textsync")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("TEXTSYNC")
	v.AutomaticEnv()
	v.SetDefault("room", "demo")
	v.SetDefault("snapshot.dir", "./snapshots")

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; defaults and env vars suffice.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var aliceTransport, bobTransport crdtsync.Transport
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer client.Close()

		aliceTransport, err = transport.NewRedisStreamTransport(ctx, client, cfg.Room, logger)
		if err != nil {
			logger.Fatal("failed to create transport", zap.Error(err))
		}
		bobTransport, err = transport.NewRedisStreamTransport(ctx, client, cfg.Room, logger)
		if err != nil {
			logger.Fatal("failed to create transport", zap.Error(err))
		}
	} else {
		hub := transport.NewHub()
		defer hub.Close()
		aliceTransport = hub.Transport(0)
		bobTransport = hub.Transport(0)
	}

	opts := &crdtsync.Options{
		Format: crdtwire.FormatBinary,
		Logger: logger,
	}

	alice, err := crdtsync.NewSession(cfg.Room, crdtsync.Identity{
		User: json.RawMessage(`{"name":"alice","color":"#e91e63"}`),
	}, aliceTransport, opts)
	if err != nil {
		logger.Fatal("failed to create session", zap.Error(err))
	}
	bob, err := crdtsync.NewSession(cfg.Room, crdtsync.Identity{
		User: json.RawMessage(`{"name":"bob","color":"#2196f3"}`),
	}, bobTransport, opts)
	if err != nil {
		logger.Fatal("failed to create session", zap.Error(err))
	}

	drain(alice)
	drain(bob)

	if err := alice.Connect(ctx); err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}
	if err := bob.Connect(ctx); err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}

	if err := alice.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: 0, Inserted: "hello "}); err != nil {
		logger.Fatal("edit failed", zap.Error(err))
	}
	time.Sleep(200 * time.Millisecond)
	if err := bob.ApplyEditorDelta(ctx, crdtsync.EditorDelta{Offset: len([]rune(bob.Text())), Inserted: "world"}); err != nil {
		logger.Fatal("edit failed", zap.Error(err))
	}
	time.Sleep(200 * time.Millisecond)

	fmt.Printf("alice sees: %q\n", alice.Text())
	fmt.Printf("bob sees:   %q\n", bob.Text())

	store, err := crdtstorage.NewFileStore(cfg.Snapshot.Dir)
	if err != nil {
		logger.Fatal("failed to create snapshot store", zap.Error(err))
	}
	if err := crdtstorage.SaveSession(ctx, store, alice); err != nil {
		logger.Fatal("failed to save snapshot", zap.Error(err))
	}
	logger.Info("snapshot saved", zap.String("room", cfg.Room), zap.String("dir", cfg.Snapshot.Dir))

	_ = alice.Disconnect()
	_ = bob.Disconnect()
}

// drain consumes editor deltas so the sessions never block on an
// unread delta channel.
func drain(s *crdtsync.Session) {
	go func() {
		for range s.Deltas() {
		}
	}()
}
