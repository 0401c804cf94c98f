// Copyright 2023 bytetrade
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"premium/internal/conf"
	"premium/internal/engine"
	"premium/internal/entitlement"
	"premium/internal/history"
	"premium/internal/store"
	"premium/internal/verifier"
	"premium/pkg/api"
)

var configPath string

func main() {
	cmd := newPremiumServerCommand()
	flag.Parse()
	defer glog.Flush()

	if err := cmd.Execute(); err != nil {
		glog.Fatalln(err)
	}
}

func newPremiumServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "premium",
		Short: "Subscription entitlement service",
		Long:  `The premium service reconciles in-app subscription purchases against the entitlement record of truth and exposes per-session purchase state over REST`,
		Run: func(cmd *cobra.Command, args []string) {
			_ = Run()
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	return cmd
}

func Run() error {
	log.Printf("Starting premium service...")

	cfg, err := conf.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Configuration loaded: platform=%s products=%v", cfg.Platform, cfg.ProductIDs)

	// 1. Entitlement record store (required)
	reader, err := entitlement.NewRedisReader(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to create entitlement reader: %v", err)
	}
	defer reader.Close()
	log.Println("Entitlement reader started successfully")

	// 2. Purchase audit trail (optional)
	var historyModule *history.HistoryModule
	if cfg.Audit.Enabled {
		historyModule, err = history.NewHistoryModule()
		if err != nil {
			log.Printf("Warning: Failed to initialize audit module: %v", err)
			// Continue without the audit trail, but log the error
		} else {
			log.Println("Audit module started successfully")
		}
	}

	// 3. Billing bridge transport
	nc, err := store.ConnectNATS(cfg.NATS)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Close()
	log.Println("Billing bridge connected successfully")

	// 4. Receipt verifier
	verifierClient := verifier.NewClient(cfg.Verifier)

	// 5. Per-session engine factory
	factory := func(userID string, users engine.UserResolver) (*engine.Engine, error) {
		gateway, err := store.NewNATSGateway(nc, cfg.NATS, userID)
		if err != nil {
			return nil, err
		}

		var recorder engine.Recorder
		if historyModule != nil {
			recorder = historyModule
		}

		return engine.New(engine.Options{
			Platform:   cfg.Platform,
			ProductIDs: cfg.ProductIDs,
		}, gateway, verifierClient, reader, users, recorder), nil
	}
	sessions := api.NewSessionManager(factory)

	// 6. HTTP server
	server := api.NewServer(cfg.Server.Port, sessions, historyModule)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Printf("Server failed: %v", err)
		return err
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := server.Close(); err != nil {
		log.Printf("Server close error: %v", err)
	}

	log.Println("Premium service stopped")
	return nil
}
