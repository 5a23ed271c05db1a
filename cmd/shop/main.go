package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sunbelt/shop/internal/config"
	"github.com/sunbelt/shop/internal/deps"
	"github.com/sunbelt/shop/internal/gateway"
	"github.com/sunbelt/shop/internal/server"
	"github.com/sunbelt/shop/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config := config.NewConfig()
	storage, err := storage.NewPostgresStorage(ctx, config.DatabaseURI)
	if err != nil {
		config.Logger.Fatal(err)
	}

	srv := server.NewServer(storage, gateway.NewClient(config), config, deps.NewDependencies(config.Key))
	if err := srv.Run(ctx); err != nil {
		config.Logger.Fatal(err)
	}
}
