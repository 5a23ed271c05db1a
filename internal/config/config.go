package config

import (
	"flag"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	RunAddress          string
	DatabaseURI         string
	GatewayAddress      string
	GatewayAppName      string
	GatewayClientID     string
	GatewayClientSecret string
	GatewayProvider     string
	Key                 string
	Logger              *zap.SugaredLogger
}

func NewConfig() *Config {
	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{"stdout", "server.log"}

	logger := zap.Must(logCfg.Build())

	// optional local overrides, ignored when the file is absent
	_ = godotenv.Load()

	cfg := &Config{}
	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "HTTP server address")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "DB connection string")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.Parse()

	cfg.Logger = logger.Sugar()

	ReadServerEnvironment(cfg)

	return cfg
}

func ReadServerEnvironment(cfg *Config) {
	if runAddress := os.Getenv("RUN_ADDRESS"); runAddress != "" {
		cfg.RunAddress = runAddress
	}

	if databaseURI := os.Getenv("DATABASE_URI"); databaseURI != "" {
		cfg.DatabaseURI = databaseURI
	}

	if gatewayAddress := os.Getenv("GATEWAY_ADDRESS"); gatewayAddress != "" {
		cfg.GatewayAddress = gatewayAddress
	}

	if appName := os.Getenv("GATEWAY_APP_NAME"); appName != "" {
		cfg.GatewayAppName = appName
	}

	if clientID := os.Getenv("GATEWAY_CLIENT_ID"); clientID != "" {
		cfg.GatewayClientID = clientID
	}

	if clientSecret := os.Getenv("GATEWAY_CLIENT_SECRET"); clientSecret != "" {
		cfg.GatewayClientSecret = clientSecret
	}

	if provider := os.Getenv("GATEWAY_PROVIDER"); provider != "" {
		cfg.GatewayProvider = provider
	}

	if key := os.Getenv("SHOP_KEY"); key != "" {
		cfg.Key = key
	}
}
