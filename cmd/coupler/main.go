package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/coupler/drivers/bundle"
	"github.com/timzifer/coupler/processor"
)

const (
	envConfig   = "COUPLER_CONFIG"
	envLogLevel = "COUPLER_LOG_LEVEL"
	envListen   = "COUPLER_LISTEN"
)

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfgPath := flag.String("config", envOr(envConfig, "config.yaml"), "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Query the health endpoint of a running instance and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	listen := flag.String("listen", os.Getenv(envListen), "HTTP listen address, overrides server.listen")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath, *listen); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *configCheck {
		os.Exit(executeConfigCheck(os.Stdout, *cfgPath))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []processor.Option{
		processor.WithConfigPath(*cfgPath, nil),
		processor.WithServiceOptions(bundle.Options()...),
		processor.WithLogLevel(os.Getenv(envLogLevel)),
	}
	if strings.TrimSpace(*listen) != "" {
		opts = append(opts, processor.WithListenAddress(*listen))
	}

	proc, err := processor.New(ctx, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create processor")
	}
	defer proc.Close()

	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("processor stopped with error")
	}
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
