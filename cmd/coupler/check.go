package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/drivers/bundle"
	"github.com/timzifer/coupler/remote"
	"github.com/timzifer/coupler/service"
)

const healthTimeout = 3 * time.Second

// executeHealthCheck asks the HTTP surface of a running instance for its
// health. The address comes from listen or the server section of the
// configuration.
func executeHealthCheck(path, listen string) error {
	if strings.TrimSpace(listen) == "" {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		listen = cfg.Server.Listen
	}
	client, err := remote.New(listen, remote.WithTimeout(healthTimeout))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	return client.Health(ctx)
}

// executeConfigCheck loads the configuration and builds every connector
// without connecting it. It returns the process exit code.
func executeConfigCheck(out io.Writer, path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(out, "configuration invalid: %v\n", err)
		return 1
	}
	for _, file := range config.SourceFiles(cfg) {
		fmt.Fprintf(out, "Loaded %s\n", file)
	}
	if len(cfg.Connectors) == 0 {
		fmt.Fprintln(out, "No connectors configured.")
		return 0
	}

	opts := bundle.Options()
	exitCode := 0
	for _, conn := range cfg.Connectors {
		fmt.Fprintf(out, "Connector %q\n", conn.ID)
		fmt.Fprintf(out, "  Driver: %s\n", conn.Driver)
		if file := strings.TrimSpace(conn.Source.File); file != "" {
			fmt.Fprintf(out, "  File: %s\n", file)
		}
		if conn.Disable {
			fmt.Fprintln(out, "  Status: disabled")
			fmt.Fprintln(out)
			continue
		}
		single := *cfg
		single.Connectors = []config.ConnectorConfig{conn}
		if err := service.Validate(&single, zerolog.Nop(), opts...); err != nil {
			exitCode = 1
			fmt.Fprintln(out, "  Errors:")
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Fprintf(out, "    - %s\n", line)
			}
		} else {
			fmt.Fprintln(out, "  Status: OK")
		}
		fmt.Fprintln(out)
	}

	if exitCode == 0 {
		fmt.Fprintln(out, "Configuration check completed successfully.")
	} else {
		fmt.Fprintln(out, "Configuration check completed with errors.")
	}
	return exitCode
}
