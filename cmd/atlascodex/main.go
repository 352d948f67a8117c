// -----------------------------------------------------------------------
// Last Modified: Friday, 31st July 2026
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/app"
	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/server"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Atlas Codex version %s\n", common.GetVersion())
		os.Exit(0)
	}

	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("atlascodex.toml"); err == nil {
			configFiles = append(configFiles, "atlascodex.toml")
		} else if _, err := os.Stat("deployments/local/atlascodex.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/atlascodex.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("failed to load configuration files")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, finalPort, *serverHost)

	logger := common.SetupLogger(config)
	common.PrintBanner(config, logger)

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}
	defer application.Close()

	ctx, cancelOrchestration := context.WithCancel(context.Background())
	defer cancelOrchestration()
	if err := application.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start orchestration")
	}

	shutdownChan := make(chan struct{})
	srv := server.New(application)
	srv.SetShutdownChannel(shutdownChan)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Fatal().Str("panic", fmt.Sprintf("%v", r)).Msg("server goroutine panicked")
			}
		}()
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	time.Sleep(100 * time.Millisecond)
	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("server ready - press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("interrupt signal received")
	case <-shutdownChan:
		logger.Info().Msg("shutdown requested via HTTP")
	}

	common.PrintShutdownBanner(logger)
	cancelOrchestration()

	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	common.Stop()
}
