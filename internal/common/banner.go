package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner.
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("ATLAS CODEX")
	b.PrintCenteredText("Autonomous Web Extraction Orchestrator")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Environment", config.Environment, 15)
	b.PrintKeyValue("Service URL", serviceURL, 15)
	b.PrintKeyValue("Store Path", config.Store.Path, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("environment", config.Environment).
		Str("service_url", serviceURL).
		Str("job_timeout", config.Orchestrator.JobTimeout.String()).
		Int("agent_concurrency", config.Orchestrator.AgentConcurrency).
		Msg("atlas codex started")
}

// PrintShutdownBanner displays the application shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("ATLAS CODEX")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("atlas codex shutting down")
}
