package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agora/internal/config"
	"github.com/nextlevelbuilder/agora/internal/llm"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: write config.json and llmservices.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg := config.Default()

	var (
		host    = cfg.Gateway.Host
		port    = strconv.Itoa(cfg.Gateway.Port)
		archive = cfg.Store.Archive

		serviceName = "default"
		baseURL     = "https://api.openai.com/v1"
		model       string
		apiKey      string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen host").
				Value(&host),
			huh.NewInput().
				Title("Listen port").
				Value(&port).
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("port must be a number")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Message archive").
				Options(
					huh.NewOption("SQLite (standalone)", "sqlite"),
					huh.NewOption("Postgres (managed)", "postgres"),
					huh.NewOption("Off", "off"),
				).
				Value(&archive),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("LLM service name").
				Value(&serviceName),
			huh.NewInput().
				Title("Base URL (openai-compatible)").
				Value(&baseURL),
			huh.NewInput().
				Title("Model").
				Value(&model).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("model is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Gateway.Host = host
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Store.Archive = archive
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	services := []llm.Service{{
		ID:      serviceName,
		Name:    serviceName,
		BaseURL: baseURL,
		Model:   model,
		APIKey:  apiKey,
	}}
	servicesPath := config.ExpandHome(cfg.LLMServices)
	if err := writeServices(servicesPath, services); err != nil {
		return err
	}

	fmt.Printf("Wrote %s and %s\n", cfgPath, servicesPath)
	fmt.Println("Start the runtime with:  agora serve")
	if archive == "postgres" {
		fmt.Println("Postgres archive selected: set AGORA_POSTGRES_DSN and run  agora migrate up")
	}
	return nil
}

func writeServices(path string, services []llm.Service) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(services, "", "  ")
	if err != nil {
		return err
	}
	// 0600: the file carries the API key.
	return os.WriteFile(path, data, 0o600)
}
