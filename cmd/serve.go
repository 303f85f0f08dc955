package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agora/internal/agent"
	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/config"
	"github.com/nextlevelbuilder/agora/internal/conv"
	"github.com/nextlevelbuilder/agora/internal/httpapi"
	"github.com/nextlevelbuilder/agora/internal/llm"
	"github.com/nextlevelbuilder/agora/internal/llmpool"
	"github.com/nextlevelbuilder/agora/internal/org"
	"github.com/nextlevelbuilder/agora/internal/runtime"
	"github.com/nextlevelbuilder/agora/internal/sandbox"
	"github.com/nextlevelbuilder/agora/internal/schedule"
	"github.com/nextlevelbuilder/agora/internal/store"
	"github.com/nextlevelbuilder/agora/internal/store/file"
	"github.com/nextlevelbuilder/agora/internal/store/pg"
	"github.com/nextlevelbuilder/agora/internal/store/sqlite"
	"github.com/nextlevelbuilder/agora/internal/telemetry"
	"github.com/nextlevelbuilder/agora/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent society runtime",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func defaultConfigPath() string { return config.DefaultPath() }

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("data dir unavailable", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ToTelemetry())
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	services := llm.NewRegistry()
	if err := services.LoadFile(cfg.LLMServices); err != nil {
		slog.Warn("llm.services_unavailable", "path", cfg.LLMServices, "error", err)
	} else if err := services.Watch(cfg.LLMServices); err != nil {
		slog.Warn("llm.watch_failed", "path", cfg.LLMServices, "error", err)
	}
	defer services.StopWatch()

	fileStore, err := file.New(cfg.DataDir)
	if err != nil {
		slog.Error("file store init failed", "error", err)
		os.Exit(1)
	}
	archive := openArchive(cfg)

	msgBus := bus.New()
	registry := org.NewRegistry()
	convStore := conv.NewStore()
	pool := llmpool.New(cfg.Runtime.MaxConcurrentRequests)
	toolReg := tools.NewRegistry()
	scheduler := schedule.New(msgBus)

	// The loop's status hooks point at the runtime, which needs the loop in
	// turn; the closures bind late.
	var rt *runtime.Runtime
	loop := agent.NewLoop(agent.LoopConfig{
		Resolve: func(serviceID string) (agent.ChatClient, error) {
			return services.Get(serviceID)
		},
		Pool:          pool,
		Conv:          convStore,
		Tools:         toolReg,
		MaxToolRounds: cfg.Runtime.MaxToolRounds,
		Temperature:   cfg.Runtime.Temperature,
		OnWaitLLM:     func(agentID string, waiting bool) { rt.OnWaitLLM(agentID, waiting) },
		OnToolCall:    func(agentID, toolName string) { rt.OnToolCall(agentID, toolName) },
	})

	rt = runtime.New(runtime.Config{
		Bus:             msgBus,
		Org:             registry,
		Conv:            convStore,
		Tools:           toolReg,
		Pool:            pool,
		Loop:            loop,
		OrgStore:        fileStore,
		ConvStore:       fileStore,
		Archive:         archive,
		ShutdownTimeout: cfg.ShutdownTimeout(),
	})

	registerBuiltinTools(toolReg, cfg, msgBus, registry, convStore, scheduler, rt)

	if err := rt.RestoreState(); err != nil {
		slog.Error("state restore failed", "error", err)
		os.Exit(1)
	}

	api := httpapi.New(httpapi.Config{
		Addr:           cfg.Gateway.Addr(),
		Token:          cfg.Gateway.Token,
		RateLimitRPS:   cfg.Gateway.RateLimitRPS,
		RateLimitBurst: cfg.Gateway.RateLimitBurst,
	}, rt)

	scheduler.Start()
	rt.Start()

	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Start(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-apiErr:
		if err != nil {
			slog.Error("http surface failed", "error", err)
		}
	}

	scheduler.Stop()
	summary := rt.Shutdown()
	slog.Info("shutdown complete",
		"ok", summary.OK,
		"duration_ms", summary.DurationMs,
		"pending_messages", summary.PendingMessages,
		"active_agents", summary.ActiveAgents)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telemetryShutdown(flushCtx); err != nil {
		slog.Warn("telemetry flush failed", "error", err)
	}
}

func openArchive(cfg *config.Config) store.MessageArchive {
	switch cfg.Store.Archive {
	case "off":
		return nil
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			slog.Error("archive postgres selected but AGORA_POSTGRES_DSN is not set")
			os.Exit(1)
		}
		a, err := pg.Open(cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("postgres archive open failed", "error", err)
			os.Exit(1)
		}
		return a
	default:
		a, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			slog.Error("sqlite archive open failed", "path", cfg.Store.SQLitePath, "error", err)
			os.Exit(1)
		}
		return a
	}
}

func registerBuiltinTools(reg *tools.Registry, cfg *config.Config, msgBus *bus.Bus,
	registry *org.Registry, convStore *conv.Store, scheduler *schedule.Scheduler, rt *runtime.Runtime) {
	reg.Register(tools.NewSendMessageTool(msgBus))
	reg.Register(tools.NewSpawnAgentTool(rt))
	reg.Register(tools.NewTerminateAgentTool(rt))
	reg.Register(tools.NewCompressContextTool(convStore))
	reg.Register(tools.NewListAgentsTool(registry))
	reg.Register(tools.NewScheduleMessageTool(scheduler))
	reg.Register(tools.NewHTTPRequestTool(tools.HTTPRequestConfig{}))
	reg.Register(tools.NewRunJavascriptTool(sandbox.NewRunner(cfg.Sandbox.NodeBin, cfg.Sandbox.Timeout())))
}
