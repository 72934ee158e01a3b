// Command maestro runs the multi-agent orchestration platform: it loads
// the registries, wires storage, governance and the reasoning loops, and
// serves the REST API.
//
// Usage:
//
//	maestro serve
//	maestro serve --addr :8000 --registry-path ./registries --storage-path ./storage
//	maestro version
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/maestroproj/maestro/pkg/artifacts"
	"github.com/maestroproj/maestro/pkg/checkpoint"
	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/executor"
	"github.com/maestroproj/maestro/pkg/llms"
	"github.com/maestroproj/maestro/pkg/logger"
	"github.com/maestroproj/maestro/pkg/memory"
	"github.com/maestroproj/maestro/pkg/progress"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/server"
	"github.com/maestroproj/maestro/pkg/sse"
	"github.com/maestroproj/maestro/pkg/storage"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the orchestrator server."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, color, json)." default:"color"`
	LogFile   string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("maestro version %s\n", version)
	return nil
}

// ServeCmd starts the REST server with the full platform wired behind it.
type ServeCmd struct {
	Addr         string `help:"Listen address." default:":8000"`
	StoragePath  string `name:"storage-path" help:"Event log and artifact root (overrides STORAGE_PATH)." type:"path"`
	RegistryPath string `name:"registry-path" help:"Registry document directory (overrides REGISTRY_PATH)." type:"path"`

	ConfigSource    string   `name:"config-source" help:"Limit overrides source (file, consul, etcd)." default:"file"`
	ConfigPath      string   `name:"config-path" help:"Path (file) or key (consul/etcd) of the system config document."`
	ConfigEndpoints []string `name:"config-endpoints" help:"Consul/etcd endpoints."`
	WatchConfig     bool     `name:"watch-config" help:"Reload limits when the config source changes."`

	WatchRegistry bool `name:"watch-registry" help:"Hot-reload registries on backing-file changes." default:"true"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, loader, err := c.loadConfig()
	if err != nil {
		return err
	}
	defer loader.Stop()
	if c.StoragePath != "" {
		cfg.StoragePath = c.StoragePath
	}
	if c.RegistryPath != "" {
		cfg.RegistryPath = c.RegistryPath
	}
	slog.Info("configuration loaded",
		"storage_path", cfg.StoragePath, "registry_path", cfg.RegistryPath)

	reg := registry.NewManager(cfg.RegistryPath)
	if err := reg.LoadAll(); err != nil {
		return fmt.Errorf("load registries: %w", err)
	}
	if c.WatchRegistry {
		watcher, err := registry.NewWatcher(reg)
		if err != nil {
			slog.Warn("registry watcher unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	progressStore := progress.NewStore(0)
	broadcaster := sse.NewBroadcaster(0)
	log := storage.NewEventLog(cfg.StoragePath)
	recorder := storage.NewRecorder(log,
		progressStore.AddEvent,
		func(sessionID string, ev storage.Event) {
			broadcaster.Broadcast(sessionID, ev.Type(), ev, "")
		})

	artifactStore, err := artifacts.NewStore(filepath.Join(cfg.StoragePath, "artifacts"))
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	memoryStore, err := memory.NewStore(filepath.Join(cfg.StoragePath, "memory"))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	memoryStore.SetDefaultExpiration(cfg.Memory.DefaultExpirationDays)
	cpStore, err := checkpoint.NewDiskStore(filepath.Join(cfg.StoragePath, "checkpoints"))
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	checkpoints := checkpoint.NewManager(cpStore)
	defer checkpoints.Stop()

	var embedder memory.Embedder
	if cfg.Memory.UseEmbeddings {
		if key := config.ProviderAPIKey("openai"); key != "" {
			embedder = memory.NewOpenAIEmbedder(key, cfg.Memory.EmbeddingModel, "")
		} else {
			slog.Warn("memory embeddings enabled but OPENAI_API_KEY unset, using keyword similarity")
		}
	}

	exec := executor.New(executor.Services{
		Registry:    reg,
		Config:      cfg,
		Recorder:    recorder,
		Progress:    progressStore,
		Broadcaster: broadcaster,
		Artifacts:   artifactStore,
		Checkpoints: checkpoints,
		Memory:      memoryStore,
		Embedder:    embedder,
		LLMFactory: func(profile registry.ModelProfile, sessionID string) (llms.Client, error) {
			return llms.New(profile, sessionID, recorder)
		},
	})

	srv := server.New(server.Services{
		Registry:    reg,
		Config:      cfg,
		Recorder:    recorder,
		Executor:    exec,
		Progress:    progressStore,
		Broadcaster: broadcaster,
		Artifacts:   artifactStore,
		Checkpoints: checkpoints,
		Memory:      memoryStore,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(c.Addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "error", err)
	}
	return nil
}

// loadConfig resolves the layered limit configuration: defaults, env,
// then the system_config document from the chosen source.
func (c *ServeCmd) loadConfig() (*config.Config, *config.Loader, error) {
	source, err := config.ParseSourceType(c.ConfigSource)
	if err != nil {
		return nil, nil, err
	}

	path := c.ConfigPath
	if path == "" && source == config.SourceFile {
		registryPath := c.RegistryPath
		if registryPath == "" {
			registryPath = os.Getenv("REGISTRY_PATH")
		}
		if registryPath == "" {
			registryPath = "registries"
		}
		path = filepath.Join(registryPath, "system_config.json")
	}

	loader, err := config.NewLoader(config.LoaderOptions{
		Type:      source,
		Path:      path,
		Endpoints: c.ConfigEndpoints,
		Watch:     c.WatchConfig,
		OnChange: func(updated *config.Config) error {
			slog.Info("system config changed, limits apply to new sessions",
				"orchestrator_max_iterations", updated.Orchestrator.MaxIterations,
				"workflow_max_duration_seconds", updated.Workflow.MaxDurationSeconds)
			return nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("maestro"),
		kong.Description("Multi-agent LLM orchestration platform."),
		kong.UsageOnError(),
	)

	var output io.Writer
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = f
	}
	if err := logger.Init(logger.Config{
		Level:  cli.LogLevel,
		Format: cli.LogFormat,
		Output: output,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx.FatalIfErrorf(ctx.Run(&cli))
}
