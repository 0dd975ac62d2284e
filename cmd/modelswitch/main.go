package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"syscall"

	"github.com/nous-labs/modelswitch/internal/bot"
	"github.com/nous-labs/modelswitch/internal/channel/matrix"
	"github.com/nous-labs/modelswitch/internal/llm"
	"github.com/nous-labs/modelswitch/pkg/catalog"
	"github.com/nous-labs/modelswitch/pkg/channel"
	"github.com/nous-labs/modelswitch/pkg/events"
	"github.com/nous-labs/modelswitch/pkg/prefs"
	"github.com/nous-labs/modelswitch/pkg/switcher"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", ".env", "Path to .env file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("modelswitch %s (%s)\n", version, commit)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := bot.LoadDotEnv(*envPath); err != nil {
		slog.Error("failed to load env file", "path", *envPath, "error", err)
		os.Exit(1)
	}

	cp := *configPath
	if cp == "" {
		cp = os.Getenv("MODELSWITCH_CONFIG_PATH")
	}
	cfg, err := bot.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("modelswitch error", "error", err)
		os.Exit(1)
	}
	slog.Info("modelswitch stopped")
}

func run(ctx context.Context, cfg *bot.Config) error {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	aliases := catalog.DefaultAliases()
	maps.Copy(aliases, cfg.Catalog.Aliases)
	sources := catalog.Sources{
		LiveURL:      cfg.Catalog.LiveURL,
		LiveAPIKey:   cfg.Catalog.LiveAPIKey,
		LiveProvider: cfg.Catalog.LiveProvider,
		File:         cfg.Catalog.File,
		Aliases:      aliases,
	}
	cat := catalog.Load(ctx, sources)

	bus := events.NewBus(100)
	sw, err := switcher.New(cat, store, switcher.Options{
		DefaultModel: cfg.Catalog.DefaultModel,
		Sources:      sources,
		Events:       bus,
	})
	if err != nil {
		return fmt.Errorf("create switcher: %w", err)
	}

	var ch channel.Channel
	if cfg.Matrix.Homeserver != "" {
		ch = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.DataDir,
		})
	} else {
		slog.Warn("no matrix homeserver configured, serving the HTTP API only")
	}

	b, err := bot.New(cfg, bot.Deps{
		Switcher:  sw,
		Store:     store,
		Completer: newRouter(cfg.LLM),
		Channel:   ch,
		Events:    bus,
	})
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	slog.Info("modelswitch starting",
		"version", version,
		"storage", cfg.Storage.Driver,
		"catalog", cat.Source(),
		"models", cat.Len(),
		"session", sw.SessionModel(),
	)
	return b.Run(ctx)
}

func openStore(ctx context.Context, sc bot.StorageConfig) (prefs.Store, error) {
	switch sc.Driver {
	case "postgres":
		s, err := prefs.OpenPostgres(ctx, sc.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := prefs.OpenSQLite(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", sc.Path, err)
		}
		return s, nil
	}
}

func newRouter(cfg bot.LLMConfig) *llm.Router {
	var fallback llm.Provider
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		fallback = llm.NewOpenAICompat("openai", cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.StripPrefix)
	}
	r := llm.NewRouter(fallback)
	if cfg.Anthropic.APIKey != "" {
		r.Route("anthropic", llm.NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL))
	}
	for prefix, pc := range cfg.Routes {
		r.Route(prefix, llm.NewOpenAICompat(prefix, pc.BaseURL, pc.APIKey, pc.StripPrefix))
	}
	return r
}
