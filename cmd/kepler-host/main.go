package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kepler-host/kepler/internal/block"
	"github.com/kepler-host/kepler/internal/capability"
	"github.com/kepler-host/kepler/internal/config"
	"github.com/kepler-host/kepler/internal/did"
	"github.com/kepler-host/kepler/internal/gc"
	"github.com/kepler-host/kepler/internal/host"
	"github.com/kepler-host/kepler/internal/index"
	"github.com/kepler-host/kepler/internal/object"
	"github.com/kepler-host/kepler/internal/orbit"
	"github.com/kepler-host/kepler/internal/staging"
)

func main() {
	cmd := &cli.Command{
		Name:  "kepler-host",
		Usage: "Kepler is a self-sovereign, capability-secured content-addressed object store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML configuration file",
				Value: "kepler.toml",
			},
			&cli.StringFlag{
				Name:  "log-lvl",
				Usage: "Minimum logging level (debug, info, warn, err)",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "log-fmt",
				Usage: "Log output format (default, json)",
				Value: "json",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if err := setDefaultLogger(c.String("log-lvl"), c.String("log-fmt")); err != nil {
				return nil, fmt.Errorf("unable to set default logger: %w", err)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:        "server",
				Description: "Runs the kepler-host HTTP server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Bind address of the HTTP server",
						Value: "0.0.0.0:8080",
					},
					&cli.DurationFlag{
						Name:  "read-timeout",
						Value: 30 * time.Second,
					},
					&cli.DurationFlag{
						Name:  "write-timeout",
						Value: 30 * time.Second,
					},
					&cli.StringFlag{
						Name:  "host-did",
						Usage: "This host's own DID, returned from /hostInfo",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, deps, err := wire(ctx, c.String("config"))
					if err != nil {
						return err
					}
					return host.Run(ctx, &host.Args{
						Addr:           c.String("addr"),
						ReadTimeout:    c.Duration("read-timeout"),
						WriteTimeout:   c.Duration("write-timeout"),
						StagingLimit:   cfg.StagingLimit,
						HostDID:        c.String("host-did"),
						HostPrivateKey: cfg.StaticSecret,
					}, deps.Deps)
				},
			},
			{
				Name:        "gc",
				Description: "Runs one mark-and-sweep garbage collection pass",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Report sweep candidates without deleting anything",
						Value: false,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					_, deps, err := wire(ctx, c.String("config"))
					if err != nil {
						return err
					}
					collector := gc.NewCollector(deps.Store, deps.blocks, slog.Default())
					report, err := collector.Run(ctx, c.Bool("dry-run"))
					if err != nil {
						return err
					}
					slog.Info("gc pass complete", "scanned", report.Scanned, "swept", len(report.Swept), "errors", len(report.Errors))
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("failed to run command", "err", err)
		os.Exit(1)
	}
}

// wiredDeps extends host.Deps with the raw block store, which gc needs
// directly but the HTTP layer only needs indirectly through the object
// service and orbit manager.
type wiredDeps struct {
	*host.Deps
	blocks block.Store
}

func wire(ctx context.Context, configPath string) (*config.Loaded, *wiredDeps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := index.Open(ctx, cfg.Database.ConnString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open index store: %w", err)
	}

	blockKind := block.BackendLocal
	if cfg.Block.Kind == "s3" {
		blockKind = block.BackendS3
	}
	blocks, err := block.New(block.Config{
		Kind: blockKind,
		Path: cfg.Block.Path,
		S3: block.S3Config{
			Endpoint:    cfg.Block.S3.Endpoint,
			Region:      cfg.Block.S3.Region,
			Bucket:      cfg.Block.S3.Bucket,
			AccessKey:   cfg.Block.S3.AccessKey,
			SecretKey:   cfg.Block.S3.SecretKey,
			VerifyOnPut: cfg.Block.S3.VerifyOnPut,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open block store: %w", err)
	}

	stagingMode := staging.ModeMemory
	if cfg.Staging.Mode == "filesystem" {
		stagingMode = staging.ModeFileSystem
	}
	stagingArea, err := staging.New(stagingMode, cfg.Staging.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open staging area: %w", err)
	}

	resolver := did.Chain{did.NewKeyResolver()}
	engine := capability.NewEngine(resolver, store)

	orbits := orbit.NewManager(orbit.Config{
		StaticSecret:  cfg.StaticSecret,
		Store:         store,
		Blocks:        blocks,
		MaxOpenOrbits: cfg.Orbit.MaxOpenOrbits,
		Linger:        cfg.Orbit.Linger(),
	})

	objects := object.NewService(store, blocks)

	deps := &host.Deps{
		Objects:  objects,
		Engine:   engine,
		Orbits:   orbits,
		Store:    store,
		Staging:  stagingArea,
		Resolver: resolver,
	}

	return cfg, &wiredDeps{Deps: deps, blocks: blocks}, nil
}

func setDefaultLogger(llevel, lfmt string) error {
	opts := &slog.HandlerOptions{}

	switch llevel {
	case "d", "dbg", "debug":
		opts.Level = slog.LevelDebug
	case "i", "info":
		opts.Level = slog.LevelInfo
	case "w", "warn", "warning":
		opts.Level = slog.LevelWarn
	case "e", "err", "error":
		opts.Level = slog.LevelError
	}

	var log *slog.Logger
	switch strings.ToLower(lfmt) {
	case "default":
		log = slog.New(slog.NewTextHandler(os.Stdout, opts))
	case "json":
		log = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return fmt.Errorf(`unsupported log format: %s (wanted "default" or "json")`, lfmt)
	}

	slog.SetDefault(log)
	return nil
}
