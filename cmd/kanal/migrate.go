package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/4xmen/kanal/internal/store"
	"github.com/4xmen/kanal/pkg/config"
	"github.com/4xmen/kanal/pkg/logger"
)

type generalChannelMigrationOptions struct {
	DatabasePath string
	DryRun       bool
}

func runMigrate(ctx context.Context, cfg *config.Config, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migration target (supported: general-channel)")
	}

	switch args[0] {
	case "general-channel":
		opts, err := parseGeneralChannelMigrationArgs(cfg, args[1:])
		if err != nil {
			return err
		}
		return runGeneralChannelMigration(ctx, cfg, out, opts)
	default:
		return fmt.Errorf("unknown migration target: %s", args[0])
	}
}

func parseGeneralChannelMigrationArgs(cfg *config.Config, args []string) (generalChannelMigrationOptions, error) {
	opts := generalChannelMigrationOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown migration flag: %s", args[i])
		}
	}

	if isSQLite(cfg) && strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func runGeneralChannelMigration(ctx context.Context, cfg *config.Config, out io.Writer, opts generalChannelMigrationOptions) error {
	target := *cfg
	target.DatabasePath = opts.DatabasePath

	st, err := openStore(ctx, &target)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := newChatService(&target, st, logger.FromContext(ctx))
	if err != nil {
		return err
	}

	missing, err := svc.RepairGeneralChannel(ctx, opts.DryRun)
	if err != nil {
		return err
	}

	location := describeStorage(&target)
	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", location)
		fmt.Fprintf(out, "Would add %d members to channel %d.\n", len(missing), store.GeneralChannelID)
		return nil
	}

	if len(missing) == 0 {
		fmt.Fprintln(out, "General channel migration: already migrated (no missing members).")
		return nil
	}

	fmt.Fprintf(out, "Migration completed. Database: %s\n", location)
	fmt.Fprintf(out, "Added %d members to channel %d.\n", len(missing), store.GeneralChannelID)
	return nil
}

func describeStorage(cfg *config.Config) string {
	switch cfg.StorageDriver {
	case "postgres":
		return "postgres"
	case "redis":
		return "redis://" + cfg.RedisAddr
	default:
		return cfg.DatabasePath
	}
}
