package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/4xmen/kanal/internal/models"
	"github.com/4xmen/kanal/internal/store"
	"github.com/4xmen/kanal/pkg/config"
)

type appStatus struct {
	GeneratedAt       time.Time
	Environment       string
	Port              string
	StorageDriver     string
	DatabasePath      string
	Users             uint64
	Channels          uint64
	Messages          uint64
	EncryptedMessages uint64
	ExpiredPending    uint64
	PushSubscriptions uint64
	MessagesLast24h   uint64
	LatestMessageAt   string
	DBSize            int64
	DBWALSize         int64
	DBSHMSize         int64
	DBMetricsReady    bool
	DBWarning         string
	StorageWarnings   []string
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(ctx context.Context, cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(ctx, cfg, time.Now())
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(ctx context.Context, cfg *config.Config, now time.Time) appStatus {
	status := appStatus{
		GeneratedAt:   now,
		Environment:   cfg.Environment,
		Port:          cfg.Port,
		StorageDriver: cfg.StorageDriver,
		DatabasePath:  cfg.DatabasePath,
	}

	if isSQLite(cfg) {
		if size, err := fileSize(cfg.DatabasePath); err == nil {
			status.DBSize = size
		} else {
			status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
		}
		if size, err := fileSize(cfg.DatabasePath + "-wal"); err == nil {
			status.DBWALSize = size
		}
		if size, err := fileSize(cfg.DatabasePath + "-shm"); err == nil {
			status.DBSHMSize = size
		}

		// Opening a missing file would create and seed a fresh database.
		if _, err := os.Stat(cfg.DatabasePath); err != nil {
			status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
			return status
		}
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}
	defer st.Close()

	if err := collectMetrics(ctx, st, now, &status); err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}

	status.DBMetricsReady = true
	return status
}

func isSQLite(cfg *config.Config) bool {
	return cfg.StorageDriver == "" || cfg.StorageDriver == "sqlite"
}

func collectMetrics(ctx context.Context, st *store.Store, now time.Time, status *appStatus) error {
	var err error
	if status.Users, err = st.Users.Len(ctx); err != nil {
		return err
	}
	if status.Channels, err = st.Channels.Len(ctx); err != nil {
		return err
	}
	if status.Messages, err = st.Messages.Len(ctx); err != nil {
		return err
	}
	if status.EncryptedMessages, err = st.EncryptedMessages.Len(ctx); err != nil {
		return err
	}

	err = st.EncryptedMessages.Iterate(ctx, func(_ uint64, m models.EncryptedMessage) error {
		if m.IsExpired(now) {
			status.ExpiredPending++
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = st.PushSubscriptions.Iterate(ctx, func(_ string, subs []models.PushSubscription) error {
		status.PushSubscriptions += uint64(len(subs))
		return nil
	})
	if err != nil {
		return err
	}

	since := now.Add(-24 * time.Hour)
	var latest time.Time
	err = st.Messages.Iterate(ctx, func(_ uint64, m models.Message) error {
		if !m.Timestamp.Before(since) {
			status.MessagesLast24h++
		}
		if m.Timestamp.After(latest) {
			latest = m.Timestamp
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !latest.IsZero() {
		status.LatestMessageAt = latest.UTC().Format(time.RFC3339)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTimestamp(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

func printStatus(out io.Writer, status appStatus) {
	totalDB := status.DBSize + status.DBWALSize + status.DBSHMSize

	fmt.Fprintln(out, "Kanal Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "Port        : %s\n", status.Port)
	fmt.Fprintf(out, "Storage     : %s\n", status.StorageDriver)
	fmt.Fprintf(out, "Database    : %s\n", status.DatabasePath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Data")
	if status.DBMetricsReady {
		fmt.Fprintf(out, "  Users              : %d\n", status.Users)
		fmt.Fprintf(out, "  Channels           : %d\n", status.Channels)
		fmt.Fprintf(out, "  Messages           : %d\n", status.Messages)
		fmt.Fprintf(out, "  Encrypted messages : %d\n", status.EncryptedMessages)
		fmt.Fprintf(out, "  Expired, unswept   : %d\n", status.ExpiredPending)
		fmt.Fprintf(out, "  Push subscriptions : %d\n", status.PushSubscriptions)
		fmt.Fprintf(out, "  Messages last 24h  : %d\n", status.MessagesLast24h)
		fmt.Fprintf(out, "  Latest message at  : %s\n", formatTimestamp(status.LatestMessageAt))
	} else {
		fmt.Fprintln(out, "  Database metrics   : n/a")
	}

	if status.StorageDriver == "" || status.StorageDriver == "sqlite" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Storage")
		fmt.Fprintf(out, "  DB file       : %s\n", formatBytes(status.DBSize))
		fmt.Fprintf(out, "  DB WAL file   : %s\n", formatBytes(status.DBWALSize))
		fmt.Fprintf(out, "  DB SHM file   : %s\n", formatBytes(status.DBSHMSize))
		fmt.Fprintf(out, "  DB footprint  : %s\n", formatBytes(totalDB))
	}

	if status.DBWarning != "" {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Warning: %s\n", status.DBWarning)
	}

	if len(status.StorageWarnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range status.StorageWarnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	footprint := status.DBSize + status.DBWALSize + status.DBSHMSize
	payload := map[string]any{
		"generated_at":   status.GeneratedAt.Format(time.RFC3339),
		"environment":    status.Environment,
		"port":           status.Port,
		"storage_driver": status.StorageDriver,
		"database_path":  status.DatabasePath,
		"metrics_ready":  status.DBMetricsReady,
		"metrics": map[string]any{
			"users":              status.Users,
			"channels":           status.Channels,
			"messages":           status.Messages,
			"encrypted_messages": status.EncryptedMessages,
			"expired_pending":    status.ExpiredPending,
			"push_subscriptions": status.PushSubscriptions,
			"messages_last_24h":  status.MessagesLast24h,
			"latest_message_at":  formatTimestamp(status.LatestMessageAt),
		},
		"storage": map[string]any{
			"db_file_bytes":      status.DBSize,
			"db_wal_bytes":       status.DBWALSize,
			"db_shm_bytes":       status.DBSHMSize,
			"db_footprint_bytes": footprint,
			"db_file_hum":        formatBytes(status.DBSize),
			"db_footprint_hum":   formatBytes(footprint),
		},
		"warnings": map[string]any{
			"database": status.DBWarning,
			"storage":  status.StorageWarnings,
		},
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
