package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/nameh/internal/encryption"
	"github.com/4xmen/nameh/internal/models"
	"github.com/4xmen/nameh/internal/store"
	"github.com/4xmen/nameh/pkg/config"
)

var securityLevels = []models.SecurityLevel{
	models.SecurityLegacy,
	models.SecurityStandard,
	models.SecurityEnterprise,
	models.SecurityMilitary,
}

type dataMetrics struct {
	Users           int64                          `json:"users"`
	Groups          int64                          `json:"groups"`
	Messages        int64                          `json:"messages"`
	UnreadMessages  int64                          `json:"unread_messages"`
	Attachments     int64                          `json:"attachments"`
	UploadedBytes   int64                          `json:"uploaded_bytes"`
	PushSubscribers int64                          `json:"push_subscribers"`
	MessagesLast24h int64                          `json:"messages_last_24h"`
	LatestMessageAt string                         `json:"latest_message_at"`
	SecurityLevels  map[models.SecurityLevel]int64 `json:"security_levels"`
}

type storageMetrics struct {
	DBBytes         int64 `json:"db_file_bytes"`
	WALBytes        int64 `json:"db_wal_bytes"`
	SHMBytes        int64 `json:"db_shm_bytes"`
	UploadBytes     int64 `json:"upload_dir_bytes"`
	UploadFileCount int64 `json:"upload_file_count"`
}

func (s storageMetrics) footprint() int64 {
	return s.DBBytes + s.WALBytes + s.SHMBytes
}

type appStatus struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Environment     string         `json:"environment"`
	Port            string         `json:"port"`
	DatabasePath    string         `json:"database_path"`
	FileStoragePath string         `json:"file_storage_path"`
	IntegrityMode   string         `json:"integrity_mode"`
	MetricsReady    bool           `json:"metrics_ready"`
	Data            dataMetrics    `json:"metrics"`
	Storage         storageMetrics `json:"storage"`
	Warnings        []string       `json:"warnings"`
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	var opts statusOptions
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

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg)
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt:     time.Now(),
		Environment:     cfg.Environment,
		Port:            cfg.Port,
		DatabasePath:    cfg.DatabasePath,
		FileStoragePath: cfg.FileStoragePath,
		IntegrityMode:   string(encryption.ParseIntegrityMode(cfg.IntegrityMode)),
		Warnings:        []string{},
	}
	status.Storage, status.Warnings = collectStorage(cfg)

	data, err := collectData(cfg.DatabasePath)
	if err != nil {
		status.Warnings = append(status.Warnings, err.Error())
		return status
	}
	status.Data = data
	status.MetricsReady = true
	return status
}

func collectStorage(cfg *config.Config) (storageMetrics, []string) {
	var m storageMetrics
	warnings := []string{}

	if info, err := os.Stat(cfg.DatabasePath); err == nil {
		m.DBBytes = info.Size()
	} else {
		warnings = append(warnings, fmt.Sprintf("database file: %v", err))
	}
	if info, err := os.Stat(cfg.DatabasePath + "-wal"); err == nil {
		m.WALBytes = info.Size()
	}
	if info, err := os.Stat(cfg.DatabasePath + "-shm"); err == nil {
		m.SHMBytes = info.Size()
	}

	size, count, err := dirUsage(cfg.FileStoragePath)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("upload dir: %v", err))
	}
	m.UploadBytes, m.UploadFileCount = size, count
	return m, warnings
}

// collectData reads counters straight from the file without running
// migrations, so status never creates a database.
func collectData(path string) (dataMetrics, error) {
	var m dataMetrics
	if _, err := os.Stat(path); err != nil {
		return m, fmt.Errorf("database unavailable: %w", err)
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return m, fmt.Errorf("database unavailable: %w", err)
	}
	defer conn.Close()

	ctx := context.Background()
	counters := []struct {
		dst   *int64
		query string
	}{
		{&m.Users, "SELECT COUNT(*) FROM users"},
		{&m.Groups, "SELECT COUNT(*) FROM groups"},
		{&m.Messages, "SELECT COUNT(*) FROM messages"},
		{&m.UnreadMessages, "SELECT COUNT(*) FROM messages WHERE receiver_id IS NOT NULL AND status != 'read'"},
		{&m.Attachments, "SELECT COUNT(*) FROM messages WHERE file_url IS NOT NULL OR image_url IS NOT NULL"},
		{&m.UploadedBytes, "SELECT COALESCE(SUM(file_size), 0) FROM messages"},
		{&m.PushSubscribers, "SELECT COUNT(DISTINCT user_id) FROM push_subscriptions WHERE revoked_at IS NULL"},
		{&m.MessagesLast24h, "SELECT COUNT(*) FROM messages WHERE datetime(created_at) >= datetime('now', '-1 day')"},
	}
	for _, c := range counters {
		if err := conn.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return m, fmt.Errorf("could not read database stats: %w", err)
		}
	}

	var latest sql.NullString
	if err := conn.QueryRowContext(ctx, "SELECT MAX(created_at) FROM messages").Scan(&latest); err != nil {
		return m, fmt.Errorf("could not read database stats: %w", err)
	}
	m.LatestMessageAt = formatTimestamp(latest.String)

	levels, err := store.NewMessages(conn).CountBySecurityLevel(ctx)
	if err != nil {
		return m, fmt.Errorf("could not read database stats: %w", err)
	}
	m.SecurityLevels = make(map[models.SecurityLevel]int64, len(securityLevels))
	for _, level := range securityLevels {
		m.SecurityLevels[level] = levels[level]
	}
	return m, nil
}

func dirUsage(root string) (int64, int64, error) {
	var size, count int64
	err := filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		count++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return size, count, nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for q := n / unit; q >= unit; q /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatTimestamp(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

func printStatus(out io.Writer, status appStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "Nameh Status")
	fmt.Fprintf(w, "Generated at\t%s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Environment\t%s\n", status.Environment)
	fmt.Fprintf(w, "Port\t%s\n", status.Port)
	fmt.Fprintf(w, "Database\t%s\n", status.DatabasePath)
	fmt.Fprintf(w, "Uploads dir\t%s\n", status.FileStoragePath)
	fmt.Fprintf(w, "Integrity\t%s\n", status.IntegrityMode)

	fmt.Fprintln(w, "\nData")
	if status.MetricsReady {
		d := status.Data
		fmt.Fprintf(w, "  Users\t%d\n", d.Users)
		fmt.Fprintf(w, "  Groups\t%d\n", d.Groups)
		fmt.Fprintf(w, "  Messages\t%d\n", d.Messages)
		fmt.Fprintf(w, "  Unread messages\t%d\n", d.UnreadMessages)
		fmt.Fprintf(w, "  Attachments\t%d (%s)\n", d.Attachments, formatBytes(d.UploadedBytes))
		fmt.Fprintf(w, "  Push subscribers\t%d\n", d.PushSubscribers)
		fmt.Fprintf(w, "  Messages last 24h\t%d\n", d.MessagesLast24h)
		fmt.Fprintf(w, "  Latest message at\t%s\n", d.LatestMessageAt)

		fmt.Fprintln(w, "\nSecurity levels")
		for _, level := range securityLevels {
			fmt.Fprintf(w, "  %s\t%d\n", level, d.SecurityLevels[level])
		}
	} else {
		fmt.Fprintln(w, "  Database metrics\tn/a")
	}

	s := status.Storage
	fmt.Fprintln(w, "\nStorage")
	fmt.Fprintf(w, "  DB file\t%s\n", formatBytes(s.DBBytes))
	fmt.Fprintf(w, "  DB WAL file\t%s\n", formatBytes(s.WALBytes))
	fmt.Fprintf(w, "  DB SHM file\t%s\n", formatBytes(s.SHMBytes))
	fmt.Fprintf(w, "  DB footprint\t%s\n", formatBytes(s.footprint()))
	fmt.Fprintf(w, "  Upload files\t%d (%s)\n", s.UploadFileCount, formatBytes(s.UploadBytes))

	for _, warning := range status.Warnings {
		fmt.Fprintf(w, "\nWarning: %s\n", warning)
	}
	w.Flush()
}

func printStatusJSON(out io.Writer, status appStatus) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(status)
}
