// Package logship bundles the day's log files and uploads them as one object.
package logship

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/observability"
	"trainpipe/internal/storage"

	"github.com/spf13/afero"
)

// Config holds configuration for a Shipper.
type Config struct {
	Fs      afero.Fs               // default: the OS filesystem
	Store   storage.ObjectStore    // required
	Bucket  string                 // required
	Prefix  string                 // key prefix, default "logs/training"
	Now     func() time.Time       // default: time.Now
	Metrics *observability.Metrics // optional
}

// UploadReport describes one shipment.
type UploadReport struct {
	Bucket   string   `json:"bucket,omitempty"`
	Key      string   `json:"key,omitempty"` // empty when nothing was uploaded
	Files    []string `json:"files"`        // files included in the bundle
	Skipped  []string `json:"skipped,omitempty"`
	Bytes    int64    `json:"bytes"`
	Uploaded bool     `json:"uploaded"`
}

// Shipper collects today's logs into a single bundle.
type Shipper struct {
	fs      afero.Fs
	store   storage.ObjectStore
	bucket  string
	prefix  string
	now     func() time.Time
	metrics *observability.Metrics
}

// NewShipper creates a log shipper.
func NewShipper(cfg Config) (*Shipper, error) {
	if cfg.Store == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "logs/training"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Shipper{
		fs:      cfg.Fs,
		store:   cfg.Store,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		now:     cfg.Now,
		metrics: cfg.Metrics,
	}, nil
}

// ShipTodaysLogs bundles every regular file under logRoot whose modification
// date (UTC) is today and uploads the bundle as one object.
//
// Unreadable files are logged and left out. An empty bundle is not uploaded.
// Upload failures are returned as apperrors.ErrShip.
func (s *Shipper) ShipTodaysLogs(ctx context.Context, logRoot string) (*UploadReport, error) {
	logger := slog.With("component", "logship", "root", logRoot)
	now := s.now().UTC()
	today := dateOf(now)

	report := &UploadReport{Files: []string{}}
	var bundle bytes.Buffer

	walkErr := afero.Walk(s.fs, logRoot, func(p string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == logRoot && errors.Is(err, fs.ErrNotExist) {
				logger.Warn("Log root does not exist")
				return nil
			}
			logger.Warn("Could not scan log path", "path", p, "error", err)
			report.Skipped = append(report.Skipped, p)
			return nil
		}
		if !info.Mode().IsRegular() || dateOf(info.ModTime().UTC()) != today {
			return nil
		}

		content, err := afero.ReadFile(s.fs, p)
		if err != nil {
			logger.Warn("Could not read log file", "path", p, "error", err)
			report.Skipped = append(report.Skipped, p)
			return nil
		}
		fmt.Fprintf(&bundle, "--- Log file: %s ---\n", p)
		bundle.Write(content)
		bundle.WriteString("\n\n")
		report.Files = append(report.Files, p)
		return nil
	})
	if walkErr != nil {
		return report, walkErr
	}

	if bundle.Len() == 0 {
		logger.Info("No logs from today to ship")
		return report, nil
	}

	key := path.Join(s.prefix, "training_logs_"+now.Format("2006-01-02_15-04-05")+".txt")
	if err := s.store.Put(ctx, s.bucket, key, bundle.Bytes(), "text/plain; charset=utf-8"); err != nil {
		return report, apperrors.Ship("logship.upload", err)
	}

	report.Bucket = s.bucket
	report.Key = key
	report.Bytes = int64(bundle.Len())
	report.Uploaded = true
	if s.metrics != nil {
		s.metrics.RecordLogsShipped(ctx, len(report.Files), report.Bytes)
	}

	logger.Info("Shipped logs", "bucket", s.bucket, "key", key, "files", len(report.Files), "bytes", report.Bytes)
	return report, nil
}

func dateOf(t time.Time) string {
	return t.Format(time.DateOnly)
}
