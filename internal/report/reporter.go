package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/storage"
)

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	Store       storage.ObjectStore
	Publisher   Publisher
	Bucket      string
	ResultKey   string // default: cv_results.csv
	DatasetName string // default: cv_results_data
}

// Reporter downloads the training result table and publishes it as a dataset.
type Reporter struct {
	store       storage.ObjectStore
	publisher   Publisher
	bucket      string
	resultKey   string
	datasetName string
}

// Summary describes a published dataset.
type Summary struct {
	Dataset string `json:"dataset"`
	Source  string `json:"source"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
	Bytes   int    `json:"bytes"`
}

// NewReporter creates a reporter.
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.Store == nil || cfg.Publisher == nil {
		return nil, errors.New("store and publisher are required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.ResultKey == "" {
		cfg.ResultKey = "cv_results.csv"
	}
	if cfg.DatasetName == "" {
		cfg.DatasetName = "cv_results_data"
	}
	return &Reporter{
		store:       cfg.Store,
		publisher:   cfg.Publisher,
		bucket:      cfg.Bucket,
		resultKey:   cfg.ResultKey,
		datasetName: cfg.DatasetName,
	}, nil
}

// Publish downloads the result CSV, converts it to JSON records and publishes them.
func (r *Reporter) Publish(ctx context.Context) (*Summary, error) {
	source := r.bucket + "/" + r.resultKey
	logger := slog.With("component", "report", "source", source)

	data, err := r.store.Get(ctx, r.bucket, r.resultKey)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		return nil, apperrors.Transport("report.download", err)
	}
	logger.Info("Downloaded training results", "bytes", len(data))

	ds, err := ParseCSV(data)
	if err != nil {
		return nil, err
	}
	records, err := ds.Records()
	if err != nil {
		return nil, apperrors.Internal("report.records", fmt.Errorf("encode %s: %w", source, err))
	}

	if err := r.publisher.PublishDataset(ctx, records, r.datasetName); err != nil {
		return nil, err
	}

	return &Summary{
		Dataset: r.datasetName,
		Source:  source,
		Rows:    len(ds.Rows),
		Columns: len(ds.Columns),
		Bytes:   len(records),
	}, nil
}
