package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"trainpipe/internal/apperrors"
)

// Publisher sends a dataset of JSON records to a reporting backend.
type Publisher interface {
	PublishDataset(ctx context.Context, records []byte, name string) error
}

// HTTPPublisherConfig configures the HTTP reporting integration.
type HTTPPublisherConfig struct {
	BaseURL   string
	Token     string
	ProjectID string
	Timeout   time.Duration // default: 1m
}

// HTTPPublisher posts datasets to {BaseURL}/projects/{ProjectID}/datasets.
type HTTPPublisher struct {
	client   *http.Client
	endpoint string
	token    string
}

// datasetUpload is the request body. Data carries the records as a JSON string.
type datasetUpload struct {
	Data        string `json:"data"`
	DatasetName string `json:"dataset_name"`
}

// NewHTTPPublisher creates a publisher for one reporting project.
func NewHTTPPublisher(cfg HTTPPublisherConfig) *HTTPPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &HTTPPublisher{
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/projects/" + url.PathEscape(cfg.ProjectID) + "/datasets",
		token:    cfg.Token,
	}
}

// PublishDataset uploads records under name. Any failure, including a non-2xx
// response, is returned as apperrors.ErrShip.
func (p *HTTPPublisher) PublishDataset(ctx context.Context, records []byte, name string) error {
	body, err := json.Marshal(datasetUpload{Data: string(records), DatasetName: name})
	if err != nil {
		return apperrors.Ship("report.encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.Ship("report.newRequest", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return apperrors.Ship("report.post", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return apperrors.Ship("report.post", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	slog.Info("Dataset published", "component", "report", "dataset", name, "bytes", len(records))
	return nil
}
