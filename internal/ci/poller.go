package ci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/observability"
	"trainpipe/pkg/backoff"
)

// maxResponseBody bounds how much of a CI response is decoded.
const maxResponseBody = 4 << 20

// PollerConfig configures the CI poller. Zero values use defaults.
type PollerConfig struct {
	Interval time.Duration // default: 30s
	MaxWait  time.Duration // 0 waits as long as the build is running
	Timeout  time.Duration // per-request timeout, default: 30s
}

// Poller waits for the latest build of a CI job to finish.
type Poller struct {
	client   *http.Client
	interval time.Duration
	maxWait  time.Duration
}

// NewPoller creates a CI poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Poller{
		client:   &http.Client{Timeout: cfg.Timeout},
		interval: cfg.Interval,
		maxWait:  cfg.MaxWait,
	}
}

// Poll resolves the job's latest build number and then polls that build until it is
// no longer running. It returns nil error only when the build result is SUCCESS.
//
// A non-200 response fails immediately with apperrors.ErrTransport; a finished build
// with any other result fails with apperrors.ErrJobFailed.
func (p *Poller) Poll(ctx context.Context, req JobRequest) (*Build, error) {
	logger := observability.Logger(ctx).With("component", "ci", "job", req.Name)

	var job jobInfo
	if err := p.getJSON(ctx, req, req.jobURL(), &job); err != nil {
		return nil, err
	}
	if job.LastBuild == nil {
		return nil, apperrors.JobFailed(req.Name, 0, "NO_BUILDS")
	}

	build := &Build{Number: job.LastBuild.Number, Result: ResultPending}
	logger = logger.With("build", build.Number)
	logger.Info("Polling CI build")

	start := time.Now()
	err := backoff.Poll(ctx, backoff.PollConfig{Interval: p.interval, MaxWait: p.maxWait},
		func(ctx context.Context, attempt int) (bool, error) {
			var info buildInfo
			build.Polls++
			if err := p.getJSON(ctx, req, req.buildURL(build.Number), &info); err != nil {
				return false, err
			}
			if info.Building {
				logger.Debug("CI build still running", "attempt", attempt)
				return false, nil
			}

			if info.Result != nil {
				build.RawResult = *info.Result
			}
			build.Result = classify(build.RawResult)
			return true, nil
		})
	if errors.Is(err, backoff.ErrPollTimeout) {
		return build, apperrors.Timeout("ci.pollBuild", time.Since(start))
	}
	if err != nil {
		return build, err
	}

	if build.Result != ResultSuccess {
		logger.Warn("CI build failed", "result", build.RawResult)
		return build, apperrors.JobFailed(req.Name, build.Number, build.RawResult)
	}

	logger.Info("CI build succeeded", "polls", build.Polls)
	return build, nil
}

// classify maps a finished build's reported result onto a terminal BuildResult.
func classify(raw string) BuildResult {
	if raw == string(ResultSuccess) {
		return ResultSuccess
	}
	return ResultFailure
}

func (p *Poller) getJSON(ctx context.Context, req JobRequest, url string, v any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperrors.Transport("ci.newRequest", err)
	}
	httpReq.SetBasicAuth(req.User, req.Token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperrors.Transport("ci.get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.TransportStatus(fmt.Sprintf("ci.get %s", url), resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(v); err != nil {
		return apperrors.Transport("ci.decode", err)
	}
	return nil
}
