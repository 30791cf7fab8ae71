package allocator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// unicoreStateRunning is the JobState value indicating the batch job holds
// its allocation and the startup script is executing.
const unicoreStateRunning = "RUNNING"

// errStdoutMissing means the uspace storage has no stdout file — the job is
// gone from the cluster's point of view.
var errStdoutMissing = errors.New("allocator: job stdout not found")

// UnicoreConfig holds the connection parameters for the UNICORE allocator.
type UnicoreConfig struct {
	// Endpoint is the REST core URL, e.g. https://site:8080/CLUSTER/rest/core.
	Endpoint string

	// DNSSuffix anchors the hostname pattern searched for in the job's
	// stdout, e.g. "bbp.epfl.ch".
	DNSSuffix string
}

// UnicoreAllocator submits jobs to a UNICORE REST endpoint from named
// use-case templates. The backend host is discovered by scanning the job's
// stdout for a fully qualified hostname, which the startup script prints
// once the services are up.
//
// UNICORE offers no stop primitive through this deployment's API surface:
// DestroyJob reports ErrUnsupported and jobs end when their requested
// runtime elapses on the cluster side.
type UnicoreAllocator struct {
	cfg      UnicoreConfig
	cases    UseCases
	client   *http.Client
	hostExpr *regexp.Regexp
	logger   *zap.Logger
}

// NewUnicoreAllocator builds the allocator. The client is the shared
// outbound HTTP session, typically configured with the site CA.
func NewUnicoreAllocator(cfg UnicoreConfig, cases UseCases, client *http.Client, logger *zap.Logger) *UnicoreAllocator {
	return &UnicoreAllocator{
		cfg:      cfg,
		cases:    cases,
		client:   client,
		hostExpr: regexp.MustCompile(`\w*\.` + regexp.QuoteMeta(cfg.DNSSuffix)),
		logger:   logger.Named("unicore_allocator"),
	}
}

// CreateJob submits the use-case template named in the payload. The job ID
// is the last segment of the Location header in the 201 response.
func (a *UnicoreAllocator) CreateJob(ctx context.Context, token string, payload map[string]any) (string, error) {
	name, ok := payload["usecase"].(string)
	if !ok || name == "" {
		return "", fmt.Errorf("no usecase provided in request body: %w", ErrBadPayload)
	}

	template, ok := a.cases[name]
	if !ok {
		return "", fmt.Errorf("unknown usecase %q: %w", name, ErrBadPayload)
	}

	url := a.cfg.Endpoint + "/jobs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(template))
	if err != nil {
		return "", fmt.Errorf("allocator: building submission request: %w", err)
	}
	a.setJSONHeaders(req, token)

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("UNICORE submission failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		a.logger.Error("UNICORE rejected submission", zap.Int("status", resp.StatusCode))
		return "", fmt.Errorf("%w: UNICORE returned status %d", ErrAllocation, resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		a.logger.Error("UNICORE response missing Location header")
		return "", fmt.Errorf("%w: response missing Location header", ErrAllocation)
	}

	parts := strings.Split(location, "/")
	jobID := parts[len(parts)-1]

	a.logger.Info("UNICORE job submitted", zap.String("job_id", jobID))
	return jobID, nil
}

// DestroyJob is not available for this variant.
func (a *UnicoreAllocator) DestroyJob(_ context.Context, _ string) error {
	return ErrUnsupported
}

// JobDetails reads the job state and, once the job runs, scans its stdout
// for the backend hostname. A job that is queued or still booting yields
// empty details rather than an error.
func (a *UnicoreAllocator) JobDetails(ctx context.Context, token, jobID string) (Details, error) {
	url := fmt.Sprintf("%s/jobs/%s/details", a.cfg.Endpoint, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Details{}, fmt.Errorf("allocator: building details request: %w", err)
	}
	a.setJSONHeaders(req, token)

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("UNICORE details request failed", zap.String("job_id", jobID), zap.Error(err))
		return Details{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	defer resp.Body.Close()

	var details struct {
		JobState string `json:"JobState"`
		EndTime  string `json:"EndTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		a.logger.Warn("invalid UNICORE details response", zap.String("job_id", jobID), zap.Error(err))
		return Details{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	if details.JobState != unicoreStateRunning {
		return Details{}, nil
	}

	result := Details{EndTime: parseUnicoreTime(details.EndTime)}

	stdout, err := a.readStdout(ctx, token, jobID)
	if err != nil {
		if errors.Is(err, errStdoutMissing) {
			return Details{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		// The working directory appears shortly after the job starts; until
		// then the job is running but not ready.
		a.logger.Debug("stdout not readable yet", zap.String("job_id", jobID), zap.Error(err))
		return result, nil
	}

	if host := a.hostExpr.FindString(stdout); strings.Contains(stdout, "HOSTNAME") && host != "" {
		result.Host = host
	}
	return result, nil
}

func (a *UnicoreAllocator) Close() error { return nil }

// readStdout fetches the job's stdout from its uspace storage.
func (a *UnicoreAllocator) readStdout(ctx context.Context, token, jobID string) (string, error) {
	url := fmt.Sprintf("%s/storages/%s-uspace/files/stdout", a.cfg.Endpoint, jobID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("allocator: building stdout request: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("allocator: stdout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", errStdoutMissing
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("allocator: stdout returned status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("allocator: reading stdout body: %w", err)
	}
	return string(content), nil
}

func (a *UnicoreAllocator) setJSONHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
}

// parseUnicoreTime parses the EndTime field. UNICORE emits ISO-8601 with a
// numeric zone offset; RFC 3339 is tried first.
func parseUnicoreTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
