// Package health probes a freshly launched service over HTTP, trying a
// small ordered list of candidate URLs once each and giving up after the
// last one fails.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Result is what a successful candidate probe reported.
type Result struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
	URL    string `json:"url"`
}

// CandidateFailure records why one candidate URL did not come back healthy.
type CandidateFailure struct {
	URL string
	Err error
}

// AggregateError is returned when every candidate URL for a service fails.
// It behaves like an errors.Join result (Unwrap() []error) so callers can
// still errors.Is/errors.As through to an underlying transport error.
type AggregateError struct {
	Failures []CandidateFailure
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.URL, f.Err)
	}
	return "all health candidates failed: " + strings.Join(parts, "; ")
}

func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Prober performs HTTP health probes against a service's candidate URLs.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber returns a Prober whose GET requests are bounded by timeout.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// BuildCandidates assembles the ordered candidate URL list: a caller-supplied
// test URL; a caller-supplied path joined against hostServiceBase; "/health"
// appended to hostServiceBase; and finally the descriptor's own healthURL.
// Empty inputs are skipped and duplicates removed, preserving first occurrence.
func BuildCandidates(testURL, testPath, hostServiceBase, descriptorHealthURL string) []string {
	var ordered []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		ordered = append(ordered, u)
	}

	add(testURL)
	if testPath != "" && hostServiceBase != "" {
		add(joinURL(hostServiceBase, testPath))
	}
	if hostServiceBase != "" {
		add(joinURL(hostServiceBase, "/health"))
	}
	add(descriptorHealthURL)

	return ordered
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// Probe tries each candidate in order and returns the first healthy result.
// If every candidate fails, it returns an *AggregateError listing each
// candidate's failure reason.
func (p *Prober) Probe(ctx context.Context, candidates []string) (Result, error) {
	var failures []CandidateFailure
	for _, url := range candidates {
		result, err := p.probeOne(ctx, url)
		if err == nil {
			return result, nil
		}
		failures = append(failures, CandidateFailure{URL: url, Err: err})
	}
	if len(candidates) == 0 {
		failures = append(failures, CandidateFailure{URL: "", Err: fmt.Errorf("no candidate health URLs configured")})
	}
	return Result{}, &AggregateError{Failures: failures}
}

func (p *Prober) probeOne(ctx context.Context, url string) (Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read body from %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%s returned %s", url, resp.Status)
	}

	var parsed struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	detail := string(body)
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Detail != "":
			detail = parsed.Detail
		case parsed.Message != "":
			detail = parsed.Message
		case parsed.Status != "":
			detail = parsed.Status
		}
	}

	return Result{Status: "healthy", Detail: detail, URL: url}, nil
}
