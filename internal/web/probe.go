package web

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/noona-project/warden/internal/health"
)

// serviceTestRequest is the optional body of POST /services/{name}/test.
type serviceTestRequest struct {
	URL     string            `json:"url"`
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// serviceTestResponse is the shape spec.md §6 requires for the test probe.
type serviceTestResponse struct {
	Service   string  `json:"service"`
	Success   bool    `json:"success"`
	Supported bool    `json:"supported"`
	Status    int     `json:"status,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Body      string  `json:"body,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// handleServiceTest implements POST /services/{name}/test: an ad-hoc HTTP
// probe against a service's candidate URL, independent of the installation
// engine's own HealthProber pass.
func (s *Server) handleServiceTest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	desc, err := s.deps.Catalog.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req serviceTestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	base := ""
	if s.deps.Config != nil {
		base = s.deps.Config.HostServiceBase()
	}
	candidates := health.BuildCandidates(req.URL, req.Path, base, desc.HealthURL)
	if len(candidates) == 0 {
		writeJSON(w, http.StatusOK, serviceTestResponse{Service: name, Supported: false})
		return
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = bytes.NewBufferString(req.Body)
	}

	timeout := 10 * time.Second
	if s.deps.Config != nil {
		timeout = s.deps.Config.HealthTimeout()
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, candidates[0], bodyReader)
	if err != nil {
		writeJSON(w, http.StatusOK, serviceTestResponse{Service: name, Supported: true, Error: err.Error()})
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := &http.Client{}
	start := time.Now()
	resp, err := client.Do(httpReq)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		writeJSON(w, http.StatusOK, serviceTestResponse{Service: name, Supported: true, Duration: elapsed, Error: err.Error()})
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	writeJSON(w, http.StatusOK, serviceTestResponse{
		Service:   name,
		Success:   success,
		Supported: true,
		Status:    resp.StatusCode,
		Duration:  elapsed,
		Body:      string(respBody),
	})
}

// ravenDetectionView is the shape spec.md §6 requires for the mount
// discovery diagnostic endpoint.
type ravenDetectionView struct {
	MountPath     string `json:"mountPath"`
	SocketPath    string `json:"socketPath"`
	ContainerID   string `json:"containerId"`
	ContainerName string `json:"containerName"`
}

// handleRavenDetect implements POST /services/noona-raven/detect: runs
// MountDetector on demand, independent of an install, so the setup wizard
// can preview what an install would find.
func (s *Server) handleRavenDetect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detector == nil {
		writeJSON(w, http.StatusOK, map[string]any{"detection": nil})
		return
	}

	detection, err := s.deps.Detector.Detect(r.Context())
	if err != nil {
		s.deps.Log.Warn("raven mount detection failed", "error", err)
	}
	if detection == nil {
		writeJSON(w, http.StatusOK, map[string]any{"detection": nil})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"detection": ravenDetectionView{
		MountPath:     detection.Source,
		SocketPath:    detection.SocketPath,
		ContainerID:   detection.ContainerID,
		ContainerName: detection.ContainerName,
	}})
}
