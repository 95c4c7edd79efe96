// Package engine drives the installation of catalog services: for each
// service in a planned order it detects prerequisites, merges env
// overrides, ensures the container exists (pulling and running it if not),
// health-checks it, and records every step to the HistoryStore and the
// WizardPublisher. Only one installation batch runs at a time.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/noona-project/warden/internal/apperrors"
	"github.com/noona-project/warden/internal/catalog"
	"github.com/noona-project/warden/internal/docker"
	"github.com/noona-project/warden/internal/health"
	"github.com/noona-project/warden/internal/history"
	"github.com/noona-project/warden/internal/metrics"
	"github.com/noona-project/warden/internal/mount"
	"github.com/noona-project/warden/internal/planner"
	"github.com/noona-project/warden/internal/wizard"
)

// scraperService is the catalog name of the media scraper whose launch
// goes through MountDetector before anything else (spec.md §4.5 step 1).
const scraperService = "noona-raven"

// networkName is the Docker bridge network every installed service is
// attached to, and the network Warden itself joins on startup.
const networkName = "warden-net"

// InstallResult is the per-service outcome of one install. Neither Install
// nor InstallOne returns it; resultDetail renders it into the Detail of the
// service's "ready" history entry.
type InstallResult struct {
	Name           string
	Status         string
	HostServiceURL string
	Image          string
	Port           int
	Required       bool
	DetectedMount  string
	Error          string
}

// Engine is the control loop. Construct with New; Install/InstallOne are
// safe to call from multiple goroutines, but only one batch proceeds at a
// time -- a concurrent call while one is running returns apperrors.ConflictError.
type Engine struct {
	cat      *catalog.Catalog
	endpoint docker.EndpointAPI
	hist     *history.Store
	prober   *health.Prober
	detector *mount.Detector
	wiz      *wizard.Publisher
	log      *slog.Logger

	selfContainerID string
	hostServiceBase func() string

	mu   sync.Mutex
	busy bool
}

// New builds an Engine. endpoint is the primary Docker client installs are
// launched against; detector may scan additional sockets independently.
// hostServiceBase returns config.Config.HostServiceBase() at call time, so
// a runtime override is picked up without re-wiring the Engine.
func New(cat *catalog.Catalog, endpoint docker.EndpointAPI, hist *history.Store, prober *health.Prober, detector *mount.Detector, wiz *wizard.Publisher, selfContainerID string, hostServiceBase func() string, log *slog.Logger) *Engine {
	return &Engine{
		cat:             cat,
		endpoint:        endpoint,
		hist:            hist,
		prober:          prober,
		detector:        detector,
		wiz:             wiz,
		selfContainerID: selfContainerID,
		hostServiceBase: hostServiceBase,
		log:             log,
	}
}

// TryBegin claims the single installation-batch slot. Callers must call
// End when done, typically via defer.
func (e *Engine) TryBegin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return false
	}
	e.busy = true
	return true
}

// End releases the installation-batch slot.
func (e *Engine) End() {
	e.mu.Lock()
	e.busy = false
	e.mu.Unlock()
}

// ErrBusy is returned by Install/InstallOne when a batch is already running.
var ErrBusy = &apperrors.ConflictError{Reason: "an installation batch is already running"}

// Install runs plan.Order in sequence against the catalog, mirroring every
// step to the HistoryStore and WizardPublisher. Per-service failures are
// recorded and do not stop the batch; the returned error is non-nil only
// for a batch-level rejection (busy).
func (e *Engine) Install(ctx context.Context, plan *planner.PlannedInstall) error {
	if !e.TryBegin() {
		return ErrBusy
	}
	defer e.End()

	runID := uuid.New().String()
	e.log.Info("installation batch starting", "run_id", runID, "services", plan.Order)
	metrics.InstallationBatchesTotal.Inc()

	labels := make(map[string]string, len(plan.Order))
	for _, name := range plan.Order {
		labels[name] = name
	}
	e.hist.BeginBatch(plan.Order, labels)
	e.wiz.Enqueue(wizard.ResetUpdate(plan.Order))

	if err := e.endpoint.EnsureNetwork(ctx, networkName); err != nil {
		e.log.Warn("ensure network failed", "network", networkName, "error", err)
	}
	if e.selfContainerID != "" {
		if err := e.endpoint.AttachSelfToNetwork(ctx, networkName, e.selfContainerID); err != nil {
			e.log.Warn("attach self to network failed", "network", networkName, "error", err)
		}
	}

	hasErrors := false
	for _, name := range plan.Order {
		if err := e.installNamed(ctx, name, plan.Overrides[name]); err != nil {
			hasErrors = true
		}
	}

	e.wiz.Enqueue(wizard.CompleteInstallUpdate(hasErrors))
	e.appendBatchTerminal(runID, hasErrors)
	e.log.Info("installation batch finished", "run_id", runID, "has_errors", hasErrors)
	return nil
}

// InstallOne installs exactly the named service as a batch of one; required
// services are not added. The `/services/{name}/install` route does not use
// it: that route plans the name with the required services and calls Install.
func (e *Engine) InstallOne(ctx context.Context, name string, overrides map[string]string) error {
	if !e.TryBegin() {
		return ErrBusy
	}
	defer e.End()

	runID := uuid.New().String()
	e.log.Info("installation batch starting", "run_id", runID, "services", []string{name})
	metrics.InstallationBatchesTotal.Inc()

	e.hist.BeginBatch([]string{name}, map[string]string{name: name})
	e.wiz.Enqueue(wizard.ResetUpdate([]string{name}))

	err := e.installNamed(ctx, name, overrides)
	e.wiz.Enqueue(wizard.CompleteInstallUpdate(err != nil))
	e.appendBatchTerminal(runID, err != nil)
	e.log.Info("installation batch finished", "run_id", runID, "has_errors", err != nil)
	return nil
}

// appendBatchTerminal records the NDJSON stream's final line directly
// against InstallationService -- the HTTP handler watches for it to know
// when to stop streaming. It is excluded from aggregate folding so the
// synthetic "installation" name never becomes an item in the aggregate
// alongside the real services it summarizes.
func (e *Engine) appendBatchTerminal(runID string, hasErrors bool) {
	status := "complete"
	if hasErrors {
		status = "error"
	}
	e.hist.Append(history.InstallationService, history.Entry{
		Type:              history.TypeStatus,
		Status:            status,
		Message:           "installation batch finished",
		Detail:            fmt.Sprintf(`{"runId":%q}`, runID),
		SuppressAggregate: true,
	})
}

func (e *Engine) installNamed(ctx context.Context, name string, overrides map[string]string) error {
	desc, err := e.cat.Get(name)
	if err != nil {
		e.appendError(name, err.Error())
		return err
	}
	return e.installService(ctx, desc, overrides)
}

func (e *Engine) installService(ctx context.Context, desc catalog.ServiceDescriptor, overrides map[string]string) error {
	name := desc.Name
	volumes := append([]string(nil), desc.Volumes...)
	env := mergeEnv(desc.EnvTemplate, overrides)
	detectedMount := ""

	if name == scraperService {
		var containerPath string
		detectedMount, containerPath = e.detectScraperMount(ctx, overrides)
		if detectedMount != "" {
			env = setEnv(env, "APPDATA", containerPath)
			env = setEnv(env, "KAVITA_DATA_MOUNT", containerPath)
			volumes = append(volumes, detectedMount+":"+containerPath)
		}
	}

	exists, err := e.endpoint.ContainerExists(ctx, name)
	if err != nil {
		e.appendError(name, err.Error())
		metrics.InstallsTotal.WithLabelValues(name, "error").Inc()
		return err
	}

	if exists {
		e.appendStatus(name, history.Entry{Type: history.TypeStatus, Status: "running", Message: "container already exists", ClearError: true})
	} else {
		e.appendStatus(name, history.Entry{Type: history.TypeStatus, Status: "pulling", Message: fmt.Sprintf("pulling %s", desc.Image)})
		metrics.PullsTotal.WithLabelValues(desc.Image, "attempt").Inc()
		if err := e.endpoint.PullImage(ctx, desc.Image, func(p docker.ProgressEvent) {
			e.hist.Append(name, history.Entry{Type: history.TypeProgress, Status: "pulling", Message: p.Status, Detail: p.Detail})
		}); err != nil {
			metrics.PullsTotal.WithLabelValues(desc.Image, "error").Inc()
			e.appendError(name, fmt.Sprintf("pull %s: %v", desc.Image, err))
			metrics.InstallsTotal.WithLabelValues(name, "error").Inc()
			return err
		}
		metrics.PullsTotal.WithLabelValues(desc.Image, "success").Inc()

		e.appendStatus(name, history.Entry{Type: history.TypeStatus, Status: "starting", Message: "starting container"})
		spec := docker.ContainerSpec{Name: name, Image: desc.Image, Env: env, Volumes: volumes, Labels: map[string]string{"warden.service": name}}
		if _, err := e.endpoint.RunContainer(ctx, spec, networkName, func(line, stream string) {
			e.hist.Append(name, history.Entry{Type: history.TypeLog, Message: line, Stream: history.Stream(stream)})
		}); err != nil {
			e.appendError(name, fmt.Sprintf("run: %v", err))
			metrics.InstallsTotal.WithLabelValues(name, "error").Inc()
			return err
		}
	}

	base := ""
	if e.hostServiceBase != nil {
		base = e.hostServiceBase()
	}

	if desc.HealthURL != "" {
		e.appendStatus(name, history.Entry{Type: history.TypeStatus, Status: "health-check", Message: "checking health"})
		candidates := health.BuildCandidates("", "", base, desc.HealthURL)
		result, err := e.prober.Probe(ctx, candidates)
		if err != nil {
			metrics.HealthChecksTotal.WithLabelValues(name, "error").Inc()
			e.appendError(name, err.Error())
			metrics.InstallsTotal.WithLabelValues(name, "error").Inc()
			return err
		}
		metrics.HealthChecksTotal.WithLabelValues(name, "healthy").Inc()
		e.appendStatus(name, history.Entry{Type: history.TypeStatus, Status: result.Status, Detail: result.Detail})
	}

	result := InstallResult{
		Name:           name,
		Status:         "installed",
		HostServiceURL: HostServiceURL(desc, base),
		Image:          desc.Image,
		Port:           desc.Port,
		Required:       desc.Required,
		DetectedMount:  detectedMount,
	}
	e.appendStatus(name, history.Entry{Type: history.TypeStatus, Status: "ready", Message: "install complete", Detail: resultDetail(result), ClearError: true})
	metrics.InstallsTotal.WithLabelValues(name, "installed").Inc()
	return nil
}

// defaultScraperContainerPath is the container-side Kavita data mount used
// when the caller supplies a host path (KAVITA_DATA_MOUNT) but no container
// path override (APPDATA), per spec.md §4.5 step 1.
const defaultScraperContainerPath = "/kavita-data"

// scraperContainerPath resolves the container-side mount path: a
// caller-supplied APPDATA override always wins, defaulting to
// defaultScraperContainerPath only when APPDATA is absent.
func scraperContainerPath(overrides map[string]string) string {
	if p := overrides["APPDATA"]; p != "" {
		return p
	}
	return defaultScraperContainerPath
}

// detectScraperMount runs MountDetector, falling back to caller-supplied
// KAVITA_DATA_MOUNT/APPDATA overrides on failure, per spec.md §4.5 step 1.
// It returns the host path to bind-mount and the container path it should
// be mounted at; the latter always honors a caller-supplied APPDATA.
func (e *Engine) detectScraperMount(ctx context.Context, overrides map[string]string) (hostPath, containerPath string) {
	containerPath = scraperContainerPath(overrides)
	e.appendStatus(scraperService, history.Entry{Type: history.TypeStatus, Status: "detecting", Message: "detecting Kavita data mount"})

	detection, err := e.detector.Detect(ctx)
	if err != nil {
		e.log.Warn("mount detection failed", "error", err)
	}
	if detection != nil {
		payload := fmt.Sprintf(`{"detection":{"mountPath":%q,"socketPath":%q}}`, detection.Source, detection.SocketPath)
		e.wiz.Enqueue(wizard.RavenDetailUpdate(payload, false, "", ""))
		e.appendStatus(scraperService, history.Entry{Type: history.TypeStatus, Status: "detected", Message: "Kavita data mount detected", Detail: detection.Source})
		return detection.Source, containerPath
	}

	if host := overrides["KAVITA_DATA_MOUNT"]; host != "" {
		e.appendStatus(scraperService, history.Entry{Type: history.TypeStatus, Status: "detected", Message: "using caller-supplied Kavita data mount", Detail: host})
		return host, containerPath
	}

	e.appendStatus(scraperService, history.Entry{Type: history.TypeStatus, Status: "not-found", Message: "no Kavita installation detected"})
	return "", containerPath
}

// appendStatus records e against service in the HistoryStore and, when its
// Status classifies into the installation aggregate's status domain, mirrors
// the same classification to the WizardPublisher so the wizard's per-step
// state reflects in-progress/error/complete while a batch is actually
// running, not just at reset/complete boundaries (spec.md §4.8).
func (e *Engine) appendStatus(service string, entry history.Entry) {
	e.hist.Append(service, entry)
	if entry.Status == "" {
		return
	}
	if agg, ok := history.Classify(entry.Status); ok {
		e.wiz.Enqueue(wizard.ServiceStatusUpdate(service, agg, entry))
	}
}

func (e *Engine) appendError(name, msg string) {
	entry := history.Entry{Type: history.TypeError, Status: "error", Message: msg, Error: msg}
	e.hist.Append(name, entry)
	e.wiz.Enqueue(wizard.ServiceStatusUpdate(name, history.AggError, entry))
}

// mergeEnv overlays overrides on top of template ("KEY=VALUE" entries),
// preserving first-appearance order. An override with an empty value
// still yields "KEY=".
func mergeEnv(template []string, overrides map[string]string) []string {
	order := make([]string, 0, len(template)+len(overrides))
	values := make(map[string]string, len(template)+len(overrides))
	seen := make(map[string]bool, len(template)+len(overrides))

	for _, kv := range template {
		k, v := splitEnv(kv)
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
		values[k] = v
	}
	for k, v := range overrides {
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
		values[k] = v
	}

	out := make([]string, len(order))
	for i, k := range order {
		out[i] = k + "=" + values[k]
	}
	return out
}

// setEnv overwrites key in env (a "KEY=VALUE" slice), appending it if
// absent, preserving the invariant that rewrites never drop prior entries.
func setEnv(env []string, key, value string) []string {
	for i, kv := range env {
		k, _ := splitEnv(kv)
		if k == key {
			env[i] = key + "=" + value
			return env
		}
	}
	return append(env, key+"="+value)
}

func splitEnv(kv string) (key, value string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

// HostServiceURL composes a service's externally-reachable URL per
// spec.md §4.5: an explicit override wins; otherwise a configured port is
// composed against base; with neither, there is no URL. Exported so the
// HTTP surface can compute the same value for GET /services without
// duplicating the rule.
func HostServiceURL(desc catalog.ServiceDescriptor, base string) string {
	if desc.HostServiceURLOverride != "" {
		return desc.HostServiceURLOverride
	}
	if desc.Port != 0 {
		return fmt.Sprintf("%s:%d", base, desc.Port)
	}
	return ""
}

// resultDetail renders an InstallResult as a compact JSON object for the
// terminal "ready" history entry's Detail field, so HTTP handlers and the
// NDJSON stream can surface hostServiceUrl/image/port without the engine
// needing its own response type independent of HistoryEntry.
func resultDetail(r InstallResult) string {
	detail := fmt.Sprintf(`{"status":"installed","image":%q,"port":%d,"required":%t`, r.Image, r.Port, r.Required)
	if r.HostServiceURL != "" {
		detail += fmt.Sprintf(`,"hostServiceUrl":%q`, r.HostServiceURL)
	}
	if r.DetectedMount != "" {
		detail += fmt.Sprintf(`,"detectedMount":%q`, r.DetectedMount)
	}
	detail += "}"
	return detail
}
