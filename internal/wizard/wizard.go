// Package wizard projects installation events onto a fixed four-step state
// machine and mirrors it to an external state store. Publisher owns every
// mutation of that projection; its producer (the engine) only ever
// enqueues updates and never wait on the result -- a slow or
// unreachable vault must never stall an installation.
package wizard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/noona-project/warden/internal/clock"
	"github.com/noona-project/warden/internal/history"
	"github.com/noona-project/warden/internal/store"
)

// Step is one of the four coarse installation phases an external consumer
// (the setup wizard frontend) renders progress against.
type Step string

const (
	StepFoundation   Step = "foundation"
	StepPortal       Step = "portal"
	StepRaven        Step = "raven"
	StepVerification Step = "verification"
)

// steps lists every Step in publish order, used to build a fresh State.
var steps = []Step{StepFoundation, StepPortal, StepRaven, StepVerification}

// Status is one state a single step can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusSkipped    Status = "skipped"
)

// StepState is the published state of one step.
type StepState struct {
	Status      Status     `json:"status"`
	Detail      string     `json:"detail,omitempty"`
	Error       string     `json:"error,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// State is the full published wizard state.
type State struct {
	Version int                 `json:"version"`
	Steps   map[Step]StepState `json:"steps"`
}

// Snapshot returns a deep copy of s, safe for a caller to read without
// racing a concurrent Publisher mutation.
func (s State) Snapshot() State {
	out := State{Version: s.Version, Steps: make(map[Step]StepState, len(s.Steps))}
	for step, ss := range s.Steps {
		out.Steps[step] = ss
	}
	return out
}

// kind distinguishes the operations Enqueue can carry.
type kind int

const (
	kindReset kind = iota
	kindServiceStatus
	kindRavenDetail
	kindCompleteInstall
)

// Update is one mutation enqueued onto a Publisher. Callers build one via
// the ResetUpdate/ServiceStatusUpdate/RavenDetailUpdate/CompleteInstallUpdate
// constructors rather than the zero value.
type Update struct {
	kind kind

	// kindReset
	serviceNames []string

	// kindServiceStatus
	service      string
	mappedStatus history.AggregateStatus
	entry        history.Entry

	// kindRavenDetail
	ravenPayload     string
	ravenStatus      Status
	forceRavenStatus bool
	ravenError       string

	// kindCompleteInstall
	hasErrors bool
}

// ResetUpdate clears the aggregate for a new installation batch. Steps with
// no service in serviceNames are marked skipped immediately.
func ResetUpdate(serviceNames []string) Update {
	return Update{kind: kindReset, serviceNames: serviceNames}
}

// ServiceStatusUpdate records one service's contribution to its step.
// mappedStatus must be history.AggInstalling, history.AggInstalled, or
// history.AggError -- the three statuses the history aggregate domain uses.
func ServiceStatusUpdate(service string, mappedStatus history.AggregateStatus, entry history.Entry) Update {
	return Update{kind: kindServiceStatus, service: service, mappedStatus: mappedStatus, entry: entry}
}

// RavenDetailUpdate replaces the raven step's detail payload without
// disturbing the per-service aggregation, optionally forcing its status.
func RavenDetailUpdate(payload string, forceStatus bool, status Status, errStr string) Update {
	return Update{kind: kindRavenDetail, ravenPayload: payload, forceRavenStatus: forceStatus, ravenStatus: status, ravenError: errStr}
}

// CompleteInstallUpdate finalizes the verification step and triggers a
// consolidated publish of the full state.
func CompleteInstallUpdate(hasErrors bool) Update {
	return Update{kind: kindCompleteInstall, hasErrors: hasErrors}
}

// patchPayload is one element of the PATCH body the external wizard-state
// store accepts, matching spec's {step, status?, detail?, error?,
// updatedAt?, completedAt?}.
type patchPayload struct {
	Step        Step       `json:"step"`
	Status      Status     `json:"status,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	Error       string     `json:"error,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

const queueCapacity = 64

// Publisher owns the wizard state projection and its delivery to the
// external store. Construct with New and call Run in its own goroutine;
// Enqueue is safe to call from any number of goroutines.
type Publisher struct {
	log           *slog.Logger
	clock         clock.Clock
	client        *http.Client
	vaultBaseURL  string
	vaultToken    string
	stepForSvc    map[string]Step
	publishTimeout func() time.Duration
	cache         *store.Store

	mqttBroker string
	mqttTopic  string

	mu           sync.Mutex
	state        State
	serviceSeen  map[Step]map[string]history.AggregateStatus

	queue   chan Update
	backlog map[Step]Update
}

// Options configures a Publisher at construction.
type Options struct {
	Log             *slog.Logger
	Clock           clock.Clock
	VaultBaseURL    string
	VaultToken      string
	StepForService  map[string]Step
	PublishTimeout  func() time.Duration
	Cache           *store.Store
	MQTTBroker      string
	MQTTTopic       string
}

// New builds a Publisher. It does not start the consumer goroutine --
// callers must run Run(ctx) themselves, typically via `go pub.Run(ctx)`.
func New(opts Options) *Publisher {
	cl := opts.Clock
	if cl == nil {
		cl = clock.Real{}
	}
	timeoutFn := opts.PublishTimeout
	if timeoutFn == nil {
		timeoutFn = func() time.Duration { return 10 * time.Second }
	}

	stepForSvc := make(map[string]Step, len(opts.StepForService))
	for svc, step := range opts.StepForService {
		stepForSvc[svc] = step
	}

	initial := State{Steps: make(map[Step]StepState, len(steps))}
	for _, s := range steps {
		initial.Steps[s] = StepState{Status: StatusPending}
	}

	return &Publisher{
		log:            opts.Log,
		clock:          cl,
		client:         &http.Client{Timeout: timeoutFn()},
		vaultBaseURL:   opts.VaultBaseURL,
		vaultToken:     opts.VaultToken,
		stepForSvc:     stepForSvc,
		publishTimeout: timeoutFn,
		cache:          opts.Cache,
		mqttBroker:     opts.MQTTBroker,
		mqttTopic:      opts.MQTTTopic,
		state:          initial,
		serviceSeen:    make(map[Step]map[string]history.AggregateStatus),
		queue:          make(chan Update, queueCapacity),
		backlog:        make(map[Step]Update),
	}
}

// DefaultStepMapping is the catalog-to-step assignment Warden ships with:
// the message bus and databases gate foundation, the secrets gateway and
// web console gate portal, the media scraper owns raven outright, and the
// external-integration bridge plus monitoring node gate verification.
func DefaultStepMapping() map[string]Step {
	return map[string]Step{
		"noona-mongo":   StepFoundation,
		"noona-redis":   StepFoundation,
		"noona-courier": StepFoundation,
		"noona-vault":   StepPortal,
		"noona-portal":  StepPortal,
		"noona-raven":   StepRaven,
		"noona-oracle":  StepVerification,
		"noona-sage":    StepVerification,
	}
}

// Enqueue submits an update for asynchronous delivery. It never blocks the
// caller: a full queue coalesces the update into a per-step backlog that
// the consumer loop drains opportunistically, keeping only the newest
// update for any step that hasn't been delivered yet.
func (p *Publisher) Enqueue(u Update) {
	select {
	case p.queue <- u:
	default:
		p.mu.Lock()
		p.backlog[p.stepOf(u)] = u
		p.mu.Unlock()
	}
}

func (p *Publisher) stepOf(u Update) Step {
	switch u.kind {
	case kindServiceStatus:
		return p.stepForSvc[u.service]
	case kindRavenDetail:
		return StepRaven
	default:
		// Reset and CompleteInstall affect every step; bucket them under
		// a reserved key so they never collide with a real step's backlog.
		return Step("")
	}
}

// Run drains the update queue and its backlog until ctx is cancelled. Call
// it in its own goroutine; it returns as soon as ctx.Done() fires, and
// updates still queued or in the backlog at that point are not applied.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.queue:
			p.apply(ctx, u)
		case <-ticker.C:
			p.drainBacklog(ctx)
		}
	}
}

func (p *Publisher) drainBacklog(ctx context.Context) {
	p.mu.Lock()
	if len(p.backlog) == 0 {
		p.mu.Unlock()
		return
	}
	pending := p.backlog
	p.backlog = make(map[Step]Update)
	p.mu.Unlock()

	for _, u := range pending {
		p.apply(ctx, u)
	}
}

func (p *Publisher) apply(ctx context.Context, u Update) {
	switch u.kind {
	case kindReset:
		p.applyReset(ctx, u.serviceNames)
	case kindServiceStatus:
		p.applyServiceStatus(ctx, u)
	case kindRavenDetail:
		p.applyRavenDetail(ctx, u)
	case kindCompleteInstall:
		p.applyCompleteInstall(ctx, u)
	}
}

func (p *Publisher) applyReset(ctx context.Context, serviceNames []string) {
	active := make(map[string]bool, len(serviceNames))
	for _, n := range serviceNames {
		active[n] = true
	}
	activeSteps := make(map[Step]bool)
	for svc, step := range p.stepForSvc {
		if active[svc] {
			activeSteps[step] = true
		}
	}

	p.mu.Lock()
	now := p.clock.Now()
	p.serviceSeen = make(map[Step]map[string]history.AggregateStatus)
	next := State{Version: p.state.Version + 1, Steps: make(map[Step]StepState, len(steps))}
	for _, s := range steps {
		if activeSteps[s] {
			next.Steps[s] = StepState{Status: StatusPending, UpdatedAt: now}
			p.serviceSeen[s] = make(map[string]history.AggregateStatus)
		} else {
			next.Steps[s] = StepState{Status: StatusSkipped, UpdatedAt: now}
		}
	}
	for svc, step := range p.stepForSvc {
		if active[svc] {
			p.serviceSeen[step][svc] = history.AggPending
		}
	}
	p.state = next
	snapshot := p.state.Snapshot()
	p.mu.Unlock()

	p.deliverAll(ctx, snapshot)
}

func (p *Publisher) applyServiceStatus(ctx context.Context, u Update) {
	step, ok := p.stepForSvc[u.service]
	if !ok {
		return
	}

	p.mu.Lock()
	bucket, ok := p.serviceSeen[step]
	if !ok {
		p.mu.Unlock()
		return
	}
	bucket[u.service] = u.mappedStatus

	ss := p.state.Steps[step]
	now := p.clock.Now()
	switch {
	case anyStatus(bucket, history.AggError):
		ss.Status = StatusError
		if u.entry.Error != "" {
			ss.Error = u.entry.Error
		}
	case allStatus(bucket, history.AggInstalled):
		ss.Status = StatusComplete
		ss.CompletedAt = &now
	case anyStatus(bucket, history.AggInstalling):
		ss.Status = StatusInProgress
	}
	if u.entry.Detail != "" {
		ss.Detail = u.entry.Detail
	}
	ss.UpdatedAt = now
	p.state.Steps[step] = ss
	p.state.Version++
	published := ss
	version := p.state.Version
	p.mu.Unlock()

	p.deliverOne(ctx, step, published, version)
}

func (p *Publisher) applyRavenDetail(ctx context.Context, u Update) {
	p.mu.Lock()
	ss := p.state.Steps[StepRaven]
	ss.Detail = u.ravenPayload
	if u.forceRavenStatus {
		ss.Status = u.ravenStatus
	}
	if u.ravenError != "" {
		ss.Error = u.ravenError
	}
	ss.UpdatedAt = p.clock.Now()
	p.state.Steps[StepRaven] = ss
	p.state.Version++
	published := ss
	version := p.state.Version
	p.mu.Unlock()

	p.deliverOne(ctx, StepRaven, published, version)
}

func (p *Publisher) applyCompleteInstall(ctx context.Context, u Update) {
	p.mu.Lock()
	now := p.clock.Now()
	ss := p.state.Steps[StepVerification]
	if u.hasErrors {
		ss.Status = StatusError
	} else if ss.Status != StatusSkipped {
		ss.Status = StatusComplete
		ss.CompletedAt = &now
	}
	ss.UpdatedAt = now
	p.state.Steps[StepVerification] = ss
	p.state.Version++
	snapshot := p.state.Snapshot()
	p.mu.Unlock()

	p.deliverAll(ctx, snapshot)
}

func anyStatus(bucket map[string]history.AggregateStatus, want history.AggregateStatus) bool {
	for _, s := range bucket {
		if s == want {
			return true
		}
	}
	return false
}

func allStatus(bucket map[string]history.AggregateStatus, want history.AggregateStatus) bool {
	if len(bucket) == 0 {
		return false
	}
	for _, s := range bucket {
		if s != want {
			return false
		}
	}
	return true
}

// deliverOne PATCHes a single step's state to the vault.
func (p *Publisher) deliverOne(ctx context.Context, step Step, ss StepState, version int) {
	payload := patchPayload{Step: step, Status: ss.Status, Detail: ss.Detail, Error: ss.Error, UpdatedAt: ss.UpdatedAt, CompletedAt: ss.CompletedAt}
	p.publish(ctx, payload, step, ss, version)
}

// deliverAll PATCHes the full consolidated state, used for resets and the
// final completeInstall update.
func (p *Publisher) deliverAll(ctx context.Context, snapshot State) {
	payloads := make([]patchPayload, 0, len(snapshot.Steps))
	for _, s := range steps {
		ss, ok := snapshot.Steps[s]
		if !ok {
			continue
		}
		payloads = append(payloads, patchPayload{Step: s, Status: ss.Status, Detail: ss.Detail, Error: ss.Error, UpdatedAt: ss.UpdatedAt, CompletedAt: ss.CompletedAt})
	}
	p.publish(ctx, payloads, "", StepState{}, snapshot.Version)
}

// publish sends body (a patchPayload or []patchPayload) to the vault with
// a bounded, exponentially-backed-off retry. Transport failures are logged
// at warn and swallowed -- they never propagate into the installation flow.
func (p *Publisher) publish(ctx context.Context, body any, cursorStep Step, cursorState StepState, version int) {
	if p.vaultBaseURL == "" {
		return
	}

	data, err := json.Marshal(body)
	if err != nil {
		p.warn("marshal wizard patch failed", "error", err)
		return
	}

	const maxAttempts = 3
	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.sendPatch(ctx, data); err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return
				case <-p.clock.After(backoff):
				}
				backoff *= 2
			}
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		p.warn("wizard publish failed after retries", "error", lastErr, "step", cursorStep)
		p.mirror(body)
		return
	}

	if p.cache != nil && cursorStep != "" {
		_ = p.cache.SaveWizardCursor(store.WizardCursor{Step: string(cursorStep), Status: string(cursorState.Status), SentAt: p.clock.Now()})
	}
	p.mirror(body)
}

func (p *Publisher) sendPatch(ctx context.Context, data []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.publishTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPatch, p.vaultBaseURL+"/wizard/state", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build wizard patch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.vaultToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.vaultToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send wizard patch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("wizard patch returned %s", resp.Status)
	}
	return nil
}

// mirror publishes the same payload to the configured MQTT broker, if any,
// so the external-integration bridge can subscribe to install progress
// without polling HTTP. Failures are logged at warn and otherwise ignored.
func (p *Publisher) mirror(body any) {
	if p.mqttBroker == "" {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}

	opts := mqtt.NewClientOptions().
		SetClientID("warden-wizard").
		AddBroker(p.mqttBroker).
		SetConnectTimeout(5 * time.Second).
		SetWriteTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(5 * time.Second) {
		p.warn("mqtt mirror connect timeout")
		return
	}
	if tok.Error() != nil {
		p.warn("mqtt mirror connect failed", "error", tok.Error())
		return
	}
	defer client.Disconnect(250)

	pub := client.Publish(p.mqttTopic, 0, false, data)
	if !pub.WaitTimeout(5 * time.Second) {
		p.warn("mqtt mirror publish timeout")
		return
	}
	if pub.Error() != nil {
		p.warn("mqtt mirror publish failed", "error", pub.Error())
	}
}

func (p *Publisher) warn(msg string, args ...any) {
	if p.log != nil {
		p.log.Warn(msg, args...)
	}
}

// State returns a snapshot of the current wizard state as Warden last
// computed it, without waiting on the vault round-trip.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Snapshot()
}
