package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// ContainerSpec is the immutable description of a container to launch,
// built by the engine from a catalog.ServiceDescriptor plus overrides.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     []string // ordered KEY=VALUE
	Volumes []string // ordered host:container[:opts]
	Labels  map[string]string
}

// ProgressEvent is one registry pull progress update.
type ProgressEvent struct {
	Status string
	Detail string
}

// Mount is one bind/volume mount on a container, trimmed to the fields
// MountDetector needs.
type Mount struct {
	Destination string
	Source      string
}

// ContainerDetails is the trimmed inspect result MountDetector consumes.
type ContainerDetails struct {
	ID     string
	Mounts []Mount
}

// ContainerSummary is the trimmed listing result MountDetector and the
// engine's exists-check consume.
type ContainerSummary struct {
	ID     string
	Names  []string
	Image  string
	Labels map[string]string
}

// ContainerExists reports whether a container with name exists in any
// state (running, stopped, created).
func (e *Endpoint) ContainerExists(ctx context.Context, name string) (bool, error) {
	args := make(client.Filters).Add("name", "^/"+name+"$")
	result, err := e.api.ContainerList(ctx, client.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return false, classify("containerExists", err)
	}
	return len(result.Items) > 0, nil
}

// EnsureNetwork idempotently creates a named bridge network.
func (e *Endpoint) EnsureNetwork(ctx context.Context, name string) error {
	args := make(client.Filters).Add("name", "^"+name+"$")
	list, err := e.api.NetworkList(ctx, client.NetworkListOptions{Filters: args})
	if err != nil {
		return classify("ensureNetwork list", err)
	}
	if len(list.Items) > 0 {
		return nil
	}
	_, err = e.api.NetworkCreate(ctx, name, client.NetworkCreateOptions{Driver: "bridge"})
	if err != nil && !isConflict(err) {
		return classify("ensureNetwork create", err)
	}
	return nil
}

// AttachSelfToNetwork idempotently attaches selfContainerID to network.
func (e *Endpoint) AttachSelfToNetwork(ctx context.Context, networkName, selfContainerID string) error {
	if selfContainerID == "" {
		return nil
	}
	_, err := e.api.NetworkConnect(ctx, networkName, selfContainerID, client.NetworkConnectOptions{EndpointConfig: &network.EndpointSettings{}})
	if err != nil && !isConflict(err) {
		return classify("attachSelfToNetwork", err)
	}
	return nil
}

// pullFrame is one line of the newline-delimited JSON progress stream the
// registry pull endpoint emits.
type pullFrame struct {
	Status         string `json:"status"`
	ID             string `json:"id"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
}

// PullImage pulls image, decoding the daemon's newline-delimited JSON
// progress stream and reporting each frame through onProgress. The stream
// must be drained to completion or the daemon may not finish writing the
// image's layers to disk.
func (e *Endpoint) PullImage(ctx context.Context, ref string, onProgress func(ProgressEvent)) error {
	resp, err := e.api.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return classify("pullImage", err)
	}
	defer resp.Close()

	decoder := json.NewDecoder(resp)
	for {
		var frame pullFrame
		if err := decoder.Decode(&frame); err != nil {
			if err == io.EOF {
				break
			}
			return classify("pullImage decode", err)
		}
		if onProgress != nil {
			onProgress(ProgressEvent{Status: frame.Status, Detail: frame.ID})
		}
	}
	return nil
}

// RunContainer creates and starts spec on network, then demultiplexes its
// combined stdout/stderr into line-delivered callbacks until the context
// is cancelled. CR and NUL bytes are stripped; empty lines are dropped.
func (e *Endpoint) RunContainer(ctx context.Context, spec ContainerSpec, networkName string, onLog func(line, stream string)) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Binds:       spec.Volumes,
		NetworkMode: container.NetworkMode(networkName),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := e.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             spec.Name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", classify("runContainer create", err)
	}

	if _, err := e.api.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return resp.ID, classify("runContainer start", err)
	}

	if onLog != nil {
		go e.streamLogs(ctx, resp.ID, onLog)
	}

	return resp.ID, nil
}

func (e *Endpoint) streamLogs(ctx context.Context, id string, onLog func(line, stream string)) {
	reader, err := e.api.ContainerLogs(ctx, id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer reader.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, reader)
		stdoutW.Close()
		stderrW.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(stdoutR, "stdout", onLog, &wg)
	go scanLines(stderrR, "stderr", onLog, &wg)
	wg.Wait()
}

func scanLines(r io.Reader, stream string, onLog func(line, stream string), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := cleanLine(scanner.Text())
		if line == "" {
			continue
		}
		onLog(line, stream)
	}
}

// cleanLine strips CR and NUL bytes from a log line.
func cleanLine(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// StopContainer idempotently stops a running container.
func (e *Endpoint) StopContainer(ctx context.Context, id string) error {
	timeout := 10
	_, err := e.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
	if err != nil && !isNotFound(err) {
		return classify("stopContainer", err)
	}
	return nil
}

// RemoveContainer idempotently removes a container.
func (e *Endpoint) RemoveContainer(ctx context.Context, id string) error {
	_, err := e.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true})
	if err != nil && !isNotFound(err) {
		return classify("removeContainer", err)
	}
	return nil
}

// InspectContainer returns the container's mounts for mount discovery.
func (e *Endpoint) InspectContainer(ctx context.Context, id string) (ContainerDetails, error) {
	result, err := e.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return ContainerDetails{}, classify("inspectContainer", err)
	}
	mounts := make([]Mount, 0, len(result.Container.Mounts))
	for _, m := range result.Container.Mounts {
		mounts = append(mounts, Mount{Destination: m.Destination, Source: m.Source})
	}
	return ContainerDetails{ID: result.Container.ID, Mounts: mounts}, nil
}

// ListAllContainers returns every container regardless of state, used by
// MountDetector to scan for a running media-scraper dependency.
func (e *Endpoint) ListAllContainers(ctx context.Context) ([]ContainerSummary, error) {
	result, err := e.api.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, classify("listAllContainers", err)
	}
	summaries := make([]ContainerSummary, 0, len(result.Items))
	for _, c := range result.Items {
		summaries = append(summaries, ContainerSummary{
			ID:     c.ID,
			Names:  c.Names,
			Image:  c.Image,
			Labels: c.Labels,
		})
	}
	return summaries, nil
}
