// Package mount locates a third-party container (by default one whose
// image or name contains "kavita") across every Docker endpoint Warden
// knows about, and reports the host path backing its /data bind mount.
package mount

import (
	"context"
	"log/slog"
	"strings"

	"github.com/noona-project/warden/internal/docker"
	"github.com/noona-project/warden/internal/store"
)

// DefaultNeedle is the image/name substring MountDetector matches on when
// the caller does not configure one explicitly (spec.md §8 scenario 3).
const DefaultNeedle = "kavita"

// Detection is the result of a successful scan: the /data mount's host
// source path, which socket served the winning container, and that
// container's own identity for diagnostic display.
type Detection struct {
	Source        string
	SocketPath    string
	ContainerID   string
	ContainerName string
}

// Opener resolves a socket path to a live endpoint, mirroring
// docker.Gateway.Open so tests can substitute a fake.
type Opener func(path string) (docker.EndpointAPI, error)

// Detector scans a primary endpoint followed by every discovered socket,
// in order, for the first container whose image or name contains needle.
type Detector struct {
	primary docker.EndpointAPI
	sockets []string
	open    Opener
	needle  string
	log     *slog.Logger
	cache   *store.Store
}

// New builds a Detector. primary is tried before sockets, in the order
// docker.Discover returned them. cache may be nil, in which case detections
// are not persisted.
func New(primary docker.EndpointAPI, sockets []string, open Opener, needle string, log *slog.Logger, cache *store.Store) *Detector {
	if needle == "" {
		needle = DefaultNeedle
	}
	return &Detector{primary: primary, sockets: sockets, open: open, needle: needle, log: log, cache: cache}
}

// Detect scans every known endpoint and returns the first match's /data
// mount source, or nil if none is found. Per-socket failures are logged as
// warnings and otherwise ignored; they never fail the overall detection.
func (d *Detector) Detect(ctx context.Context) (*Detection, error) {
	type probeTarget struct {
		socketPath string
		api        docker.EndpointAPI
	}

	targets := make([]probeTarget, 0, len(d.sockets)+1)
	if d.primary != nil {
		targets = append(targets, probeTarget{socketPath: "", api: d.primary})
	}
	for _, socketPath := range d.sockets {
		api, err := d.open(socketPath)
		if err != nil {
			if d.log != nil {
				d.log.Warn("mount detector: failed to open socket", "socket", socketPath, "error", err)
			}
			continue
		}
		targets = append(targets, probeTarget{socketPath: socketPath, api: api})
	}

	for _, c := range targets {
		containers, err := c.api.ListAllContainers(ctx)
		if err != nil {
			if d.log != nil {
				d.log.Warn("mount detector: list containers failed", "socket", c.socketPath, "error", err)
			}
			continue
		}

		match, ok := firstMatch(containers, d.needle)
		if !ok {
			continue
		}

		details, err := c.api.InspectContainer(ctx, match.ID)
		if err != nil {
			if d.log != nil {
				d.log.Warn("mount detector: inspect failed", "socket", c.socketPath, "container", match.ID, "error", err)
			}
			continue
		}

		for _, m := range details.Mounts {
			if m.Destination == "/data" {
				name := ""
				if len(match.Names) > 0 {
					name = strings.TrimPrefix(match.Names[0], "/")
				}
				detection := &Detection{Source: m.Source, SocketPath: c.socketPath, ContainerID: match.ID, ContainerName: name}
				d.remember(detection)
				return detection, nil
			}
		}
	}

	return nil, nil
}

func (d *Detector) remember(detection *Detection) {
	if d.cache == nil {
		return
	}
	_ = d.cache.SaveMountDetection(d.needle, store.MountDetection{Source: detection.Source})
}

// CachedFallback returns the last detection persisted for this Detector's
// needle. It is never consulted for engine launch decisions, which always
// re-detect live, and no HTTP route reads it: `/detect` also re-detects live.
func (d *Detector) CachedFallback() (store.MountDetection, bool) {
	if d.cache == nil {
		return store.MountDetection{}, false
	}
	detection, ok, err := d.cache.LoadMountDetection(d.needle)
	if err != nil {
		return store.MountDetection{}, false
	}
	return detection, ok
}

func firstMatch(containers []docker.ContainerSummary, needle string) (docker.ContainerSummary, bool) {
	needle = strings.ToLower(needle)
	for _, c := range containers {
		if strings.Contains(strings.ToLower(c.Image), needle) {
			return c, true
		}
		for _, name := range c.Names {
			if strings.Contains(strings.ToLower(name), needle) {
				return c, true
			}
		}
	}
	return docker.ContainerSummary{}, false
}
