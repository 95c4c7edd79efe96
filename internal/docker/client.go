// Package docker wraps the Docker Engine API client behind the operations
// the installation engine needs, and discovers which socket(s) on the host
// actually speak that API.
package docker

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/client"
)

// Endpoint wraps one Docker API client together with the socket path it
// was constructed from, so callers can report which endpoint served a
// given request (used by MountDetector to attribute a detection).
type Endpoint struct {
	Path string
	api  *client.Client
}

// Ping checks that this endpoint's daemon is reachable.
func (e *Endpoint) Ping(ctx context.Context) error {
	_, err := e.api.Ping(ctx, client.PingOptions{})
	return classify("ping", err)
}

// Close releases the endpoint's client resources.
func (e *Endpoint) Close() error { return e.api.Close() }

// Gateway discovers Docker sockets on the host and caches one client per
// path. It is the process-wide entry point for every Docker operation.
type Gateway struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// NewGateway returns a ready-to-use Gateway with no endpoints yet opened.
func NewGateway() *Gateway {
	return &Gateway{endpoints: make(map[string]*Endpoint)}
}

// wellKnownSockets are the fixed candidate paths consulted after explicit
// configuration and before a directory scan.
var wellKnownSockets = []string{
	"/var/run/docker.sock",
	"/run/docker.sock",
	"/var/run/podman/podman.sock",
	"/run/podman/podman.sock",
}

// scanDirs are the parents searched (plus their docker/ and podman/
// subdirectories) for additional candidate sockets.
var scanDirs = []string{"/var/run", "/run"}

// Discover produces a deduplicated, ordered list of candidate Docker
// socket paths: env var lists, DOCKER_HOST (if a unix path), the
// well-known list, then a directory scan. tcp:// entries are rejected —
// Warden's discovery only ever surfaces unix sockets.
func Discover(envSocketLists ...string) []string {
	var ordered []string
	seen := make(map[string]bool)
	add := func(path string) {
		path = strings.TrimPrefix(strings.TrimSpace(path), "unix://")
		if path == "" || seen[path] {
			return
		}
		if strings.HasPrefix(path, "tcp://") || strings.HasPrefix(path, "tcps://") {
			return
		}
		seen[path] = true
		ordered = append(ordered, path)
	}

	for _, list := range envSocketLists {
		for _, entry := range strings.Split(list, ",") {
			add(entry)
		}
	}

	if host := os.Getenv("DOCKER_HOST"); strings.HasPrefix(host, "unix://") {
		add(host)
	}

	for _, p := range wellKnownSockets {
		add(p)
	}

	for _, dir := range scanDirs {
		for _, sub := range []string{dir, filepath.Join(dir, "docker"), filepath.Join(dir, "podman")} {
			entries, err := os.ReadDir(sub)
			if err != nil {
				continue
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				names = append(names, entry.Name())
			}
			sort.Strings(names)
			for _, name := range names {
				lower := strings.ToLower(name)
				if strings.Contains(lower, "sock") && (strings.Contains(lower, "docker") || strings.Contains(lower, "podman")) {
					add(filepath.Join(sub, name))
				}
			}
		}
	}

	return ordered
}

// Open returns the cached Endpoint for path, constructing and caching a
// new one on first use. Construction errors are returned to the caller,
// who is expected to log a warning and skip that path (per spec).
func (g *Gateway) Open(path string) (*Endpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ep, ok := g.endpoints[path]; ok {
		return ep, nil
	}

	api, err := client.New(
		client.WithHost("unix://"+path),
		client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.DialTimeout("unix", path, 30*time.Second)
				},
			},
		}),
	)
	if err != nil {
		return nil, classify("open "+path, err)
	}

	ep := &Endpoint{Path: path, api: api}
	g.endpoints[path] = ep
	return ep, nil
}

// Endpoints returns every endpoint opened so far, in no particular order.
func (g *Gateway) Endpoints() []*Endpoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Endpoint, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		out = append(out, ep)
	}
	return out
}

// Close releases every opened endpoint.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for _, ep := range g.endpoints {
		if err := ep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
