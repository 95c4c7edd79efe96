package mount

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/noona-project/warden/internal/docker"
	"github.com/noona-project/warden/internal/store"
)

// fakeEndpoint is a minimal docker.EndpointAPI double for MountDetector tests.
type fakeEndpoint struct {
	containers    []docker.ContainerSummary
	inspect       map[string]docker.ContainerDetails
	listErr       error
	inspectErrFor string
}

func (f *fakeEndpoint) Ping(context.Context) error { return nil }
func (f *fakeEndpoint) ContainerExists(context.Context, string) (bool, error) { return false, nil }
func (f *fakeEndpoint) EnsureNetwork(context.Context, string) error           { return nil }
func (f *fakeEndpoint) AttachSelfToNetwork(context.Context, string, string) error {
	return nil
}
func (f *fakeEndpoint) PullImage(context.Context, string, func(docker.ProgressEvent)) error {
	return nil
}
func (f *fakeEndpoint) RunContainer(context.Context, docker.ContainerSpec, string, func(string, string)) (string, error) {
	return "", nil
}
func (f *fakeEndpoint) StopContainer(context.Context, string) error   { return nil }
func (f *fakeEndpoint) RemoveContainer(context.Context, string) error { return nil }
func (f *fakeEndpoint) InspectContainer(_ context.Context, id string) (docker.ContainerDetails, error) {
	if id == f.inspectErrFor {
		return docker.ContainerDetails{}, errors.New("inspect failed")
	}
	return f.inspect[id], nil
}
func (f *fakeEndpoint) ListAllContainers(context.Context) ([]docker.ContainerSummary, error) {
	return f.containers, f.listErr
}
func (f *fakeEndpoint) Close() error { return nil }

func TestDetectMatchesByImageSubstring(t *testing.T) {
	primary := &fakeEndpoint{
		containers: []docker.ContainerSummary{
			{ID: "c1", Image: "ghcr.io/kavita/kavita:latest", Names: []string{"/other"}},
		},
		inspect: map[string]docker.ContainerDetails{
			"c1": {ID: "c1", Mounts: []docker.Mount{{Destination: "/data", Source: "/srv/kavita/data"}}},
		},
	}

	d := New(primary, nil, nil, "", nil, nil)
	detection, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if detection == nil || detection.Source != "/srv/kavita/data" {
		t.Fatalf("got %+v, want Source=/srv/kavita/data", detection)
	}
}

func TestDetectMatchesByNameSubstring(t *testing.T) {
	primary := &fakeEndpoint{
		containers: []docker.ContainerSummary{
			{ID: "c1", Image: "ghcr.io/unrelated:latest", Names: []string{"/my-Kavita-instance"}},
		},
		inspect: map[string]docker.ContainerDetails{
			"c1": {ID: "c1", Mounts: []docker.Mount{{Destination: "/data", Source: "/srv/data"}}},
		},
	}

	d := New(primary, nil, nil, "", nil, nil)
	detection, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if detection == nil || detection.Source != "/srv/data" {
		t.Fatalf("got %+v, want Source=/srv/data", detection)
	}
}

func TestDetectReturnsNilWhenNoneMatch(t *testing.T) {
	primary := &fakeEndpoint{
		containers: []docker.ContainerSummary{
			{ID: "c1", Image: "nginx:latest", Names: []string{"/web"}},
		},
	}

	d := New(primary, nil, nil, "", nil, nil)
	detection, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if detection != nil {
		t.Fatalf("got %+v, want nil", detection)
	}
}

func TestDetectFallsThroughToSecondSocketOnListError(t *testing.T) {
	primary := &fakeEndpoint{listErr: errors.New("daemon unreachable")}
	secondary := &fakeEndpoint{
		containers: []docker.ContainerSummary{{ID: "c2", Image: "kavita:latest"}},
		inspect: map[string]docker.ContainerDetails{
			"c2": {ID: "c2", Mounts: []docker.Mount{{Destination: "/data", Source: "/mnt/kavita"}}},
		},
	}

	open := func(path string) (docker.EndpointAPI, error) {
		if path == "/run/podman/podman.sock" {
			return secondary, nil
		}
		return nil, errors.New("no such socket")
	}

	d := New(primary, []string{"/run/podman/podman.sock"}, open, "", nil, nil)
	detection, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if detection == nil || detection.Source != "/mnt/kavita" {
		t.Fatalf("got %+v, want Source=/mnt/kavita via second socket", detection)
	}
}

func TestDetectSkipsSocketItCannotOpen(t *testing.T) {
	open := func(path string) (docker.EndpointAPI, error) {
		return nil, errors.New("permission denied")
	}

	d := New(nil, []string{"/no/such.sock"}, open, "", nil, nil)
	detection, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v, want nil (socket errors are swallowed)", err)
	}
	if detection != nil {
		t.Fatalf("got %+v, want nil", detection)
	}
}

func TestDetectCachesSuccessfulDetection(t *testing.T) {
	cache, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer cache.Close()

	primary := &fakeEndpoint{
		containers: []docker.ContainerSummary{{ID: "c1", Image: "kavita:latest"}},
		inspect: map[string]docker.ContainerDetails{
			"c1": {ID: "c1", Mounts: []docker.Mount{{Destination: "/data", Source: "/srv/kavita"}}},
		},
	}

	d := New(primary, nil, nil, "kavita", nil, cache)
	if _, err := d.Detect(context.Background()); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	cached, ok := d.CachedFallback()
	if !ok || cached.Source != "/srv/kavita" {
		t.Fatalf("CachedFallback() = %+v, ok=%v, want Source=/srv/kavita", cached, ok)
	}
}

func TestCachedFallbackFalseWithoutCache(t *testing.T) {
	d := New(nil, nil, nil, "kavita", nil, nil)
	_, ok := d.CachedFallback()
	if ok {
		t.Error("expected ok = false when Detector has no cache configured")
	}
}
