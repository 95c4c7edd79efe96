package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDockerSocketsRoundTrip(t *testing.T) {
	s := testStore(t)

	want := []string{"/var/run/docker.sock", "/run/podman/podman.sock"}
	if err := s.SaveDockerSockets(want); err != nil {
		t.Fatalf("SaveDockerSockets: %v", err)
	}

	got, err := s.LoadDockerSockets()
	if err != nil {
		t.Fatalf("LoadDockerSockets: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("socket[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDockerSocketsEmptyBeforeFirstSave(t *testing.T) {
	s := testStore(t)

	got, err := s.LoadDockerSockets()
	if err != nil {
		t.Fatalf("LoadDockerSockets: %v", err)
	}
	if got != nil {
		t.Errorf("got %v, want nil before first save", got)
	}
}

func TestMountDetectionRoundTrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	detection := MountDetection{Source: "/srv/kavita/data", DetectedAt: now}
	if err := s.SaveMountDetection("kavita", detection); err != nil {
		t.Fatalf("SaveMountDetection: %v", err)
	}

	got, ok, err := s.LoadMountDetection("kavita")
	if err != nil {
		t.Fatalf("LoadMountDetection: %v", err)
	}
	if !ok {
		t.Fatal("LoadMountDetection ok = false, want true")
	}
	if got.Source != detection.Source || !got.DetectedAt.Equal(detection.DetectedAt) {
		t.Errorf("got %+v, want %+v", got, detection)
	}
}

func TestMountDetectionMissingNeedleNotFound(t *testing.T) {
	s := testStore(t)

	_, ok, err := s.LoadMountDetection("unknown")
	if err != nil {
		t.Fatalf("LoadMountDetection: %v", err)
	}
	if ok {
		t.Error("expected ok = false for an unseeded needle")
	}
}

func TestMountDetectionIsKeyedByNeedle(t *testing.T) {
	s := testStore(t)

	if err := s.SaveMountDetection("kavita", MountDetection{Source: "/a"}); err != nil {
		t.Fatalf("SaveMountDetection: %v", err)
	}
	if err := s.SaveMountDetection("komga", MountDetection{Source: "/b"}); err != nil {
		t.Fatalf("SaveMountDetection: %v", err)
	}

	kavita, _, _ := s.LoadMountDetection("kavita")
	komga, _, _ := s.LoadMountDetection("komga")
	if kavita.Source != "/a" || komga.Source != "/b" {
		t.Errorf("cross-contaminated detections: kavita=%+v komga=%+v", kavita, komga)
	}
}

func TestWizardCursorRoundTrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	cursor := WizardCursor{Step: "portal", Status: "in-progress", SentAt: now}
	if err := s.SaveWizardCursor(cursor); err != nil {
		t.Fatalf("SaveWizardCursor: %v", err)
	}

	got, ok, err := s.LoadWizardCursor()
	if err != nil {
		t.Fatalf("LoadWizardCursor: %v", err)
	}
	if !ok {
		t.Fatal("LoadWizardCursor ok = false, want true")
	}
	if got.Step != cursor.Step || got.Status != cursor.Status || !got.SentAt.Equal(cursor.SentAt) {
		t.Errorf("got %+v, want %+v", got, cursor)
	}
}

func TestWizardCursorLatestOverwritesPrevious(t *testing.T) {
	s := testStore(t)

	_ = s.SaveWizardCursor(WizardCursor{Step: "foundation", Status: "complete"})
	_ = s.SaveWizardCursor(WizardCursor{Step: "portal", Status: "in-progress"})

	got, _, err := s.LoadWizardCursor()
	if err != nil {
		t.Fatalf("LoadWizardCursor: %v", err)
	}
	if got.Step != "portal" {
		t.Errorf("Step = %q, want portal (most recent save)", got.Step)
	}
}

func TestReopenPreservesCaches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.SaveMountDetection("kavita", MountDetection{Source: "/data/kavita"}); err != nil {
		t.Fatalf("SaveMountDetection: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer s2.Close()

	got, ok, err := s2.LoadMountDetection("kavita")
	if err != nil {
		t.Fatalf("LoadMountDetection: %v", err)
	}
	if !ok || got.Source != "/data/kavita" {
		t.Errorf("got %+v, ok=%v, want Source=/data/kavita after reopen", got, ok)
	}
}
