package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vango-go/callmon/pkg/core/types"
)

func TestDirHostSources(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b.jpeg":    "jpeg-b",
		"a.JPG":     "jpeg-a",
		"mic.wav":   "pcm",
		"empty.jpg": "",
		"notes.txt": "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	host := &dirHost{dir: dir, logger: discardLogger()}
	sources := host.Sources()

	wantIDs := []string{"a.JPG", "b.jpeg", "empty.jpg", "mic.wav"}
	if len(sources) != len(wantIDs) {
		t.Fatalf("sources=%d, want %d", len(sources), len(wantIDs))
	}
	for i, src := range sources {
		if src.ID() != wantIDs[i] {
			t.Fatalf("source %d id=%q, want %q", i, src.ID(), wantIDs[i])
		}
	}
	if sources[3].Kind() != types.MediaAudio || sources[0].Kind() != types.MediaVideo {
		t.Fatal("unexpected media kinds")
	}
	if sources[2].Ready() {
		t.Fatal("empty file must not be ready")
	}
	if !sources[0].Ready() {
		t.Fatal("non-empty file must be ready")
	}

	data, err := sources[1].Capture(context.Background())
	if err != nil || string(data) != "jpeg-b" {
		t.Fatalf("Capture()=%q, %v", data, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sources[1].Capture(ctx); err == nil {
		t.Fatal("Capture with a canceled context must fail")
	}
}

func TestDirHostMissingDirectory(t *testing.T) {
	host := &dirHost{dir: filepath.Join(t.TempDir(), "gone"), logger: discardLogger()}
	if got := host.Sources(); len(got) != 0 {
		t.Fatalf("sources=%d, want 0", len(got))
	}
}
