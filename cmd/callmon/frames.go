package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vango-go/callmon/pkg/core/types"
	"github.com/vango-go/callmon/pkg/monitor/sampler"
)

// dirHost exposes every image in a directory as a video source and every
// .wav file as an audio source. The directory is listed on each tick, so
// files can be swapped while a call is running.
type dirHost struct {
	dir    string
	logger *slog.Logger
}

func (h *dirHost) Sources() []sampler.Source {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		h.logger.Warn("cannot list frames directory", "dir", h.dir, "error", err)
		return nil
	}
	sources := make([]sampler.Source, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		kind, ok := mediaKind(e.Name())
		if !ok {
			continue
		}
		sources = append(sources, &fileSource{path: filepath.Join(h.dir, e.Name()), kind: kind})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID() < sources[j].ID() })
	return sources
}

func mediaKind(name string) (types.MediaKind, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return types.MediaVideo, true
	case ".wav":
		return types.MediaAudio, true
	default:
		return "", false
	}
}

type fileSource struct {
	path string
	kind types.MediaKind
}

func (s *fileSource) ID() string            { return filepath.Base(s.path) }
func (s *fileSource) Kind() types.MediaKind { return s.kind }

// Ready is false for empty files, which stand in for a paused stream.
func (s *fileSource) Ready() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func (s *fileSource) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return data, ctx.Err()
}
