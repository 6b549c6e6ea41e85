package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// filePlayer "plays" a clip by writing it to dir.
type filePlayer struct {
	dir string
}

func (p *filePlayer) Play(ctx context.Context, format string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	ext := strings.TrimPrefix(strings.ToLower(format), ".")
	if ext == "" {
		ext = "bin"
	}
	path := filepath.Join(p.dir, fmt.Sprintf("clip-%s.%s", time.Now().UTC().Format("20060102T150405.000000000"), ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write clip: %w", err)
	}
	slog.Info("Audio: clip written", "path", path, "bytes", len(data))
	return nil
}
