// SPDX-License-Identifier: MIT

// Package symlink places library links. It never moves or copies media: it
// creates symlinks under the library root pointing into the rclone mount.
package symlink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rivenmedia/riven/internal/clock"
	"github.com/rivenmedia/riven/internal/media"

	xglog "github.com/rivenmedia/riven/internal/log"
)

const (
	// visibilityAttempts bounds how often we re-check the mount for a file
	// that the debrid reported but rclone has not surfaced yet.
	visibilityAttempts = 6
	visibilityBaseWait = 2 * time.Second
)

// Request describes one link to create. Show fields are zero for movies.
type Request struct {
	Item *media.Item

	ShowTitle    string
	ShowYear     int
	Season       int
	Episode      int
	EpisodeTitle string

	// Source file location relative to the mount.
	Folder   string
	FileName string
}

// Symlinker serializes writes per destination directory and retries until the
// source becomes visible in the mount.
type Symlinker struct {
	Root          string
	Mount         string
	SeparateAnime bool
	Clock         clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(root, mount string, separateAnime bool, clk clock.Clock) *Symlinker {
	if clk == nil {
		clk = clock.System{}
	}
	return &Symlinker{
		Root:          root,
		Mount:         mount,
		SeparateAnime: separateAnime,
		Clock:         clk,
		locks:         make(map[string]*sync.Mutex),
	}
}

var unsafePathChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// SanitizeTitle makes a title safe as a path component.
func SanitizeTitle(title string) string {
	clean := unsafePathChars.ReplaceAllString(title, "")
	clean = strings.TrimRight(strings.TrimSpace(clean), ".")
	if clean == "" {
		clean = "untitled"
	}
	return clean
}

// DestPath computes the library-relative destination for a request:
// movies/{title} ({year})/{title} ({year}).{ext} and
// shows/{show} ({year})/Season {NN}/{show} - s{NN}e{MM} - {title}.{ext},
// with the anime_ tree prefix when the split is enabled.
func (s *Symlinker) DestPath(req Request) string {
	ext := strings.TrimPrefix(filepath.Ext(req.FileName), ".")
	if ext == "" {
		ext = "mkv"
	}

	if req.Item.Kind == media.KindMovie {
		dir := "movies"
		if s.SeparateAnime && req.Item.IsAnime {
			dir = "anime_movies"
		}
		base := fmt.Sprintf("%s (%d)", SanitizeTitle(req.Item.Title), req.Item.Year)
		return filepath.Join(dir, base, base+"."+ext)
	}

	dir := "shows"
	if s.SeparateAnime && req.Item.IsAnime {
		dir = "anime_shows"
	}
	show := fmt.Sprintf("%s (%d)", SanitizeTitle(req.ShowTitle), req.ShowYear)
	season := fmt.Sprintf("Season %02d", req.Season)
	name := fmt.Sprintf("%s - s%02de%02d", SanitizeTitle(req.ShowTitle), req.Season, req.Episode)
	if req.EpisodeTitle != "" {
		name += " - " + SanitizeTitle(req.EpisodeTitle)
	}
	return filepath.Join(dir, show, season, name+"."+ext)
}

// Link creates the symlink for req and returns the absolute destination path.
// The source must become visible in the mount within the bounded retry
// window; a still-missing source fails transient so the dispatcher backs off.
func (s *Symlinker) Link(ctx context.Context, req Request) (string, error) {
	source := filepath.Join(s.Mount, req.Folder, req.FileName)
	dest := filepath.Join(s.Root, s.DestPath(req))

	if err := s.waitVisible(ctx, source); err != nil {
		return "", err
	}

	unlock := s.lockDir(filepath.Dir(dest))
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", media.Transient(fmt.Errorf("symlink: mkdir: %w", err))
	}

	// Replace an existing link so re-runs converge on the same path.
	if existing, err := os.Lstat(dest); err == nil && existing.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(dest); err != nil {
			return "", media.Transient(fmt.Errorf("symlink: replace: %w", err))
		}
	}

	if err := os.Symlink(source, dest); err != nil {
		return "", media.Transient(fmt.Errorf("symlink: create: %w", err))
	}

	xglog.WithComponent("symlinker").Debug().
		Str("event", "symlink.created").
		Int64(xglog.FieldItemID, req.Item.ID).
		Str(xglog.FieldPath, source).
		Str(xglog.FieldSymlinkPath, dest).
		Msg("library link created")
	return dest, nil
}

func (s *Symlinker) waitVisible(ctx context.Context, source string) error {
	wait := visibilityBaseWait
	for attempt := 1; ; attempt++ {
		if _, err := os.Stat(source); err == nil {
			return nil
		}
		if attempt >= visibilityAttempts {
			return media.Transient(fmt.Errorf("symlink: source not visible after %d attempts: %s", attempt, source))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Clock.After(wait):
		}
		wait *= 2
	}
}

// lockDir takes the per-directory lock, creating it on first use.
func (s *Symlinker) lockDir(dir string) func() {
	s.mu.Lock()
	l, ok := s.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		s.locks[dir] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}
