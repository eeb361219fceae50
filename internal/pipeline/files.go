// SPDX-License-Identifier: MIT

package pipeline

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/streams"
)

var videoExts = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".m4v": true, ".ts": true, ".webm": true,
}

var archiveExts = map[string]bool{
	".rar": true, ".zip": true, ".7z": true,
}

func isVideo(path string) bool {
	return videoExts[strings.ToLower(filepath.Ext(path))]
}

// SelectFile picks the file a leaf item should bind from a debrid file set.
// Movies take the largest video file within the size bounds; episodes need an
// exact season/episode match in the file name.
func SelectFile(target streams.Target, set *service.FileSet, ranking config.Ranking) (service.File, error) {
	if set == nil || len(set.Files) == 0 {
		return service.File{}, media.ContentRejected(media.ReasonNoMatchingFiles, errors.New("empty file set"))
	}

	var videos []service.File
	archivesOnly := true
	for _, f := range set.Files {
		if isVideo(f.Path) {
			videos = append(videos, f)
			archivesOnly = false
		} else if !archiveExts[strings.ToLower(filepath.Ext(f.Path))] {
			archivesOnly = false
		}
	}
	if len(videos) == 0 {
		if archivesOnly {
			return service.File{}, media.ContentRejected(media.ReasonUnusableArchive, errors.New("file set contains only archives"))
		}
		return service.File{}, media.ContentRejected(media.ReasonNoMatchingFiles, errors.New("no video files in set"))
	}

	if target.Kind == media.KindMovie {
		best := slices.MaxFunc(videos, func(a, b service.File) int {
			if a.SizeBytes == b.SizeBytes {
				return 0
			}
			if a.SizeBytes < b.SizeBytes {
				return -1
			}
			return 1
		})
		if ranking.MovieMinBytes > 0 && best.SizeBytes < ranking.MovieMinBytes {
			return service.File{}, media.ContentRejected(media.ReasonSizeOutOfBounds, errors.New("largest video below movie minimum"))
		}
		return best, nil
	}

	// Episodes: exact S/E match in the file name.
	var match service.File
	found := false
	for _, f := range videos {
		p := streams.Parse(filepath.Base(f.Path))
		if len(p.Episodes) == 0 || !slices.Contains(p.Episodes, target.Episode) {
			continue
		}
		if target.Season > 0 && len(p.Seasons) > 0 && !slices.Contains(p.Seasons, target.Season) {
			continue
		}
		if !found || f.SizeBytes > match.SizeBytes {
			match = f
			found = true
		}
	}
	if !found {
		return service.File{}, media.ContentRejected(media.ReasonWrongEpisode, errors.New("no file matches the episode"))
	}
	if ranking.EpisodeMinBytes > 0 && match.SizeBytes < ranking.EpisodeMinBytes {
		return service.File{}, media.ContentRejected(media.ReasonSizeOutOfBounds, errors.New("matched file below episode minimum"))
	}
	return match, nil
}

// MapEpisodeFiles maps a season pack's video files by parsed episode number.
// Files that do not parse, or that belong to another season, are skipped.
// Used by manual session commits on shows.
func MapEpisodeFiles(season int, set *service.FileSet) map[int]service.File {
	out := make(map[int]service.File)
	if set == nil {
		return out
	}
	for _, f := range set.Files {
		if !isVideo(f.Path) {
			continue
		}
		p := streams.Parse(filepath.Base(f.Path))
		if season > 0 && len(p.Seasons) > 0 && !slices.Contains(p.Seasons, season) {
			continue
		}
		for _, ep := range p.Episodes {
			if existing, ok := out[ep]; !ok || f.SizeBytes > existing.SizeBytes {
				out[ep] = f
			}
		}
	}
	return out
}
