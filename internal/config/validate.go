// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
)

// Validate checks the settings for fatal misconfiguration. All problems are
// reported at once.
func (s Settings) Validate() error {
	var errs []error

	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Server.Port))
	}
	if s.Database.Path == "" {
		errs = append(errs, errors.New("database.path must be set"))
	}
	if s.Library.Root == "" {
		errs = append(errs, errors.New("library.root must be set"))
	}
	if s.Library.Mount == "" {
		errs = append(errs, errors.New("library.mount must be set"))
	}
	if s.Ranking.MovieMinBytes > 0 && s.Ranking.MovieMaxBytes > 0 &&
		s.Ranking.MovieMinBytes >= s.Ranking.MovieMaxBytes {
		errs = append(errs, errors.New("ranking: movie_min_bytes must be below movie_max_bytes"))
	}
	if s.Ranking.EpisodeMinBytes > 0 && s.Ranking.EpisodeMaxBytes > 0 &&
		s.Ranking.EpisodeMinBytes >= s.Ranking.EpisodeMaxBytes {
		errs = append(errs, errors.New("ranking: episode_min_bytes must be below episode_max_bytes"))
	}
	if s.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be > 0"))
	}
	seen := map[string]bool{}
	for _, b := range allBackends(s) {
		if b.Name == "" {
			errs = append(errs, errors.New("backend with empty name"))
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("duplicate backend name %q", b.Name))
		}
		seen[b.Name] = true
	}

	return errors.Join(errs...)
}

func allBackends(s Settings) []Backend {
	out := make([]Backend, 0,
		len(s.ContentSources)+len(s.Scrapers)+len(s.Downloaders)+len(s.Updaters))
	out = append(out, s.ContentSources...)
	out = append(out, s.Scrapers...)
	out = append(out, s.Downloaders...)
	out = append(out, s.Updaters...)
	return out
}
