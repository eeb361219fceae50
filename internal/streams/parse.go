// SPDX-License-Identifier: MIT

// Package streams ranks and filters scraped release candidates and picks the
// next stream a download attempt should use.
package streams

import (
	"regexp"
	"strconv"
	"strings"
)

// Parsed is the structured view of a raw release title.
type Parsed struct {
	Title      string
	Year       int
	Resolution string // normalized: 2160p, 1080p, 720p, 480p, "" unknown

	Seasons  []int
	Episodes []int
	// FullSeason marks season packs without explicit episode numbers.
	FullSeason bool

	Remux   bool
	BluRay  bool
	WebDL   bool
	WebRip  bool
	HDTV    bool
	Cam     bool
	HEVC    bool
	HDR     bool
	DolbyV  bool
	Atmos   bool
	Proper  bool
	Adult   bool
}

var (
	resolutionRe = regexp.MustCompile(`(?i)\b(2160p|4k|uhd|1080p|720p|576p|480p|sd)\b`)
	yearRe       = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	seasonEpRe   = regexp.MustCompile(`(?i)\bs(\d{1,2})[ ._-]?e(\d{1,3})(?:-e?(\d{1,3}))?\b`)
	xFormatRe    = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)
	seasonOnlyRe = regexp.MustCompile(`(?i)\bs(?:eason[ ._-]?)?(\d{1,2})\b`)
	separatorRe  = regexp.MustCompile(`[._]+`)

	adultRe = regexp.MustCompile(`(?i)\b(xxx|porn|18\+|onlyfans|brazzers)\b`)
)

// Parse extracts resolution, numbering and quality flags from a raw release
// title. It is deliberately permissive: anything it cannot classify is left
// zero and the ranker treats it as mid-tier.
func Parse(raw string) Parsed {
	var p Parsed
	normalized := separatorRe.ReplaceAllString(raw, " ")
	lower := strings.ToLower(normalized)

	if m := resolutionRe.FindString(lower); m != "" {
		switch strings.ToLower(m) {
		case "2160p", "4k", "uhd":
			p.Resolution = "2160p"
		case "1080p":
			p.Resolution = "1080p"
		case "720p":
			p.Resolution = "720p"
		case "576p", "480p", "sd":
			p.Resolution = "480p"
		}
	}

	titleEnd := len(normalized)
	if m := seasonEpRe.FindStringSubmatchIndex(lower); m != nil {
		sm := seasonEpRe.FindStringSubmatch(lower)
		season, _ := strconv.Atoi(sm[1])
		ep, _ := strconv.Atoi(sm[2])
		p.Seasons = append(p.Seasons, season)
		p.Episodes = append(p.Episodes, ep)
		if sm[3] != "" {
			last, _ := strconv.Atoi(sm[3])
			for e := ep + 1; e <= last; e++ {
				p.Episodes = append(p.Episodes, e)
			}
		}
		titleEnd = m[0]
	} else if m := xFormatRe.FindStringSubmatchIndex(lower); m != nil {
		sm := xFormatRe.FindStringSubmatch(lower)
		season, _ := strconv.Atoi(sm[1])
		ep, _ := strconv.Atoi(sm[2])
		p.Seasons = append(p.Seasons, season)
		p.Episodes = append(p.Episodes, ep)
		titleEnd = m[0]
	} else if m := seasonOnlyRe.FindStringSubmatchIndex(lower); m != nil {
		sm := seasonOnlyRe.FindStringSubmatch(lower)
		season, _ := strconv.Atoi(sm[1])
		p.Seasons = append(p.Seasons, season)
		p.FullSeason = true
		titleEnd = m[0]
	}

	if m := yearRe.FindStringIndex(lower); m != nil {
		p.Year, _ = strconv.Atoi(lower[m[0]:m[1]])
		if m[0] < titleEnd {
			titleEnd = m[0]
		}
	}

	p.Title = strings.Trim(strings.TrimSpace(normalized[:titleEnd]), "-( ")

	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
	p.Remux = has("remux")
	p.BluRay = has("bluray", "blu-ray", "bdrip", "brrip")
	p.WebDL = has("web-dl", "webdl", "web dl")
	p.WebRip = has("webrip", "web-rip")
	p.HDTV = has("hdtv")
	p.Cam = has("camrip", " cam ", "hdcam", " ts ", "telesync", "telecine")
	p.HEVC = has("hevc", "x265", "h265", "h.265")
	p.HDR = has("hdr")
	p.DolbyV = has("dolby vision", " dv ", "dovi")
	p.Atmos = has("atmos")
	p.Proper = has("proper", "repack")
	p.Adult = adultRe.MatchString(lower)

	return p
}
