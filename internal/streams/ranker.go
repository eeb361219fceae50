// SPDX-License-Identifier: MIT

package streams

// Ranker scores a parsed release for ordering within an item's candidate set.
// Higher is better; the score only orders candidates and carries no absolute
// meaning.
type Ranker interface {
	Rank(p Parsed) int
}

// KeywordRanker is the built-in ranker: a flat weight table over resolution
// and quality keywords.
type KeywordRanker struct{}

func (KeywordRanker) Rank(p Parsed) int {
	score := 0

	switch p.Resolution {
	case "2160p":
		score += 100
	case "1080p":
		score += 80
	case "720p":
		score += 50
	case "480p":
		score += 20
	default:
		// Unknown resolution ranks between 480p and 720p.
		score += 30
	}

	if p.Remux {
		score += 30
	}
	if p.BluRay {
		score += 20
	}
	if p.WebDL {
		score += 15
	}
	if p.WebRip {
		score += 8
	}
	if p.HDTV {
		score += 2
	}
	if p.Cam {
		score -= 100
	}
	if p.HEVC {
		score += 5
	}
	if p.HDR {
		score += 10
	}
	if p.DolbyV {
		score += 8
	}
	if p.Atmos {
		score += 5
	}
	if p.Proper {
		score += 5
	}

	return score
}
