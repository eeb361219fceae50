// SPDX-License-Identifier: MIT

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/streams"
)

var bounds = config.Ranking{
	MovieMinBytes:   700 << 20,
	EpisodeMinBytes: 100 << 20,
}

func TestSelectFileMovieLargestVideo(t *testing.T) {
	target := streams.Target{Kind: media.KindMovie, Title: "Dune"}
	set := &service.FileSet{Files: []service.File{
		{Path: "dune/sample.mkv", SizeBytes: 50 << 20},
		{Path: "dune/dune.2021.2160p.mkv", SizeBytes: 30 << 30},
		{Path: "dune/cover.jpg", SizeBytes: 1 << 20},
	}}

	got, err := SelectFile(target, set, bounds)
	require.NoError(t, err)
	assert.Equal(t, "dune/dune.2021.2160p.mkv", got.Path)
}

func TestSelectFileMovieTooSmall(t *testing.T) {
	target := streams.Target{Kind: media.KindMovie}
	set := &service.FileSet{Files: []service.File{
		{Path: "movie.mkv", SizeBytes: 100 << 20},
	}}

	_, err := SelectFile(target, set, bounds)
	require.Error(t, err)
	assert.Equal(t, media.ClassContentRejected, media.ClassOf(err))
	assert.Equal(t, media.ReasonSizeOutOfBounds, media.ReasonOf(err))
}

func TestSelectFileEpisodeExactMatch(t *testing.T) {
	target := streams.Target{Kind: media.KindEpisode, Season: 1, Episode: 3}
	set := &service.FileSet{Files: []service.File{
		{Path: "pack/show.s01e01.mkv", SizeBytes: 1 << 30},
		{Path: "pack/show.s01e03.mkv", SizeBytes: 2 << 30},
		{Path: "pack/show.s02e03.mkv", SizeBytes: 2 << 30},
	}}

	got, err := SelectFile(target, set, bounds)
	require.NoError(t, err)
	assert.Equal(t, "pack/show.s01e03.mkv", got.Path)
}

func TestSelectFileEpisodeNoMatch(t *testing.T) {
	target := streams.Target{Kind: media.KindEpisode, Season: 1, Episode: 9}
	set := &service.FileSet{Files: []service.File{
		{Path: "pack/show.s01e01.mkv", SizeBytes: 1 << 30},
	}}

	_, err := SelectFile(target, set, bounds)
	require.Error(t, err)
	assert.Equal(t, media.ReasonWrongEpisode, media.ReasonOf(err))
}

func TestSelectFileArchiveOnly(t *testing.T) {
	target := streams.Target{Kind: media.KindMovie}
	set := &service.FileSet{Files: []service.File{
		{Path: "release.rar", SizeBytes: 10 << 30},
		{Path: "release.r00", SizeBytes: 10 << 30},
	}}

	_, err := SelectFile(target, set, bounds)
	require.Error(t, err)
	// .r00 is not a known archive extension, so this reports no matching
	// files rather than unusable archive.
	assert.Equal(t, media.ReasonNoMatchingFiles, media.ReasonOf(err))

	onlyRar := &service.FileSet{Files: []service.File{{Path: "release.rar", SizeBytes: 10 << 30}}}
	_, err = SelectFile(target, onlyRar, bounds)
	assert.Equal(t, media.ReasonUnusableArchive, media.ReasonOf(err))
}

func TestSelectFileEmptySet(t *testing.T) {
	_, err := SelectFile(streams.Target{Kind: media.KindMovie}, &service.FileSet{}, bounds)
	require.Error(t, err)
	assert.Equal(t, media.ReasonNoMatchingFiles, media.ReasonOf(err))
}

func TestMapEpisodeFiles(t *testing.T) {
	set := &service.FileSet{Files: []service.File{
		{Path: "pack/show.s01e01.mkv", SizeBytes: 1 << 30},
		{Path: "pack/show.s01e02.mkv", SizeBytes: 1 << 30},
		{Path: "pack/show.s01e02.repack.mkv", SizeBytes: 2 << 30},
		{Path: "pack/show.s02e01.mkv", SizeBytes: 1 << 30},
		{Path: "pack/notes.txt", SizeBytes: 1},
	}}

	got := MapEpisodeFiles(1, set)
	require.Len(t, got, 2)
	assert.Equal(t, "pack/show.s01e01.mkv", got[1].Path)
	assert.Equal(t, "pack/show.s01e02.repack.mkv", got[2].Path, "larger duplicate wins")
}
