// SPDX-License-Identifier: MIT
package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivenmedia/riven/internal/config"
)

// The exit contract is part of the operational surface: 0 clean shutdown,
// 1 fatal configuration or startup error, 2 database unreachable, 3 panic.
func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, exitOK)
	assert.Equal(t, 1, exitFatal)
	assert.Equal(t, 2, exitStore)
	assert.Equal(t, 3, exitPanic)
}

func TestGenerateAPIKey(t *testing.T) {
	key, err := generateAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, 48)

	other, err := generateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestEnabledBackends(t *testing.T) {
	cfg := config.Default()
	cfg.Scrapers = []config.Backend{
		{Name: "torrentio", Enabled: true},
		{Name: "jackett", Enabled: false},
	}
	cfg.Downloaders = []config.Backend{{Name: "realdebrid", Enabled: true}}

	got := enabledBackends(cfg)
	assert.True(t, got["torrentio"])
	assert.False(t, got["jackett"])
	assert.True(t, got["realdebrid"])
	_, ok := got["absent"]
	assert.False(t, ok)
}
