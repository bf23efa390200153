package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukin371/quill/internal/config"
	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "notes.db")
	cfg.Storage.Seed = true
	cfg.Providers["openai"] = config.ProviderConfig{APIKey: "sk-test", PreferredModels: []string{"gpt-4o-mini"}, MaxTools: 5}
	return cfg
}

func TestProviderConfigsSkipsKeylessHostedProviders(t *testing.T) {
	cfg := testConfig(t)
	got := providerConfigs(cfg, logger.Discard())

	assert.Contains(t, got, "openai")
	assert.Contains(t, got, "ollama")
	assert.NotContains(t, got, "anthropic")
	assert.Equal(t, "sk-test", got["openai"].APIKey)
	assert.Equal(t, "http://localhost:11434", got["ollama"].BaseURL)
}

func TestFilterOptionsAndPreferredModels(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.SmallProviderCap = 2

	opts := filterOptions(cfg)
	assert.Equal(t, 2, opts.ProviderCaps["ollama"])
	assert.Equal(t, 5, opts.ProviderCaps["openai"])
	assert.Equal(t, 2, opts.SmallProviderCap)

	assert.Equal(t, map[string][]string{"openai": {"gpt-4o-mini"}}, preferredModels(cfg))
}

func TestNewAppSeedsOnce(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := newApp(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	hits, err := a.store.SearchNotes(ctx, "Project Alpha", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)

	before, err := a.store.GetChildren(ctx, core.RootNoteID)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// a second start must not duplicate the demo tree
	a, err = newApp(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()
	after, err := a.store.GetChildren(ctx, core.RootNoteID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestNoteContentLookup(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	hits, err := a.store.SearchNotes(ctx, "Project Alpha", 1)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	lookup := noteContent(a.store)
	content, ok := lookup(hits[0].NoteID)
	assert.True(t, ok)
	assert.Contains(t, content, "Alpha")

	_, ok = lookup("missing")
	assert.False(t, ok)
}

func TestPrintTools(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printTools(&buf, catalog(), false))
	assert.Contains(t, buf.String(), "smart_search")
	assert.Contains(t, buf.String(), "tool(s)")

	buf.Reset()
	require.NoError(t, printTools(&buf, catalog()[:1], true))
	assert.Contains(t, buf.String(), `"function"`)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "quill version "+version)
}
