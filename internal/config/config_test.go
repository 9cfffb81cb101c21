package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WORKERS", "")
	t.Setenv("STRATEGIES", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Crawl.Workers)
	assert.Equal(t, 100, cfg.Crawl.MessagePageSize)
	assert.Equal(t, 10*time.Minute, cfg.Crawl.StrategyBudget)
	assert.Equal(t, DefaultStrategies, cfg.Crawl.Strategies)
	assert.NotEmpty(t, cfg.Keywords.Categories)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("WORKERS", "6")
	t.Setenv("STRATEGY_BUDGET", "90")
	t.Setenv("SEARCH_DELAY_MIN", "1s")
	t.Setenv("SEARCH_DELAY_MAX", "1500ms")
	t.Setenv("STRATEGIES", "history, direct")
	t.Setenv("DATA_DIR", "/custom/path")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Crawl.Workers)
	assert.Equal(t, 90*time.Second, cfg.Crawl.StrategyBudget)
	assert.Equal(t, time.Second, cfg.Crawl.SearchDelayMin)
	assert.Equal(t, 1500*time.Millisecond, cfg.Crawl.SearchDelayMax)
	assert.Equal(t, []string{"history", "direct"}, cfg.Crawl.Strategies)
	assert.Equal(t, "/custom/path", cfg.DataDir)
}

func TestLoad_RejectsWorkerBound(t *testing.T) {
	t.Setenv("WORKERS", "32")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKERS")
}

func TestLoad_RejectsUnknownStrategy(t *testing.T) {
	t.Setenv("STRATEGIES", "direct,telepathy")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"telepathy"`)
}

func TestLoad_KeywordsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keywords.yaml")
	yml := `
categories:
  - name: gaming
    terms: [esports]
    keywords: [game, esports]
languages:
  - code: en
    keywords: [the]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("KEYWORDS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Keywords.Categories, 1)
	c, ok := cfg.Keywords.Category("GAMING")
	assert.True(t, ok)
	assert.Equal(t, []string{"esports"}, c.Terms)
}

func TestLoadKeywordTables_Missing(t *testing.T) {
	_, err := LoadKeywordTables(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrKeywordsNotFound)
}

func TestKeywordTables_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tables  KeywordTables
		wantErr string
	}{
		{
			name:    "no categories",
			tables:  KeywordTables{Languages: []Language{{Code: "en", Keywords: []string{"the"}}}},
			wantErr: "no categories",
		},
		{
			name: "duplicate language",
			tables: KeywordTables{
				Categories: []Category{{Name: "crypto", Keywords: []string{"btc"}}},
				Languages: []Language{
					{Code: "en", Keywords: []string{"the"}},
					{Code: "EN", Keywords: []string{"and"}},
				},
			},
			wantErr: "duplicate language",
		},
		{
			name: "category without keywords",
			tables: KeywordTables{
				Categories: []Category{{Name: "crypto"}},
				Languages:  []Language{{Code: "en", Keywords: []string{"the"}}},
			},
			wantErr: "has no keywords",
		},
		{
			name:   "defaults are valid",
			tables: DefaultKeywordTables(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tables.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
