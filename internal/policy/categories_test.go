package policy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateCategory(t *testing.T) {
	p := validPolicy()
	require.NoError(t, p.CreateCategory("news", "news sites", "4h"))
	require.NotNil(t, p.FindCategory("news"))
	require.NotNil(t, p.FindCategory("NEWS"), "lookup is case-insensitive")

	require.Error(t, p.CreateCategory("news", "", ""), "duplicate id")
	require.Error(t, p.CreateCategory("News", "", ""), "duplicate differs only by case")
	require.Error(t, p.CreateCategory("1bad", "", ""))
	require.Error(t, p.CreateCategory("ok", "", "soon"), "bad delay")
}

func TestAddCategoryDomain(t *testing.T) {
	p := validPolicy()
	require.NoError(t, p.CreateCategory("news", "", ""))
	require.NoError(t, p.AddCategoryDomain("news", "CNN.com"))
	require.Equal(t, []string{"cnn.com"}, p.FindCategory("news").Domains)

	require.Error(t, p.AddCategoryDomain("news", "cnn.com"), "already a member")
	require.Error(t, p.AddCategoryDomain("news", "reddit.com"), "already on the blocklist")
	require.Error(t, p.AddCategoryDomain("news", "not a domain"))
	require.Error(t, p.AddCategoryDomain("missing", "bbc.com"))

	require.NoError(t, p.CreateCategory("other", "", ""))
	require.Error(t, p.AddCategoryDomain("other", "cnn.com"), "one category per domain")
}

func TestRemoveCategoryDomain(t *testing.T) {
	p := validPolicy()
	require.NoError(t, p.CreateCategory("news", "", ""))
	require.NoError(t, p.AddCategoryDomain("news", "cnn.com"))

	require.Error(t, p.RemoveCategoryDomain("news", "bbc.com"))
	require.NoError(t, p.RemoveCategoryDomain("news", "CNN.com"))
	require.Empty(t, p.FindCategory("news").Domains)

	p.Categories[0].Locked = true
	require.NoError(t, p.AddCategoryDomain("news", "cnn.com"))
	require.Error(t, p.RemoveCategoryDomain("news", "cnn.com"), "locked categories only grow")
}

func TestDeleteCategory(t *testing.T) {
	p := validPolicy()
	require.NoError(t, p.CreateCategory("news", "", ""))
	require.NoError(t, p.AddCategoryDomain("news", "cnn.com"))
	require.NoError(t, p.AddCategoryDomain("news", "bbc.com"))

	_, err := p.DeleteCategory("missing")
	require.Error(t, err)

	freed, err := p.DeleteCategory("news")
	require.NoError(t, err)
	require.Equal(t, 2, freed)
	require.Nil(t, p.FindCategory("news"))
}

func TestDeleteCategory_LockedRefused(t *testing.T) {
	p := validPolicy()
	p.Categories = []Category{{ID: "focus", Domains: []string{"cnn.com"}, Locked: true}}
	_, err := p.DeleteCategory("focus")
	require.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	p := validPolicy()
	require.NoError(t, p.CreateCategory("news", "", "4h"))
	require.NoError(t, p.AddCategoryDomain("news", "cnn.com"))

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(path, p))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"cnn.com"}, loaded.FindCategory("news").Domains)
}

func TestSave_RefusesInvalid(t *testing.T) {
	p := validPolicy()
	p.Settings.Timezone = ""
	err := Save(filepath.Join(t.TempDir(), "config.json"), p)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
}
