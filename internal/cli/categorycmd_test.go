package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ndb/internal/audit"
	"ndb/internal/config"
	"ndb/internal/override"
	"ndb/internal/policy"
)

func testApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{ConfigDir: dir, DataDir: dir}
	return &App{
		Config: cfg,
		Policy: &policy.Policy{
			Version:   "1",
			Settings:  policy.Settings{Timezone: "UTC"},
			Blocklist: []policy.DomainEntry{{Domain: "reddit.com"}},
		},
		Overrides: override.NewStore(dir),
		Audit:     audit.New(cfg.LogDir()),
	}
}

func runCmd(t *testing.T, a *App, args ...string) (string, error) {
	t.Helper()
	cmd := newCategoryCmd(func() (*App, error) { return a, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCategoryCmd_CreateAddPersists(t *testing.T) {
	a := testApp(t)

	_, err := runCmd(t, a, "create", "news", "--delay", "4h")
	require.NoError(t, err)
	_, err = runCmd(t, a, "add", "news", "CNN.com")
	require.NoError(t, err)

	loaded, err := policy.Load(a.Config.PolicyPath())
	require.NoError(t, err)
	require.Equal(t, []string{"cnn.com"}, loaded.FindCategory("news").Domains)
}

func TestCategoryCmd_MutationsRefusedDuringPanic(t *testing.T) {
	a := testApp(t)
	_, err := runCmd(t, a, "create", "news")
	require.NoError(t, err)

	_, err = a.Overrides.StartPanic(time.Hour)
	require.NoError(t, err)

	for _, args := range [][]string{
		{"add", "news", "cnn.com"},
		{"remove", "news", "cnn.com"},
		{"delete", "news"},
	} {
		_, err := runCmd(t, a, args...)
		require.ErrorIs(t, err, override.ErrPanicActive, "%v", args)
	}

	// Read-only verbs still work.
	out, err := runCmd(t, a, "list")
	require.NoError(t, err)
	require.Contains(t, out, "news")
}

func TestCategoryCmd_RejectsManagedDomain(t *testing.T) {
	a := testApp(t)
	_, err := runCmd(t, a, "create", "news")
	require.NoError(t, err)

	_, err = runCmd(t, a, "add", "news", "reddit.com")
	require.ErrorIs(t, err, errValidation)
}
