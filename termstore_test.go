package termstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/termstore"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ConfigFileAndOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: durable\nlocal:\n  max_sessions: 7\n"), 0o644))

	eng, err := termstore.New(path, termstore.WithMode(domain.ModeLocal))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	assert.Equal(t, domain.ModeLocal, eng.Mode(), "options win over the file")
	assert.Equal(t, 7, eng.Selector().Config().Local.MaxSessions)

	store, err := eng.Store(context.Background())
	require.NoError(t, err)
	info, err := store.StorageInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, info.MaxSessions)
}

func TestNew_RejectsInvalidSettings(t *testing.T) {
	_, err := termstore.New("", termstore.WithSetting("mode", "cloud"))
	assert.Error(t, err)

	_, err = termstore.New("", termstore.WithSetting("local.colour", "blue"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, termstore.Version)
}
