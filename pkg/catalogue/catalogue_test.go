package catalogue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("build"))
	assert.True(t, ValidName("build.deploy"))
	assert.True(t, ValidName("build_1.deploy_2"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName(".build"))
	assert.False(t, ValidName("build."))
	assert.False(t, ValidName("build..deploy"))
	assert.False(t, ValidName("-build"))
}

func writeDeclarative(t *testing.T, dir, name, command string) {
	t.Helper()
	content := "title: " + name + "\ndesc: a test worker\ncommand: " + command + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+declarativeSuffix), []byte(content), 0o644))
}

func writeExecutable(t *testing.T, dir, name string) {
	t.Helper()
	sub := filepath.Join(dir, name)
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, executableEntry), []byte("#!/bin/sh\nexit 0\n"), 0o755))
}

func TestRescanDiscoversDeclarativeAndExecutable(t *testing.T) {
	dir := t.TempDir()
	writeDeclarative(t, dir, "build.deploy", "/bin/true")
	writeExecutable(t, dir, "sidecar")

	cat := New(dir, "@every 1h")
	require.NoError(t, cat.Start())
	defer cat.Stop()

	names := cat.List()
	assert.ElementsMatch(t, []string{"build.deploy", "sidecar"}, names)

	desc, err := cat.Get("build.deploy")
	require.NoError(t, err)
	assert.Equal(t, types.KindDeclarative, desc.Kind)
	assert.Equal(t, "/bin/true", desc.Command)

	desc, err = cat.Get("sidecar")
	require.NoError(t, err)
	assert.Equal(t, types.KindExecutable, desc.Kind)
	assert.Equal(t, filepath.Join(dir, "sidecar", executableEntry), desc.Path)
}

func TestRescanEmitsAddedModifiedRemoved(t *testing.T) {
	dir := t.TempDir()
	writeDeclarative(t, dir, "build.deploy", "/bin/true")

	cat := New(dir, "@every 1h")
	require.NoError(t, cat.Start())
	defer cat.Stop()

	select {
	case ev := <-cat.Events():
		assert.Equal(t, Added, ev.Kind)
		assert.Equal(t, "build.deploy", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for added event")
	}

	// Modify: mtime must change, so bump it explicitly rather than
	// relying on write speed exceeding filesystem mtime resolution.
	writeDeclarative(t, dir, "build.deploy", "/bin/false")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "build.deploy"+declarativeSuffix), future, future))
	cat.Rescan()

	select {
	case ev := <-cat.Events():
		assert.Equal(t, Modified, ev.Kind)
		assert.Equal(t, "build.deploy", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for modified event")
	}
	desc, err := cat.Get("build.deploy")
	require.NoError(t, err)
	assert.Equal(t, "/bin/false", desc.Command)

	require.NoError(t, os.Remove(filepath.Join(dir, "build.deploy"+declarativeSuffix)))
	cat.Rescan()

	select {
	case ev := <-cat.Events():
		assert.Equal(t, Removed, ev.Kind)
		assert.Equal(t, "build.deploy", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for removed event")
	}
	assert.Empty(t, cat.List())
}

func TestGetUnknownWorkerErrors(t *testing.T) {
	cat := New(t.TempDir(), "@every 1h")
	require.NoError(t, cat.Start())
	defer cat.Stop()

	_, err := cat.Get("nobody.home")
	assert.Error(t, err)
}

func TestExecutableShadowsDeclarativeOfSameName(t *testing.T) {
	dir := t.TempDir()
	writeDeclarative(t, dir, "build", "/bin/true")
	writeExecutable(t, dir, "build")

	cat := New(dir, "@every 1h")
	require.NoError(t, cat.Start())
	defer cat.Stop()

	desc, err := cat.Get("build")
	require.NoError(t, err)
	assert.Equal(t, types.KindExecutable, desc.Kind)
}

func TestNonExecutableRunFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "notrunnable")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, executableEntry), []byte("not executable"), 0o644))

	cat := New(dir, "@every 1h")
	require.NoError(t, cat.Start())
	defer cat.Stop()

	assert.Empty(t, cat.List())
}

func TestDeclarativeMissingCommandIsSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"+declarativeSuffix), []byte("title: broken\n"), 0o644))

	cat := New(dir, "@every 1h")
	require.NoError(t, cat.Start())
	defer cat.Stop()

	assert.Empty(t, cat.List())
}
