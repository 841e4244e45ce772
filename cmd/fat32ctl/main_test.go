package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", "/none.yml", "-q"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func withMemHost(t *testing.T) {
	t.Helper()
	prev := hostFs
	hostFs = afero.NewMemMapFs()
	t.Cleanup(func() { hostFs = prev })
}

func TestCLIRoundTrip(t *testing.T) {
	withMemHost(t)
	payload := bytes.Repeat([]byte("fat32ctl round trip\n"), 1000)
	require.NoError(t, afero.WriteFile(hostFs, "/local.txt", payload, 0o644))

	_, err := run(t, "-i", "/disk.img", "mkfs", "--size", "32MiB", "--label", "TESTVOL")
	require.NoError(t, err)

	_, err = run(t, "-i", "/disk.img", "mkdir", "--parents", "docs/notes")
	require.NoError(t, err)
	_, err = run(t, "-i", "/disk.img", "put", "/local.txt", "docs/notes/Readme file.txt")
	require.NoError(t, err)

	out, err := run(t, "-i", "/disk.img", "ls", "docs/notes")
	require.NoError(t, err)
	require.Equal(t, "Readme file.txt\n", out)

	out, err = run(t, "-i", "/disk.img", "cat", "docs/notes/readme FILE.txt")
	require.NoError(t, err)
	require.Equal(t, string(payload), out)

	_, err = run(t, "-i", "/disk.img", "mv", "docs/notes/Readme file.txt", "docs/moved.txt")
	require.NoError(t, err)
	_, err = run(t, "-i", "/disk.img", "get", "docs/moved.txt", "/back.txt")
	require.NoError(t, err)
	got, err := afero.ReadFile(hostFs, "/back.txt")
	require.NoError(t, err)
	require.Equal(t, payload, got)

	out, err = run(t, "-i", "/disk.img", "info")
	require.NoError(t, err)
	require.Contains(t, out, "TESTVOL")

	_, err = run(t, "-i", "/disk.img", "rm", "docs")
	require.Error(t, err, "non-empty directory")
	_, err = run(t, "-i", "/disk.img", "rm", "-r", "docs")
	require.NoError(t, err)
	out, err = run(t, "-i", "/disk.img", "ls")
	require.NoError(t, err)
	require.Empty(t, strings.TrimSpace(out))
}

func TestCLIConfig(t *testing.T) {
	withMemHost(t)
	require.NoError(t, afero.WriteFile(hostFs, "/cfg.yml", []byte("image: /cfg.img\npartition: none\n"), 0o644))
	cmd := newCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", "/cfg.yml", "-q", "mkfs", "--size", "16MiB"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	ok, err := afero.Exists(hostFs, "/cfg.img")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCLINoImage(t *testing.T) {
	withMemHost(t)
	_, err := run(t, "ls")
	require.Error(t, err)
}
