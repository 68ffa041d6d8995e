package launch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msageha/conduit/internal/model"
)

// writeStubDocker creates a fake docker binary that records its argv and
// prints canned output for ps.
func writeStubDocker(t *testing.T, psOutput string) (bin, argvLog string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	bin = filepath.Join(dir, "docker")
	argvLog = filepath.Join(dir, "argv.log")
	script := "#!/bin/sh\n" +
		"echo \"$@\" >> " + argvLog + "\n" +
		"case \"$1\" in\n" +
		"ps) printf '%s' '" + psOutput + "' ;;\n" +
		"run) echo container-id ;;\n" +
		"esac\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, argvLog
}

func newDockerStarter(t *testing.T, psOutput string) (*DockerStarter, string) {
	bin, argvLog := writeStubDocker(t, psOutput)
	cfg := model.DefaultConfig()
	cfg.Launch.Docker = model.DockerLaunchConfig{
		Image:          "registry.example.com/conduit/runner:latest",
		HostVolumeRoot: filepath.Join(t.TempDir(), "volume"),
		Env:            map[string]string{"CONDUIT_VOLUME_ROOT": "/mnt/conduit"},
	}
	s := NewDockerStarter(cfg, nil)
	s.docker = bin
	return s, argvLog
}

func TestDockerStarterActive(t *testing.T) {
	s, _ := newDockerStarter(t, "abc123\n")
	active, err := s.Active(context.Background())
	require.NoError(t, err)
	require.True(t, active)

	s2, _ := newDockerStarter(t, "")
	active, err = s2.Active(context.Background())
	require.NoError(t, err)
	require.False(t, active)
}

func TestDockerStarterStart(t *testing.T) {
	s, argvLog := newDockerStarter(t, "")

	name, err := s.Start(context.Background(), "20240101T000000Z_abc")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(name, "conduit-runner-"))

	data, err := os.ReadFile(argvLog)
	require.NoError(t, err)
	calls := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, calls, 2, "expected pull then run")
	require.True(t, strings.HasPrefix(calls[0], "pull "))

	runArgs := calls[1]
	require.Contains(t, runArgs, "--label conduit.kind=runner")
	require.Contains(t, runArgs, "--label conduit.bundle=20240101T000000Z_abc")
	require.Contains(t, runArgs, "-e CONDUIT_VOLUME_ROOT=/mnt/conduit")
	require.Contains(t, runArgs, "registry.example.com/conduit/runner:latest")
	require.Contains(t, runArgs, "runs/20240101T000000Z_abc.log")

	// Host volume layout was created for the mounts.
	for _, sub := range []string{"prompts/queue", "agent_home", "workdir", "runs"} {
		_, err := os.Stat(filepath.Join(s.HostVolumeRoot, sub))
		require.NoError(t, err, sub)
	}
}

func TestDockerStarterStartWithoutImage(t *testing.T) {
	s, _ := newDockerStarter(t, "")
	s.Image = ""
	_, err := s.Start(context.Background(), "b1")
	require.Error(t, err)
}
