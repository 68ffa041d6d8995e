package launch

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conduit/internal/model"
	"github.com/msageha/conduit/internal/notify"
)

const runnerKindLabel = "conduit.kind=runner"

// DockerStarter runs runner containers via the docker CLI. Containers
// carry conduit.kind and conduit.bundle labels so Active can find them
// with a filtered ps.
type DockerStarter struct {
	Image          string
	NamePrefix     string
	HostVolumeRoot string
	MountPath      string
	Env            map[string]string
	RunCommand     string

	Logger *log.Logger
	// docker is the binary name, replaceable in tests.
	docker string
}

func NewDockerStarter(cfg model.Config, logger *log.Logger) *DockerStarter {
	d := cfg.Launch.Docker
	s := &DockerStarter{
		Image:          d.Image,
		NamePrefix:     d.NamePrefix,
		HostVolumeRoot: d.HostVolumeRoot,
		MountPath:      d.MountPath,
		Env:            d.Env,
		Logger:         logger,
		docker:         "docker",
	}
	if s.NamePrefix == "" {
		s.NamePrefix = "conduit-runner"
	}
	if s.MountPath == "" {
		s.MountPath = "/mnt/conduit"
	}
	return s
}

func (s *DockerStarter) Active(ctx context.Context) (bool, error) {
	out, err := s.output(ctx, "ps", "-q", "--filter", "label="+runnerKindLabel)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Start pulls the runner image best-effort, ensures the host volume
// layout exists, and launches a detached container that drains the
// queue. The container log lands on the shared volume so runs stay
// debuggable after the container is removed.
func (s *DockerStarter) Start(ctx context.Context, bundle string) (string, error) {
	if s.Image == "" {
		return "", fmt.Errorf("launch.docker.image is not configured")
	}

	notify.BestEffort(s.Logger, "docker_pull", func() error {
		_, err := s.output(ctx, "pull", s.Image)
		return err
	})

	if s.HostVolumeRoot != "" {
		for _, sub := range []string{"prompts/queue", "agent_home", "workdir", "runs"} {
			if err := os.MkdirAll(filepath.Join(s.HostVolumeRoot, sub), 0o755); err != nil {
				return "", fmt.Errorf("prepare host volume: %w", err)
			}
		}
	}

	name := fmt.Sprintf("%s-%s-%s",
		s.NamePrefix,
		time.Now().UTC().Format("20060102T150405Z"),
		uuid.NewString()[:6])

	logPath := filepath.ToSlash(filepath.Join(s.MountPath, "runs", model.SanitizeName(bundle)+".log"))
	runCmd := s.RunCommand
	if runCmd == "" {
		runCmd = "conduit run"
	}

	args := []string{
		"run", "-d", "--rm",
		"--name", name,
		"--label", runnerKindLabel,
		"--label", "conduit.bundle=" + model.SanitizeName(bundle),
		"--user", "0:0",
	}
	if s.HostVolumeRoot != "" {
		args = append(args, "-v", s.HostVolumeRoot+":"+s.MountPath)
	}
	for _, k := range sortedKeys(s.Env) {
		args = append(args, "-e", k+"="+s.Env[k])
	}
	args = append(args, s.Image, "sh", "-c", fmt.Sprintf("%s > %s 2>&1", runCmd, logPath))

	if _, err := s.output(ctx, args...); err != nil {
		return "", fmt.Errorf("start runner container: %w", err)
	}
	return name, nil
}

func (s *DockerStarter) output(ctx context.Context, args ...string) (string, error) {
	bin := s.docker
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
