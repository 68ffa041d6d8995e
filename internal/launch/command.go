package launch

import (
	"context"
	"fmt"
	"log"
	"os/exec"
)

// CommandStarter launches a local shell command fire-and-forget. It
// never tracks the process, so Active always reports false and each
// dispatch may start another drain.
type CommandStarter struct {
	Command string
	Logger  *log.Logger
}

func (s *CommandStarter) Active(context.Context) (bool, error) {
	return false, nil
}

func (s *CommandStarter) Start(ctx context.Context, bundle string) (string, error) {
	cmd := exec.Command("sh", "-c", s.Command)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}
	// Reap in the background; the outcome is the runner's own business.
	go func() {
		if err := cmd.Wait(); err != nil && s.Logger != nil {
			s.Logger.Printf("launch command exited: %v", err)
		}
	}()
	return "command", nil
}
