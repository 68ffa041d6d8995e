// Package setup initializes a conduit volume: the queue layout, working
// directories and a starter configuration file.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/conduit/internal/queue"
	"github.com/msageha/conduit/templates"
)

// Run creates the directory layout for a fresh volume at root and writes
// the starter config.yaml to configPath. An existing config file is left
// untouched and reported as an error; re-running init on a populated
// volume is otherwise harmless.
func Run(root, configPath string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve volume root: %w", err)
	}

	dirs := []string{
		absRoot,
		filepath.Join(absRoot, "workdir"),
		filepath.Join(absRoot, "locks"),
		filepath.Join(absRoot, "logs"),
		filepath.Join(absRoot, "runs"),
		filepath.Join(absRoot, "agent_home"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	// queue.Open lays out the lifecycle subdirectories.
	if _, err := queue.Open(filepath.Join(absRoot, "prompts", "queue")); err != nil {
		return err
	}

	if configPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(configPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists, not overwriting", configPath)
		}
		return fmt.Errorf("create config: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(templates.ConfigYAML); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
