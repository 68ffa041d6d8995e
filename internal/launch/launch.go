// Package launch starts runner execution environments. A Starter knows
// whether a runner is already active and how to start a new one; the
// dispatch services call it after writing a bundle so queued work gets
// drained without waiting for a schedule.
package launch

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/conduit/internal/httpx"
	"github.com/msageha/conduit/internal/model"
)

// Starter starts runner environments for queued bundles.
type Starter interface {
	// Active reports whether a runner environment is currently running.
	Active(ctx context.Context) (bool, error)
	// Start launches a runner environment and returns its name.
	Start(ctx context.Context, bundle string) (string, error)
}

// New builds the Starter selected by launch.mode.
func New(cfg model.Config, logger *log.Logger) (Starter, error) {
	var s Starter
	switch cfg.Launch.Mode {
	case "docker":
		s = NewDockerStarter(cfg, logger)
	case "command":
		if cfg.Launch.Command == "" {
			return nil, fmt.Errorf("launch.command is required when launch.mode=command")
		}
		s = &CommandStarter{Command: cfg.Launch.Command, Logger: logger}
	case "azure":
		az := cfg.Launch.Azure
		if az.SubscriptionID == "" || az.ResourceGroup == "" || az.JobName == "" {
			return nil, fmt.Errorf("launch.azure requires subscription_id, resource_group and job_name")
		}
		s = NewAzureStarter(az, httpx.NewClient(azureRequestTimeout))
	case "noop":
		s = NoopStarter{}
	default:
		return nil, fmt.Errorf("unknown launch mode %q", cfg.Launch.Mode)
	}
	return Deduped(s), nil
}

// NoopStarter records nothing and starts nothing.
type NoopStarter struct{}

func (NoopStarter) Active(context.Context) (bool, error) { return false, nil }

func (NoopStarter) Start(context.Context, string) (string, error) { return "noop", nil }

// deduped collapses concurrent Active/Start calls into one underlying
// call each. Multiple HTTP dispatches landing together must not spawn
// multiple runner environments.
type deduped struct {
	inner Starter
	group singleflight.Group
}

// Deduped wraps s so concurrent identical calls share one execution.
func Deduped(s Starter) Starter {
	if _, ok := s.(*deduped); ok {
		return s
	}
	return &deduped{inner: s}
}

func (d *deduped) Active(ctx context.Context) (bool, error) {
	v, err, _ := d.group.Do("active", func() (any, error) {
		return d.inner.Active(ctx)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (d *deduped) Start(ctx context.Context, bundle string) (string, error) {
	v, err, _ := d.group.Do("start", func() (any, error) {
		return d.inner.Start(ctx, bundle)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
