package launch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/conduit/internal/httpx"
	"github.com/msageha/conduit/internal/model"
)

func TestNewSelectsMode(t *testing.T) {
	cfg := model.DefaultConfig()

	cfg.Launch.Mode = "noop"
	s, err := New(cfg, nil)
	require.NoError(t, err)
	active, err := s.Active(context.Background())
	require.NoError(t, err)
	require.False(t, active)

	cfg.Launch.Mode = "command"
	cfg.Launch.Command = ""
	_, err = New(cfg, nil)
	require.Error(t, err)

	cfg.Launch.Mode = "azure"
	_, err = New(cfg, nil)
	require.Error(t, err, "azure mode without coordinates must fail")

	cfg.Launch.Mode = "bogus"
	_, err = New(cfg, nil)
	require.Error(t, err)
}

func TestNoopStarter(t *testing.T) {
	s := NoopStarter{}
	name, err := s.Start(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, "noop", name)
}

func TestCommandStarterFiresCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	marker := filepath.Join(t.TempDir(), "fired")
	s := &CommandStarter{Command: "touch " + marker}

	name, err := s.Start(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, "command", name)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("command never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type countingStarter struct {
	started atomic.Int32
	release chan struct{}
}

func (c *countingStarter) Active(context.Context) (bool, error) { return false, nil }

func (c *countingStarter) Start(context.Context, string) (string, error) {
	c.started.Add(1)
	<-c.release
	return "runner-1", nil
}

func TestDedupedCollapsesConcurrentStarts(t *testing.T) {
	inner := &countingStarter{release: make(chan struct{})}
	s := Deduped(inner)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, err := s.Start(context.Background(), "b1")
			require.NoError(t, err)
			results[i] = name
		}(i)
	}

	// Let all goroutines pile onto the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	require.Equal(t, int32(1), inner.started.Load())
	for _, name := range results {
		require.Equal(t, "runner-1", name)
	}
}

func TestAzureStarterActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.Contains(t, r.URL.Path, "/jobs/drain-job/executions")
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{"properties": map[string]any{"status": "Succeeded"}},
				{"properties": map[string]any{"status": "Running"}},
			},
		})
	}))
	defer srv.Close()

	s := NewAzureStarter(model.AzureLaunchConfig{
		SubscriptionID: "sub", ResourceGroup: "rg", JobName: "drain-job",
	}, httpx.NewClient(5*time.Second))
	s.BaseURL = srv.URL
	s.Token = func(context.Context) (string, error) { return "test-token", nil }

	active, err := s.Active(context.Background())
	require.NoError(t, err)
	require.True(t, active)
}

func TestAzureStarterActiveNoneRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{}})
	}))
	defer srv.Close()

	s := NewAzureStarter(model.AzureLaunchConfig{
		SubscriptionID: "sub", ResourceGroup: "rg", JobName: "drain-job",
	}, httpx.NewClient(5*time.Second))
	s.BaseURL = srv.URL
	s.Token = func(context.Context) (string, error) { return "t", nil }

	active, err := s.Active(context.Background())
	require.NoError(t, err)
	require.False(t, active)
}

func TestAzureStarterStart(t *testing.T) {
	var method, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"name": "drain-job-exec-7"})
	}))
	defer srv.Close()

	s := NewAzureStarter(model.AzureLaunchConfig{
		SubscriptionID: "sub", ResourceGroup: "rg", JobName: "drain-job",
	}, httpx.NewClient(5*time.Second))
	s.BaseURL = srv.URL
	s.Token = func(context.Context) (string, error) { return "t", nil }

	name, err := s.Start(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, "drain-job-exec-7", name)
	require.Equal(t, http.MethodPost, method)
	require.True(t, strings.HasSuffix(path, "/jobs/drain-job/start"))
}

func TestAzureStarterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"AuthorizationFailed"}}`))
	}))
	defer srv.Close()

	s := NewAzureStarter(model.AzureLaunchConfig{
		SubscriptionID: "sub", ResourceGroup: "rg", JobName: "drain-job",
	}, httpx.NewClient(5*time.Second))
	s.BaseURL = srv.URL
	s.Token = func(context.Context) (string, error) { return "t", nil }

	_, err := s.Start(context.Background(), "b1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}
