package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/msageha/conduit/internal/httpx"
	"github.com/msageha/conduit/internal/model"
)

const (
	azureRequestTimeout = 30 * time.Second
	managementScope     = "https://management.azure.com/"
)

// AzureStarter drives an Azure Container Apps job through the
// management REST API. Credentials come from the managed-identity
// endpoint of the hosting environment, never from configuration.
type AzureStarter struct {
	SubscriptionID string
	ResourceGroup  string
	JobName        string
	APIVersion     string

	Client *httpx.Client
	// BaseURL overrides the management endpoint in tests.
	BaseURL string
	// Token overrides managed-identity token acquisition in tests.
	Token func(ctx context.Context) (string, error)
}

func NewAzureStarter(cfg model.AzureLaunchConfig, client *httpx.Client) *AzureStarter {
	s := &AzureStarter{
		SubscriptionID: cfg.SubscriptionID,
		ResourceGroup:  cfg.ResourceGroup,
		JobName:        cfg.JobName,
		APIVersion:     cfg.APIVersion,
		Client:         client,
	}
	if s.APIVersion == "" {
		s.APIVersion = "2025-01-01"
	}
	return s
}

// Active reports whether the job has an execution in Running state.
func (s *AzureStarter) Active(ctx context.Context) (bool, error) {
	body, err := s.call(ctx, http.MethodGet, s.jobURL("executions"))
	if err != nil {
		return false, err
	}
	var list struct {
		Value []struct {
			Properties struct {
				Status string `json:"status"`
			} `json:"properties"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return false, fmt.Errorf("parse executions list: %w", err)
	}
	for _, item := range list.Value {
		if item.Properties.Status == "Running" {
			return true, nil
		}
	}
	return false, nil
}

// Start begins a new job execution and returns its name.
func (s *AzureStarter) Start(ctx context.Context, bundle string) (string, error) {
	body, err := s.call(ctx, http.MethodPost, s.jobURL("start"))
	if err != nil {
		return "", err
	}
	var started struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &started); err != nil || started.Name == "" {
		return "unknown", nil
	}
	return started.Name, nil
}

func (s *AzureStarter) jobURL(op string) string {
	base := s.BaseURL
	if base == "" {
		base = "https://management.azure.com"
	}
	return fmt.Sprintf(
		"%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.App/jobs/%s/%s?api-version=%s",
		base, s.SubscriptionID, s.ResourceGroup, s.JobName, op, s.APIVersion)
}

func (s *AzureStarter) call(ctx context.Context, method, u string) ([]byte, error) {
	tokenFn := s.Token
	if tokenFn == nil {
		tokenFn = managedIdentityToken
	}
	token, err := tokenFn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire management token: %w", err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	resp, err := s.Client.Do(ctx, method, u, header, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, truncate(resp.Body, 200))
	}
	return resp.Body, nil
}

// managedIdentityToken fetches a bearer token for the ARM scope. Inside
// Container Apps the IDENTITY_ENDPOINT/IDENTITY_HEADER pair is set; on
// plain VMs the IMDS endpoint answers instead.
func managedIdentityToken(ctx context.Context) (string, error) {
	endpoint := os.Getenv("IDENTITY_ENDPOINT")
	header := http.Header{}
	var tokenURL string
	if endpoint != "" {
		tokenURL = fmt.Sprintf("%s?api-version=2019-08-01&resource=%s",
			endpoint, url.QueryEscape(managementScope))
		header.Set("X-IDENTITY-HEADER", os.Getenv("IDENTITY_HEADER"))
	} else {
		tokenURL = "http://169.254.169.254/metadata/identity/oauth2/token" +
			"?api-version=2018-02-01&resource=" + url.QueryEscape(managementScope)
		header.Set("Metadata", "true")
	}

	client := httpx.NewClient(10 * time.Second)
	resp, err := client.Do(ctx, http.MethodGet, tokenURL, header, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity endpoint: status %d: %s", resp.StatusCode, truncate(resp.Body, 200))
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("identity endpoint: no access_token in response")
	}
	return tok.AccessToken, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
