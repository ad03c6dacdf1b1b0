// Package provisioner is the default AbstractFactory: an HTTP client
// talking to the resource provisioner named by --provisioner-address and
// --provisioner-port, grounded on the teacher's plain net/http client
// idiom (infrastructure/serviceauth, infrastructure/ratelimit) rather than
// a generated gRPC stub, since no pack repo declares a provisioner IDL.
package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/internal/deployerr"
)

// Client resolves per-deployment ProvisionerFactory instances from the
// external resource provisioner.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client pointed at host:port.
func New(host string, port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type factoryResponse struct {
	ServiceName string            `json:"service_name"`
	Environment string            `json:"environment"`
	BuildPath   string            `json:"build_path"`
	StoragePath string            `json:"storage_path"`
	Secrets     map[string]string `json:"secrets"`
	DSNs        map[string]string `json:"dsns"`
}

// GetFactory implements capability.AbstractFactory.
func (c *Client) GetFactory(ctx context.Context, projectName, serviceName string, serviceID, deploymentID uuid.UUID, claim map[string]string) (capability.ProvisionerFactory, error) {
	url := fmt.Sprintf("%s/projects/%s/services/%s/deployments/%s/factory", c.baseURL, projectName, serviceName, deploymentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, deployerr.New(deployerr.Gateway, "provisioner_get_factory", err)
	}
	q := req.URL.Query()
	for k, v := range claim {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, deployerr.New(deployerr.Gateway, "provisioner_get_factory", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, deployerr.New(deployerr.Gateway, "provisioner_get_factory", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body factoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, deployerr.New(deployerr.Convert, "provisioner_decode_factory", err)
	}

	return &factory{resp: body}, nil
}

type factory struct {
	resp factoryResponse
}

func (f *factory) GetDBConnectionString(_ context.Context, resourceType string) (string, error) {
	dsn, ok := f.resp.DSNs[resourceType]
	if !ok {
		return "", deployerr.New(deployerr.NotFound, "get_db_connection_string", fmt.Errorf("no dsn for resource type %q", resourceType))
	}
	return dsn, nil
}

func (f *factory) GetSecrets(context.Context) (map[string]string, error) { return f.resp.Secrets, nil }
func (f *factory) GetServiceName() string                               { return f.resp.ServiceName }
func (f *factory) GetEnvironment() string                               { return f.resp.Environment }
func (f *factory) GetBuildPath() string                                 { return f.resp.BuildPath }
func (f *factory) GetStoragePath() string                               { return f.resp.StoragePath }
