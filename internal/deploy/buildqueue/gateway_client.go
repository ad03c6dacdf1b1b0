package buildqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/deployengine/core/internal/deployerr"
)

// maxGatewayAttempts bounds the retry loop before surfacing a gateway error,
// per SPEC_FULL.md §4.4.
const maxGatewayAttempts = 3

// GatewayClient implements capability.BuildQueueClient by calling the
// external build-slot arbiter over HTTP, authenticating with a service JWT
// derived from the admin secret and pacing retries with a token bucket.
type GatewayClient struct {
	baseURL     string
	adminSecret []byte
	http        *http.Client
	limiter     *rate.Limiter
}

// NewGatewayClient builds a client against baseURL (the external gateway).
func NewGatewayClient(baseURL, adminSecret string) *GatewayClient {
	return &GatewayClient{
		baseURL:     baseURL,
		adminSecret: []byte(adminSecret),
		http:        &http.Client{Timeout: 10 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

func (c *GatewayClient) serviceToken(deploymentID uuid.UUID) (string, error) {
	claims := jwt.MapClaims{
		"deployment_id": deploymentID.String(),
		"exp":           time.Now().Add(time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.adminSecret)
}

// GetSlot implements capability.BuildQueueClient.
func (c *GatewayClient) GetSlot(ctx context.Context, deploymentID uuid.UUID) (bool, error) {
	var granted bool
	err := c.withRetry(ctx, func() error {
		resp, err := c.call(ctx, http.MethodPost, fmt.Sprintf("/build-slots/%s", deploymentID), deploymentID)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusForbidden {
			granted = false
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("buildqueue: gateway returned %s", resp.Status)
		}
		var body struct {
			Granted bool `json:"granted"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("buildqueue: decode slot response: %w", err)
		}
		granted = body.Granted
		return nil
	})
	if err != nil {
		return false, deployerr.New(deployerr.Gateway, "get_slot", err)
	}
	return granted, nil
}

// ReleaseSlot implements capability.BuildQueueClient.
func (c *GatewayClient) ReleaseSlot(ctx context.Context, deploymentID uuid.UUID) error {
	err := c.withRetry(ctx, func() error {
		resp, err := c.call(ctx, http.MethodDelete, fmt.Sprintf("/build-slots/%s", deploymentID), deploymentID)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("buildqueue: gateway returned %s", resp.Status)
		}
		return nil
	})
	return deployerr.Wrap(deployerr.Gateway, "release_slot", err)
}

func (c *GatewayClient) call(ctx context.Context, method, path string, deploymentID uuid.UUID) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("buildqueue: build request: %w", err)
	}
	token, err := c.serviceToken(deploymentID)
	if err != nil {
		return nil, fmt.Errorf("buildqueue: sign service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.http.Do(req)
}

// withRetry retries every error fn returns with rate-limited backoff, bounded
// to maxGatewayAttempts before giving up (SPEC_FULL.md §4.4). For GetSlot
// that covers network failures, decode failures and any status other than
// 200 or 403; for ReleaseSlot, network failures and 5xx statuses.
func (c *GatewayClient) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxGatewayAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := fn(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
