// Package nodeagent implements the client for the per-host virtualization
// agent.
package nodeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/clients/request"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers"
)

const callTimeout = 10 * time.Second

type Client struct {
	baseURL string
	policy  request.Policy
	client  *http.Client
	header  http.Header
}

var _ controllers.AgentClient = (*Client)(nil)

func NewClient(baseURL string, policy request.Policy, authToken string) *Client {
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		policy:  policy,
		client:  &http.Client{Timeout: callTimeout},
		header:  header,
	}
}

// EnsureVM creates the VM if it does not exist yet; the agent treats the PUT
// as idempotent on vm_id.
func (c *Client) EnsureVM(ctx context.Context, vmID string, spec controllers.VMSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding vm %s spec, %w", vmID, err)
	}
	header := c.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	_, err = request.Do(ctx, c.client, request.Spec{
		Method: http.MethodPut,
		URL:    c.baseURL + "/v1/vms/" + url.PathEscape(vmID),
		Header: header,
		Body:   raw,
	}, c.policy)
	if err != nil {
		return fmt.Errorf("ensuring vm %s, %w", vmID, err)
	}
	return nil
}

func (c *Client) GetVM(ctx context.Context, vmID string) (map[string]any, error) {
	body, err := request.Do(ctx, c.client, request.Spec{
		Method: http.MethodGet,
		URL:    c.baseURL + "/v1/vms/" + url.PathEscape(vmID),
		Header: c.header,
	}, c.policy)
	if err != nil {
		return nil, fmt.Errorf("getting vm %s, %w", vmID, err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding vm %s, %w", vmID, err)
	}
	return out, nil
}

func (c *Client) DeleteVM(ctx context.Context, vmID, reason string, force bool) error {
	_, err := request.Do(ctx, c.client, request.Spec{
		Method: http.MethodDelete,
		URL:    c.baseURL + "/v1/vms/" + url.PathEscape(vmID),
		Header: c.header,
		Query: url.Values{
			"reason": []string{reason},
			"force":  []string{strconv.FormatBool(force)},
		},
	}, c.policy)
	if err != nil {
		return fmt.Errorf("deleting vm %s, %w", vmID, err)
	}
	return nil
}

func (c *Client) Capacity(ctx context.Context) (controllers.Capacity, error) {
	body, err := request.Do(ctx, c.client, request.Spec{
		Method: http.MethodGet,
		URL:    c.baseURL + "/v1/capacity",
		Header: c.header,
	}, c.policy)
	if err != nil {
		return controllers.Capacity{}, fmt.Errorf("getting capacity, %w", err)
	}
	var out controllers.Capacity
	if err := json.Unmarshal(body, &out); err != nil {
		return controllers.Capacity{}, fmt.Errorf("decoding capacity, %w", err)
	}
	return out, nil
}
