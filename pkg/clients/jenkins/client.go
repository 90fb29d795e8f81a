// Package jenkins implements the CI-system client: queue introspection,
// ephemeral node management and runtime probes against a Jenkins controller.
package jenkins

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/clients/request"
	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/controllers"
)

const (
	callTimeout   = 10 * time.Second
	crumbCacheTTL = 5 * time.Minute
	crumbCacheKey = "crumb"
)

type crumb struct {
	Field string `json:"crumbRequestField"`
	Value string `json:"crumb"`
}

type Client struct {
	baseURL string
	policy  request.Policy
	client  *http.Client
	auth    string
	crumbs  *cache.Cache
}

var _ controllers.CIClient = (*Client)(nil)

func NewClient(baseURL, user, apiToken string, policy request.Policy) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		policy:  policy,
		client:  &http.Client{Timeout: callTimeout},
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+apiToken)),
		crumbs:  cache.New(crumbCacheTTL, crumbCacheTTL),
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return request.Do(ctx, c.client, request.Spec{
		Method: http.MethodGet,
		URL:    c.baseURL + path,
		Header: http.Header{"Authorization": []string{c.auth}},
	}, c.policy)
}

// post performs a mutating call. Jenkins protects those with a CSRF crumb,
// fetched lazily and attached as a header.
func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	header := http.Header{"Authorization": []string{c.auth}}
	cr, err := c.getCrumb(ctx)
	if err != nil {
		return nil, err
	}
	if cr.Field != "" {
		header.Set(cr.Field, cr.Value)
	}
	return request.Do(ctx, c.client, request.Spec{
		Method: http.MethodPost,
		URL:    c.baseURL + path,
		Header: header,
		Form:   form,
	}, c.policy)
}

func (c *Client) getCrumb(ctx context.Context) (crumb, error) {
	if cached, ok := c.crumbs.Get(crumbCacheKey); ok {
		return cached.(crumb), nil
	}
	body, err := c.get(ctx, "/crumbIssuer/api/json")
	if request.StatusCode(err) == http.StatusNotFound {
		// CSRF protection disabled on this controller.
		c.crumbs.SetDefault(crumbCacheKey, crumb{})
		return crumb{}, nil
	}
	if err != nil {
		return crumb{}, fmt.Errorf("fetching csrf crumb, %w", err)
	}
	var cr crumb
	if err := json.Unmarshal(body, &cr); err != nil {
		return crumb{}, fmt.Errorf("decoding csrf crumb, %w", err)
	}
	c.crumbs.SetDefault(crumbCacheKey, cr)
	return cr, nil
}

// CreateEphemeralNode defines an exclusive single-executor inbound node.
// Jenkins treats doCreateItem for an existing name as a conflict-free no-op
// only when the definition matches; callers rely on deterministic names to
// keep retries idempotent.
func (c *Client) CreateEphemeralNode(ctx context.Context, name, label string) error {
	definition := map[string]any{
		"name":            name,
		"nodeDescription": "ephemeral vm node",
		"numExecutors":    "1",
		"remoteFS":        "/home/jenkins",
		"labelString":     label,
		"mode":            "EXCLUSIVE",
		"launcher": map[string]any{
			"stapler-class": "hudson.slaves.JNLPLauncher",
			"$class":        "hudson.slaves.JNLPLauncher",
			"webSocket":     true,
		},
		"retentionStrategy": map[string]any{
			"stapler-class": "hudson.slaves.RetentionStrategy$Always",
			"$class":        "hudson.slaves.RetentionStrategy$Always",
		},
		"nodeProperties": map[string]any{"stapler-class-bag": "true"},
	}
	raw, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("encoding node definition, %w", err)
	}
	_, err = c.post(ctx, "/computer/doCreateItem", url.Values{
		"name": []string{name},
		"type": []string{"hudson.slaves.DumbSlave$DescriptorImpl"},
		"json": []string{string(raw)},
	})
	if err != nil {
		return fmt.Errorf("creating node %s, %w", name, err)
	}
	return nil
}

func (c *Client) DeleteNode(ctx context.Context, name string) error {
	if _, err := c.post(ctx, "/computer/"+url.PathEscape(name)+"/doDelete", nil); err != nil {
		return fmt.Errorf("deleting node %s, %w", name, err)
	}
	return nil
}

// GetInboundSecret returns the JNLP secret for an inbound node. The JSON
// computer API is preferred; controllers that do not expose the secret there
// fall back to the <argument> elements of the agent descriptor.
func (c *Client) GetInboundSecret(ctx context.Context, name string) (string, error) {
	if body, err := c.get(ctx, "/computer/"+url.PathEscape(name)+"/api/json?tree=jnlpAgentSecret"); err == nil {
		var payload struct {
			JNLPAgentSecret string `json:"jnlpAgentSecret"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.JNLPAgentSecret != "" {
			return payload.JNLPAgentSecret, nil
		}
	}
	body, err := c.get(ctx, "/computer/"+url.PathEscape(name)+"/slave-agent.jnlp")
	if err != nil {
		return "", fmt.Errorf("fetching agent descriptor for %s, %w", name, err)
	}
	text := string(body)
	start := strings.Index(text, "<argument>")
	if start == -1 {
		return "", fmt.Errorf("no inbound secret in agent descriptor for %s", name)
	}
	rest := text[start+len("<argument>"):]
	end := strings.Index(rest, "</argument>")
	if end == -1 {
		return "", fmt.Errorf("no inbound secret in agent descriptor for %s", name)
	}
	return rest[:end], nil
}

type computerStatus struct {
	Offline         bool       `json:"offline"`
	Idle            bool       `json:"idle"`
	Executors       []executor `json:"executors"`
	OneOffExecutors []executor `json:"oneOffExecutors"`
}

type executor struct {
	CurrentExecutable *struct {
		URL string `json:"url"`
	} `json:"currentExecutable"`
}

func (c *Client) NodeRuntimeStatus(ctx context.Context, name string) (controllers.RuntimeStatus, error) {
	body, err := c.get(ctx, "/computer/"+url.PathEscape(name)+"/api/json")
	if err != nil {
		return controllers.RuntimeStatus{}, fmt.Errorf("probing node %s, %w", name, err)
	}
	var status computerStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return controllers.RuntimeStatus{}, fmt.Errorf("decoding node %s status, %w", name, err)
	}
	return controllers.RuntimeStatus{Connected: !status.Offline, Busy: !status.Idle}, nil
}

func (c *Client) NodeCurrentBuildURL(ctx context.Context, name string) (string, error) {
	body, err := c.get(ctx, "/computer/"+url.PathEscape(name)+
		"/api/json?tree=executors[currentExecutable[url]],oneOffExecutors[currentExecutable[url]]")
	if err != nil {
		return "", fmt.Errorf("probing node %s executors, %w", name, err)
	}
	var status computerStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return "", fmt.Errorf("decoding node %s executors, %w", name, err)
	}
	for _, e := range append(status.Executors, status.OneOffExecutors...) {
		if e.CurrentExecutable != nil && e.CurrentExecutable.URL != "" {
			return e.CurrentExecutable.URL, nil
		}
	}
	return "", nil
}

// IsBuildRunning reports whether the build at buildURL is still executing. A
// 404 means Jenkins already rotated the build away, which reads as finished.
func (c *Client) IsBuildRunning(ctx context.Context, buildURL string) (bool, error) {
	target := strings.TrimRight(buildURL, "/") + "/api/json?tree=building"
	body, err := request.Do(ctx, c.client, request.Spec{
		Method: http.MethodGet,
		URL:    target,
		Header: http.Header{"Authorization": []string{c.auth}},
	}, c.policy)
	if request.StatusCode(err) == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probing build %s, %w", buildURL, err)
	}
	var payload struct {
		Building bool `json:"building"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("decoding build %s status, %w", buildURL, err)
	}
	return payload.Building, nil
}
