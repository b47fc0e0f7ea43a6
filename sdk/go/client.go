package deploylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Deployline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Device is a device role of the study protocol.
type Device struct {
	RoleName   string         `json:"role_name"`
	Type       string         `json:"type"`
	IsPrimary  bool           `json:"is_primary"`
	IsOptional bool           `json:"is_optional,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Registration claims a physical device for a role.
type Registration struct {
	Type        string         `json:"type,omitempty"`
	DeviceID    string         `json:"device_id"`
	DisplayName string         `json:"device_display_name,omitempty"`
	CreatedOn   *time.Time     `json:"registration_created_on,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Assignment assigns primary device roles to a participant.
type Assignment struct {
	ParticipantID          string   `json:"participant_id"`
	PrimaryDeviceRoleNames []string `json:"primary_device_role_names"`
}

// DeviceStatus is the deployment status of one device.
type DeviceStatus struct {
	Status                              string   `json:"status"`
	Device                              Device   `json:"device"`
	CanBeDeployed                       bool     `json:"can_be_deployed"`
	RemainingToObtainDeployment         []string `json:"remaining_devices_to_register_to_obtain_deployment"`
	RemainingToRegisterBeforeDeployment []string `json:"remaining_devices_to_register_before_deployment"`
}

// CanObtainDeployment reports whether the package of the device can be fetched.
func (s DeviceStatus) CanObtainDeployment() bool {
	return s.CanBeDeployed && len(s.RemainingToObtainDeployment) == 0
}

// DeploymentStatus is the aggregate status of a deployment.
type DeploymentStatus struct {
	Status       string         `json:"status"`
	DeploymentID string         `json:"deployment_id"`
	CreatedOn    time.Time      `json:"created_on"`
	StartedOn    *time.Time     `json:"started_on,omitempty"`
	StoppedOn    *time.Time     `json:"stopped_on,omitempty"`
	Devices      []DeviceStatus `json:"devices"`
}

// Device returns the status of the device with the given role.
func (s DeploymentStatus) Device(role string) (DeviceStatus, bool) {
	for _, d := range s.Devices {
		if d.Device.RoleName == role {
			return d, true
		}
	}
	return DeviceStatus{}, false
}

// Package is the deployment package of a primary device. Tasks, triggers
// and task controls are kept as raw JSON for the device runtime.
type Package struct {
	DeploymentID           string                  `json:"deployment_id"`
	Device                 Device                  `json:"device"`
	Registration           Registration            `json:"registration"`
	ConnectedDevices       []Device                `json:"connected_devices"`
	ConnectedRegistrations map[string]Registration `json:"connected_device_registrations"`
	Tasks                  json.RawMessage         `json:"tasks"`
	Triggers               json.RawMessage         `json:"triggers"`
	TaskControls           json.RawMessage         `json:"task_controls"`
	ApplicationData        string                  `json:"application_data,omitempty"`
	LastUpdatedOn          time.Time               `json:"last_updated_on"`
	Stamp                  string                  `json:"stamp"`
}

// Deployment is a stored deployment row.
type Deployment struct {
	ID         string `json:"id"`
	ProtocolID string `json:"protocol_id"`
	Status     string `json:"status"`
	Version    int64  `json:"version"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	DeploymentID string         `json:"deployment_id"`
	RoleName     string         `json:"role_name"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedDeployments wraps deployment listings with cursors.
type PaginatedDeployments struct {
	Items      []Deployment `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// CreateDeploymentRequest creates a deployment. Protocol is sent as-is.
type CreateDeploymentRequest struct {
	ID               string                  `json:"id,omitempty"`
	Protocol         any                     `json:"protocol"`
	Assignments      []Assignment            `json:"participant_assignments"`
	Preregistrations map[string]Registration `json:"connected_device_preregistrations,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the API error code of err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsStale reports whether err rejected a confirmation with an outdated stamp.
func IsStale(err error) bool { return ErrorCode(err) == "stale_deployment" }

// CreateDeployment creates a deployment and returns its status.
func (c *Client) CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (DeploymentStatus, error) {
	var resp DeploymentStatus
	err := c.do(ctx, http.MethodPost, "deployments", req, &resp)
	return resp, err
}

// ListDeployments returns one page of deployments, newest first.
func (c *Client) ListDeployments(ctx context.Context, limit int, cursor string) (PaginatedDeployments, error) {
	var resp PaginatedDeployments
	err := c.do(ctx, http.MethodGet, withPage("deployments", limit, cursor), nil, &resp)
	return resp, err
}

// GetStatus returns the status of a deployment.
func (c *Client) GetStatus(ctx context.Context, deploymentID string) (DeploymentStatus, error) {
	var resp DeploymentStatus
	err := c.do(ctx, http.MethodGet, deploymentPath(deploymentID, ""), nil, &resp)
	return resp, err
}

// GetStatusList returns the statuses of several deployments in order.
func (c *Client) GetStatusList(ctx context.Context, deploymentIDs []string) ([]DeploymentStatus, error) {
	var resp struct {
		Items []DeploymentStatus `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "deployments/status", map[string]any{"deployment_ids": deploymentIDs}, &resp)
	return resp.Items, err
}

// RemoveDeployments removes deployments and returns the removed ids.
func (c *Client) RemoveDeployments(ctx context.Context, deploymentIDs []string) ([]string, error) {
	var resp struct {
		Removed []string `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "deployments", map[string]any{"deployment_ids": deploymentIDs}, &resp)
	return resp.Removed, err
}

// Stop stops a deployment.
func (c *Client) Stop(ctx context.Context, deploymentID string) (DeploymentStatus, error) {
	var resp DeploymentStatus
	err := c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "stop"), nil, &resp)
	return resp, err
}

// RegisterDevice registers a device for role.
func (c *Client) RegisterDevice(ctx context.Context, deploymentID, role string, reg Registration) (DeploymentStatus, error) {
	var resp DeploymentStatus
	err := c.do(ctx, http.MethodPut, devicePath(deploymentID, role, "registration"), reg, &resp)
	return resp, err
}

// UnregisterDevice releases the registration of role.
func (c *Client) UnregisterDevice(ctx context.Context, deploymentID, role string) (DeploymentStatus, error) {
	var resp DeploymentStatus
	err := c.do(ctx, http.MethodDelete, devicePath(deploymentID, role, "registration"), nil, &resp)
	return resp, err
}

// GetDeviceDeployment fetches the deployment package of a primary device.
func (c *Client) GetDeviceDeployment(ctx context.Context, deploymentID, role string) (Package, error) {
	var resp Package
	err := c.do(ctx, http.MethodGet, devicePath(deploymentID, role, "package"), nil, &resp)
	return resp, err
}

// DeviceDeployed confirms the package with the given stamp runs on the device.
func (c *Client) DeviceDeployed(ctx context.Context, deploymentID, role, stamp string) (DeploymentStatus, error) {
	var resp DeploymentStatus
	err := c.do(ctx, http.MethodPost, devicePath(deploymentID, role, "deployed"), map[string]string{"stamp": stamp}, &resp)
	return resp, err
}

// EventsPage returns a page of deployment events, newest first.
func (c *Client) EventsPage(ctx context.Context, deploymentID string, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withPage(deploymentPath(deploymentID, "events"), limit, cursor), nil, &resp)
	return resp, err
}

func deploymentPath(id, suffix string) string {
	p := "deployments/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func devicePath(id, role, suffix string) string {
	return deploymentPath(id, "devices/"+url.PathEscape(role)+"/"+suffix)
}

func withPage(endpoint string, limit int, cursor string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
