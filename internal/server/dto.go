package server

import (
	"encoding/json"
	"time"

	"deployline/internal/deployment"
	"deployline/internal/domain"
	"deployline/internal/protocol"
)

// Request payloads

// RegistrationRequest mirrors deployment.DeviceRegistration with an
// optional creation time; the server fills it in when absent.
type RegistrationRequest struct {
	Type        string         `json:"type,omitempty" example:"mac_address"`
	DeviceID    string         `json:"device_id"`
	DisplayName string         `json:"device_display_name,omitempty"`
	CreatedOn   *time.Time     `json:"registration_created_on,omitempty" format:"date-time"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func (r RegistrationRequest) registration() deployment.DeviceRegistration {
	reg := deployment.DeviceRegistration{
		Type:        r.Type,
		DeviceID:    r.DeviceID,
		DisplayName: r.DisplayName,
		Properties:  r.Properties,
	}
	if r.CreatedOn != nil {
		reg.CreatedOn = *r.CreatedOn
	}
	return reg
}

type CreateDeploymentRequest struct {
	ID               string                             `json:"id,omitempty"`
	Protocol         protocol.Blueprint                 `json:"protocol"`
	Assignments      []deployment.ParticipantAssignment `json:"participant_assignments"`
	Preregistrations map[string]RegistrationRequest     `json:"connected_device_preregistrations,omitempty"`
}

type DeploymentIDsRequest struct {
	DeploymentIDs []string `json:"deployment_ids" minItems:"1"`
}

type DeviceDeployedRequest struct {
	Stamp string `json:"stamp"`
}

// Response payloads

type DeploymentResponse struct {
	ID         string `json:"id"`
	ProtocolID string `json:"protocol_id"`
	Status     string `json:"status" enum:"invited,deploying_devices,running,stopped"`
	Version    int64  `json:"version"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID           int64           `json:"id"`
	TS           string          `json:"ts" format:"date-time"`
	Type         string          `json:"type"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	RoleName     string          `json:"role_name,omitempty"`
	ActorID      string          `json:"actor_id"`
	Payload      json.RawMessage `json:"payload"`
}

type paginatedDeployments struct {
	Items      []DeploymentResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type statusList struct {
	Items []deployment.Status `json:"items"`
}

type removedDeployments struct {
	Removed []string `json:"removed"`
}

func deploymentResponse(d domain.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:         d.ID,
		ProtocolID: d.ProtocolID,
		Status:     d.Status,
		Version:    d.Version,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		DeploymentID: e.DeploymentID,
		RoleName:     e.RoleName,
		ActorID:      e.ActorID,
		Payload:      payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
