package domain

// Deployment is the stored row for a study deployment. SnapshotJSON holds
// the structural aggregate state; Status is denormalized for listing.
type Deployment struct {
	ID           string `json:"id"`
	ProtocolID   string `json:"protocol_id"`
	Status       string `json:"status" enum:"invited,deploying_devices,running,stopped"`
	Version      int64  `json:"version"`
	SnapshotJSON string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	DeploymentID string `json:"deployment_id,omitempty"`
	RoleName     string `json:"role_name,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

// APIKey authenticates an actor through the X-Api-Key header. Only the
// SHA-256 digest of the secret is stored.
type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
}
