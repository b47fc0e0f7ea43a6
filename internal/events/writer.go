package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"deployline/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts an event inside tx and returns the stored record so it can
// be published once tx commits. A zero at falls back to Now.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, deploymentID, roleName, actorID string, at time.Time, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if at.IsZero() {
		at = w.Now()
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:           at.UTC().Format(time.RFC3339Nano),
		Type:         evtType,
		DeploymentID: deploymentID,
		RoleName:     roleName,
		ActorID:      actorID,
		Payload:      string(data),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,deployment_id,role_name,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS, evt.Type, nullable(deploymentID), nullable(roleName), actorID, evt.Payload)
	if err != nil {
		return domain.Event{}, err
	}
	if evt.ID, err = res.LastInsertId(); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
