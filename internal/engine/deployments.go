package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"deployline/internal/deployment"
	"deployline/internal/domain"
	"deployline/internal/events"
	"deployline/internal/protocol"
	"deployline/internal/repo"
	"deployline/internal/tracing"
)

// CreateOptions are parameters for creating a deployment.
type CreateOptions struct {
	ID               string
	Blueprint        protocol.Blueprint
	Assignments      []deployment.ParticipantAssignment
	Preregistrations map[string]deployment.DeviceRegistration
	ActorID          string
}

const EventDeploymentRemoved = "deployment.removed"

func (e Engine) CreateDeployment(ctx context.Context, opts CreateOptions) (status deployment.Status, err error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	ctx, span := e.startSpan(ctx, "CreateDeployment", id, attribute.String(tracing.AttrActorID, opts.ActorID))
	defer func() { endSpan(span, err) }()

	now := e.now()
	d, err := deployment.New(id, opts.Blueprint, opts.Assignments, now)
	if err != nil {
		return deployment.Status{}, err
	}
	roles := make([]string, 0, len(opts.Preregistrations))
	for role := range opts.Preregistrations {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		if err := d.Preregister(role, e.stampRegistration(opts.Preregistrations[role])); err != nil {
			return deployment.Status{}, err
		}
	}

	unlock := e.locks.Lock(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return deployment.Status{}, err
	}
	defer tx.Rollback()

	status = d.Status()
	snapshot, err := encode(d)
	if err != nil {
		return deployment.Status{}, err
	}
	ts := now.Format(time.RFC3339Nano)
	err = e.Repo.InsertDeployment(ctx, tx, domain.Deployment{
		ID:           id,
		ProtocolID:   opts.Blueprint.ID,
		Status:       string(status.Kind),
		SnapshotJSON: snapshot,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	})
	if err != nil {
		return deployment.Status{}, fmt.Errorf("insert deployment %s: %w", id, err)
	}
	stored, err := e.appendEvents(ctx, tx, d.ConsumeEvents(), status, opts.ActorID)
	if err != nil {
		return deployment.Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return deployment.Status{}, err
	}
	e.logger().Info("deployment created",
		"deployment_id", id,
		"protocol_id", opts.Blueprint.ID,
		"status", status.Kind,
		"actor_id", opts.ActorID)
	events.PublishAll(ctx, e.Publisher, e.logger(), stored)
	return status, nil
}

// stampRegistration fills in the creation time and normalizes it to UTC.
func (e Engine) stampRegistration(reg deployment.DeviceRegistration) deployment.DeviceRegistration {
	if reg.CreatedOn.IsZero() {
		reg.CreatedOn = e.now()
	}
	reg.CreatedOn = reg.CreatedOn.UTC()
	return reg
}

func (e Engine) RegisterDevice(ctx context.Context, id, role string, reg deployment.DeviceRegistration, actorID string) (deployment.Status, error) {
	reg = e.stampRegistration(reg)
	return e.mutation(ctx, "RegisterDevice", id, actorID, func(d *deployment.StudyDeployment) error {
		return d.RegisterDevice(role, reg)
	})
}

func (e Engine) UnregisterDevice(ctx context.Context, id, role, actorID string) (deployment.Status, error) {
	return e.mutation(ctx, "UnregisterDevice", id, actorID, func(d *deployment.StudyDeployment) error {
		return d.UnregisterDevice(role)
	})
}

func (e Engine) DeviceDeployed(ctx context.Context, id, role, stamp, actorID string) (deployment.Status, error) {
	now := e.now()
	return e.mutation(ctx, "DeviceDeployed", id, actorID, func(d *deployment.StudyDeployment) error {
		return d.DeviceDeployed(role, stamp, now)
	})
}

func (e Engine) Stop(ctx context.Context, id, actorID string) (deployment.Status, error) {
	now := e.now()
	return e.mutation(ctx, "Stop", id, actorID, func(d *deployment.StudyDeployment) error {
		d.Stop(now)
		return nil
	})
}

// cachedPackage is valid only while the stored snapshot it was built from is
// unchanged, whichever process wrote it.
type cachedPackage struct {
	snapshot string
	pkg      deployment.Package
}

func packageKey(id, role string) string { return id + "\x00" + role }

// GetDeviceDeployment returns the package for a primary device. Callers get
// their own copy of cached packages.
func (e Engine) GetDeviceDeployment(ctx context.Context, id, role string) (pkg deployment.Package, err error) {
	ctx, span := e.startSpan(ctx, "GetDeviceDeployment", id, attribute.String(tracing.AttrRoleName, role))
	defer func() { endSpan(span, err) }()

	rec, err := e.Repo.GetDeployment(ctx, nil, id)
	if err != nil {
		return deployment.Package{}, fmt.Errorf("deployment %s: %w", id, err)
	}
	key := packageKey(id, role)
	if e.packages != nil {
		if v, ok := e.packages.Get(key); ok {
			if c := v.(cachedPackage); c.snapshot == rec.SnapshotJSON {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				return c.pkg.Clone(), nil
			}
		}
	}
	d, err := decode(rec)
	if err != nil {
		return deployment.Package{}, err
	}
	pkg, err = d.DeviceDeployment(role)
	if err != nil {
		return deployment.Package{}, err
	}
	if e.packages != nil {
		e.packages.SetDefault(key, cachedPackage{snapshot: rec.SnapshotJSON, pkg: pkg.Clone()})
	}
	return pkg, nil
}

func (e Engine) GetStatus(ctx context.Context, id string) (status deployment.Status, err error) {
	ctx, span := e.startSpan(ctx, "GetStatus", id)
	defer func() { endSpan(span, err) }()
	_, d, err := e.load(ctx, id)
	if err != nil {
		return deployment.Status{}, err
	}
	return d.Status(), nil
}

// GetStatusList returns statuses in the order of ids and fails if any id
// is unknown.
func (e Engine) GetStatusList(ctx context.Context, ids []string) ([]deployment.Status, error) {
	res := make([]deployment.Status, 0, len(ids))
	for _, id := range ids {
		status, err := e.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, status)
	}
	return res, nil
}

// RemoveDeployments deletes the given deployments and returns the ids that
// existed. Unknown ids are skipped.
func (e Engine) RemoveDeployments(ctx context.Context, ids []string, actorID string) (removed []string, err error) {
	ctx, span := e.startSpan(ctx, "RemoveDeployments", strings.Join(ids, ","), attribute.String(tracing.AttrActorID, actorID))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.LockAll(ids)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var stored []domain.Event
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		rec, err := e.Repo.GetDeployment(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := e.Repo.DeleteDeployment(ctx, tx, id); err != nil {
			return nil, fmt.Errorf("delete deployment %s: %w", id, err)
		}
		evt, err := e.Events.Append(ctx, tx, EventDeploymentRemoved, id, "", actorID, e.now(), events.EventPayload{
			"protocol_id": rec.ProtocolID,
			"status":      rec.Status,
		})
		if err != nil {
			return nil, err
		}
		stored = append(stored, evt)
		removed = append(removed, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, id := range removed {
		e.forgetPackages(id)
	}
	if len(removed) > 0 {
		e.logger().Info("deployments removed", "deployment_ids", removed, "actor_id", actorID)
	}
	events.PublishAll(ctx, e.Publisher, e.logger(), stored)
	return removed, nil
}

func (e Engine) forgetPackages(id string) {
	if e.packages == nil {
		return
	}
	prefix := id + "\x00"
	for key := range e.packages.Items() {
		if strings.HasPrefix(key, prefix) {
			e.packages.Delete(key)
		}
	}
}

// ListDeployments returns stored deployments newest first.
func (e Engine) ListDeployments(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Deployment, error) {
	return e.Repo.ListDeployments(ctx, limit, cursorCreatedAt, cursorID)
}

// ListEvents returns the event log newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// EventsAfter returns events after cursor, oldest first.
func (e Engine) EventsAfter(ctx context.Context, limit int, cursor int64, deploymentID string) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, limit, cursor, deploymentID)
}
