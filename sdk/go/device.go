package deploylinesdk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrDeploymentStopped is returned by device helpers once the deployment
// can no longer change.
var ErrDeploymentStopped = errors.New("deployment stopped")

var errNotReady = errors.New("device not ready")

// AwaitDeviceReady polls the deployment status until the package of role can
// be obtained. It gives up when ctx is done or the deployment is stopped.
func (c *Client) AwaitDeviceReady(ctx context.Context, deploymentID, role string, interval time.Duration) (DeviceStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	op := func() (DeviceStatus, error) {
		status, err := c.GetStatus(ctx, deploymentID)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return DeviceStatus{}, backoff.Permanent(err)
			}
			return DeviceStatus{}, err
		}
		if status.Status == "stopped" {
			return DeviceStatus{}, backoff.Permanent(ErrDeploymentStopped)
		}
		dev, ok := status.Device(role)
		if !ok {
			return DeviceStatus{}, backoff.Permanent(fmt.Errorf("role %q not in deployment %s", role, deploymentID))
		}
		if !dev.CanObtainDeployment() {
			return dev, errNotReady
		}
		return dev, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(0),
	)
}

// DeployDevice fetches the package of role and confirms it as deployed. A
// confirmation rejected as stale is retried once with a fresh package.
func (c *Client) DeployDevice(ctx context.Context, deploymentID, role string) (Package, DeploymentStatus, error) {
	var (
		pkg    Package
		status DeploymentStatus
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		pkg, err = c.GetDeviceDeployment(ctx, deploymentID, role)
		if err != nil {
			return Package{}, DeploymentStatus{}, err
		}
		status, err = c.DeviceDeployed(ctx, deploymentID, role, pkg.Stamp)
		if err == nil || !IsStale(err) {
			break
		}
	}
	return pkg, status, err
}
