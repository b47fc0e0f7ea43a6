package deployment

import "time"

// DeviceDeployed confirms that the primary device with the given role was
// deployed using the package carrying expectedStamp.
func (d *StudyDeployment) DeviceDeployed(role, expectedStamp string, now time.Time) error {
	dev, ok := d.blueprint.Device(role)
	if !ok {
		return d.fail(ErrValidation, role, "device is not part of the study protocol")
	}
	if !dev.IsPrimary {
		return d.fail(ErrValidation, role, "only primary devices can be deployed")
	}
	if d.IsStopped() {
		return d.fail(ErrPrecondition, role, "deployment is stopped")
	}
	status := d.deviceStatus(dev, d.registeredRoles())
	if !status.ReadyForDeployment() {
		return d.fail(ErrPrecondition, role, "device is not ready for deployment, awaiting registration of %v", status.RemainingToRegisterBeforeDeployment)
	}
	pkg, err := d.DeviceDeployment(role)
	if err != nil {
		return err
	}
	if pkg.Stamp != expectedStamp {
		return &Error{
			Kind:         ErrConcurrency,
			DeploymentID: d.id,
			RoleName:     role,
			Expected:     expectedStamp,
			Actual:       pkg.Stamp,
			Message:      "device was deployed with an outdated package",
		}
	}

	at := now.UTC()
	delete(d.invalidated, role)
	if !d.deployed[role] {
		d.deployed[role] = true
		d.raise(Event{Type: EventDeviceDeployed, RoleName: role, At: at, Payload: map[string]any{
			"stamp": pkg.Stamp,
		}})
	}
	if d.startedOn == nil && d.allRequiredDeployed() {
		d.startedOn = &at
		d.raise(Event{Type: EventStarted, At: at})
	}
	return nil
}

// Stop ends the deployment. Stopping twice is a no-op.
func (d *StudyDeployment) Stop(now time.Time) {
	if d.IsStopped() {
		return
	}
	at := now.UTC()
	d.stoppedOn = &at
	d.raise(Event{Type: EventStopped, At: at})
}

// invalidateDependents moves every other deployed primary device whose
// package depends on changed back to needing redeployment.
func (d *StudyDeployment) invalidateDependents(changed string) {
	for _, dev := range d.blueprint.PrimaryDevices() {
		role := dev.RoleName
		if role == changed || !d.deployed[role] {
			continue
		}
		dependents, _ := d.DependentDevices(role)
		connected, _ := d.ConnectedDevices(role, false)
		if !containsRole(dependents, changed) && !containsRole(connected, changed) {
			continue
		}
		delete(d.deployed, role)
		d.invalidated[role] = true
		d.raise(Event{Type: EventDeploymentInvalidated, RoleName: role, Payload: map[string]any{
			"cause": changed,
		}})
	}
}

func (d *StudyDeployment) allRequiredDeployed() bool {
	for _, r := range d.registrable {
		if r.RequiresDeployment && !d.deployed[r.Device.RoleName] {
			return false
		}
	}
	return true
}
