package deployment

// RegisterDevice claims the device with the given role for a physical device.
func (d *StudyDeployment) RegisterDevice(role string, reg DeviceRegistration) error {
	dev, ok := d.blueprint.Device(role)
	if !ok {
		return d.fail(ErrValidation, role, "device is not part of the study protocol")
	}
	if d.IsStopped() {
		return d.fail(ErrPrecondition, role, "deployment is stopped")
	}
	if _, registered := d.activeRegistration(role); registered {
		return d.fail(ErrPrecondition, role, "device is already registered")
	}
	if reason := validateRegistration(dev, reg); reason != "" {
		return d.fail(ErrValidation, role, "%s", reason)
	}
	for other, otherReg := range d.RegisteredDevices() {
		otherDev, _ := d.blueprint.Device(other)
		if otherDev.Type == dev.Type && otherReg.DeviceID == reg.DeviceID {
			return d.fail(ErrValidation, role, "device id %s is already registered for %s", reg.DeviceID, other)
		}
	}

	r := reg.clone()
	d.log = append(d.log, LogEntry{RoleName: role, Registration: &r})
	payload := map[string]any{
		"device_id":   reg.DeviceID,
		"device_type": dev.Type,
	}
	if host, ok := d.blueprint.HostOf(role); ok {
		payload["host_role_name"] = host
	}
	d.raise(Event{Type: EventDeviceRegistered, RoleName: role, At: reg.CreatedOn, Payload: payload})
	d.invalidateDependents(role)
	return nil
}

// Preregister registers a connected device while the deployment is created.
func (d *StudyDeployment) Preregister(role string, reg DeviceRegistration) error {
	dev, ok := d.blueprint.Device(role)
	if !ok {
		return d.fail(ErrValidation, role, "device is not part of the study protocol")
	}
	if dev.IsPrimary {
		return d.fail(ErrValidation, role, "only connected devices can be preregistered")
	}
	return d.RegisterDevice(role, reg)
}

// UnregisterDevice releases the registration for role. A deployed device
// stops being deployed.
func (d *StudyDeployment) UnregisterDevice(role string) error {
	if _, ok := d.blueprint.Device(role); !ok {
		return d.fail(ErrValidation, role, "device is not part of the study protocol")
	}
	if d.IsStopped() {
		return d.fail(ErrPrecondition, role, "deployment is stopped")
	}
	if _, registered := d.activeRegistration(role); !registered {
		return d.fail(ErrPrecondition, role, "device is not registered")
	}

	d.log = append(d.log, LogEntry{RoleName: role})
	delete(d.deployed, role)
	d.raise(Event{Type: EventDeviceUnregistered, RoleName: role})
	d.invalidateDependents(role)
	return nil
}

// RegisteredDevices returns the active registration per role.
func (d *StudyDeployment) RegisteredDevices() map[string]DeviceRegistration {
	res := map[string]DeviceRegistration{}
	for _, e := range d.log {
		if e.Registration == nil {
			delete(res, e.RoleName)
			continue
		}
		res[e.RoleName] = e.Registration.clone()
	}
	return res
}

// RegistrationHistory returns every registration ever made per role, oldest first.
func (d *StudyDeployment) RegistrationHistory() map[string][]DeviceRegistration {
	res := map[string][]DeviceRegistration{}
	for _, e := range d.log {
		if e.Registration != nil {
			res[e.RoleName] = append(res[e.RoleName], e.Registration.clone())
		}
	}
	return res
}

func (d *StudyDeployment) activeRegistration(role string) (DeviceRegistration, bool) {
	for i := len(d.log) - 1; i >= 0; i-- {
		e := d.log[i]
		if e.RoleName != role {
			continue
		}
		if e.Registration == nil {
			return DeviceRegistration{}, false
		}
		return *e.Registration, true
	}
	return DeviceRegistration{}, false
}

func (d *StudyDeployment) registeredRoles() map[string]bool {
	res := map[string]bool{}
	for role := range d.RegisteredDevices() {
		res[role] = true
	}
	return res
}
