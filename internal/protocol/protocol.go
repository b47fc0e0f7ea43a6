// Package protocol holds the immutable study protocol blueprint consumed by
// deployments: devices, the connections between them, tasks, triggers and the
// task controls that bind triggers to tasks on a destination device.
//
// Types that this build does not know about are kept as a type tag plus an
// opaque property map so they survive a JSON or YAML round trip untouched.
package protocol

import "sort"

// Known device types. Any other tag is accepted and carried as-is.
const (
	DeviceTypeSmartphone         = "smartphone"
	DeviceTypeWebBrowser         = "web_browser"
	DeviceTypeAltBeacon          = "altbeacon"
	DeviceTypeBluetoothHeartRate = "bluetooth_heart_rate"
	DeviceTypePolar              = "polar"
)

const (
	ControlStart = "start"
	ControlStop  = "stop"
)

type Device struct {
	RoleName   string         `json:"role_name" yaml:"role_name"`
	Type       string         `json:"type" yaml:"type"`
	IsPrimary  bool           `json:"is_primary" yaml:"is_primary"`
	IsOptional bool           `json:"is_optional,omitempty" yaml:"is_optional,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Connection wires a connected device to its host.
type Connection struct {
	Primary   string `json:"primary" yaml:"primary"`
	Connected string `json:"connected" yaml:"connected"`
}

type Task struct {
	Name        string         `json:"name" yaml:"name"`
	Type        string         `json:"type,omitempty" yaml:"type,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type Trigger struct {
	ID                   int            `json:"id" yaml:"id"`
	Type                 string         `json:"type" yaml:"type"`
	SourceDeviceRoleName string         `json:"source_device_role_name,omitempty" yaml:"source_device_role_name,omitempty"`
	Properties           map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type TaskControl struct {
	TriggerID                 int    `json:"trigger_id" yaml:"trigger_id"`
	TaskName                  string `json:"task_name" yaml:"task_name"`
	DestinationDeviceRoleName string `json:"destination_device_role_name" yaml:"destination_device_role_name"`
	Control                   string `json:"control" yaml:"control"`
}

// Blueprint is the validated, read-only protocol snapshot a deployment is
// created from.
type Blueprint struct {
	ID              string        `json:"id" yaml:"id"`
	Name            string        `json:"name,omitempty" yaml:"name,omitempty"`
	Description     string        `json:"description,omitempty" yaml:"description,omitempty"`
	Devices         []Device      `json:"devices" yaml:"devices"`
	Connections     []Connection  `json:"connections,omitempty" yaml:"connections,omitempty"`
	Tasks           []Task        `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Triggers        []Trigger     `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	TaskControls    []TaskControl `json:"task_controls,omitempty" yaml:"task_controls,omitempty"`
	ApplicationData string        `json:"application_data,omitempty" yaml:"application_data,omitempty"`
}

// Device returns the device with the given role name.
func (b Blueprint) Device(roleName string) (Device, bool) {
	for _, d := range b.Devices {
		if d.RoleName == roleName {
			return d, true
		}
	}
	return Device{}, false
}

// PrimaryDevices returns the primary devices in declaration order.
func (b Blueprint) PrimaryDevices() []Device {
	var res []Device
	for _, d := range b.Devices {
		if d.IsPrimary {
			res = append(res, d)
		}
	}
	return res
}

// HostOf returns the role name of the device roleName is connected to.
func (b Blueprint) HostOf(roleName string) (string, bool) {
	for _, c := range b.Connections {
		if c.Connected == roleName {
			return c.Primary, true
		}
	}
	return "", false
}

// ConnectedDevices returns every device reachable from roleName through
// connections, without crossing into another primary device. The result is
// sorted by role name.
func (b Blueprint) ConnectedDevices(roleName string) []Device {
	seen := map[string]bool{roleName: true}
	queue := []string{roleName}
	var res []Device
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range b.Connections {
			if c.Primary != cur || seen[c.Connected] {
				continue
			}
			seen[c.Connected] = true
			d, ok := b.Device(c.Connected)
			if !ok || d.IsPrimary {
				continue
			}
			res = append(res, d)
			queue = append(queue, d.RoleName)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].RoleName < res[j].RoleName })
	return res
}

