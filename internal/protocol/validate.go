package protocol

import (
	"fmt"
	"strings"
)

// ValidationError lists every reason a blueprint is not deployable.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "protocol not deployable: " + strings.Join(e.Issues, "; ")
}

// Validate checks that the blueprint is structurally deployable.
func (b Blueprint) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(b.ID) == "" {
		add("protocol id is required")
	}
	roles := map[string]Device{}
	primaries := 0
	for _, d := range b.Devices {
		if strings.TrimSpace(d.RoleName) == "" {
			add("device with empty role name")
			continue
		}
		if _, dup := roles[d.RoleName]; dup {
			add("duplicate role name %s", d.RoleName)
			continue
		}
		if strings.TrimSpace(d.Type) == "" {
			add("device %s has no type", d.RoleName)
		}
		roles[d.RoleName] = d
		if d.IsPrimary {
			primaries++
		}
	}
	if primaries == 0 {
		add("at least one primary device is required")
	}

	hosts := map[string]string{}
	for _, c := range b.Connections {
		host, ok := roles[c.Primary]
		if !ok {
			add("connection references unknown device %s", c.Primary)
			continue
		}
		conn, ok := roles[c.Connected]
		if !ok {
			add("connection references unknown device %s", c.Connected)
			continue
		}
		if conn.IsPrimary {
			add("primary device %s cannot be connected to %s", conn.RoleName, host.RoleName)
			continue
		}
		if c.Primary == c.Connected {
			add("device %s cannot connect to itself", c.Primary)
			continue
		}
		if prev, dup := hosts[c.Connected]; dup {
			add("device %s is connected to both %s and %s", c.Connected, prev, c.Primary)
			continue
		}
		hosts[c.Connected] = c.Primary
	}
	for _, d := range b.Devices {
		if d.RoleName == "" || d.IsPrimary {
			continue
		}
		if _, ok := hosts[d.RoleName]; !ok {
			add("connected device %s is not connected to any device", d.RoleName)
		}
	}

	tasks := map[string]bool{}
	for _, t := range b.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			add("task with empty name")
			continue
		}
		if tasks[t.Name] {
			add("duplicate task name %s", t.Name)
		}
		tasks[t.Name] = true
	}
	triggers := map[int]bool{}
	for _, tr := range b.Triggers {
		if triggers[tr.ID] {
			add("duplicate trigger id %d", tr.ID)
		}
		triggers[tr.ID] = true
		if tr.SourceDeviceRoleName != "" {
			if _, ok := roles[tr.SourceDeviceRoleName]; !ok {
				add("trigger %d source device %s not in protocol", tr.ID, tr.SourceDeviceRoleName)
			}
		}
	}
	for _, tc := range b.TaskControls {
		if !triggers[tc.TriggerID] {
			add("task control references unknown trigger %d", tc.TriggerID)
		}
		if !tasks[tc.TaskName] {
			add("task control references unknown task %s", tc.TaskName)
		}
		if _, ok := roles[tc.DestinationDeviceRoleName]; !ok {
			add("task control references unknown device %s", tc.DestinationDeviceRoleName)
		}
		if tc.Control != ControlStart && tc.Control != ControlStop {
			add("task control for %s has invalid control %q", tc.TaskName, tc.Control)
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
