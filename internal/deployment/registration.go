package deployment

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"deployline/internal/protocol"
)

// Registration type tags.
const (
	RegistrationDefault    = "default"
	RegistrationMACAddress = "mac_address"
	RegistrationAltBeacon  = "altbeacon"
)

// DeviceRegistration claims a physical device for a role. Properties are
// device-type specific and kept opaque.
type DeviceRegistration struct {
	Type        string         `json:"type,omitempty"`
	DeviceID    string         `json:"device_id"`
	DisplayName string         `json:"device_display_name,omitempty"`
	CreatedOn   time.Time      `json:"registration_created_on"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func (r DeviceRegistration) clone() DeviceRegistration {
	r.Properties = cloneProperties(r.Properties)
	return r
}

// cloneProperties copies JSON-shaped property values so nested maps and
// slices are not shared.
func cloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	res := make(map[string]any, len(props))
	for k, v := range props {
		res[k] = cloneValue(v)
	}
	return res
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneProperties(x)
	case []any:
		res := make([]any, len(x))
		for i, e := range x {
			res[i] = cloneValue(e)
		}
		return res
	default:
		return v
	}
}

var expectedRegistrationType = map[string]string{
	protocol.DeviceTypeSmartphone:         RegistrationDefault,
	protocol.DeviceTypeWebBrowser:         RegistrationDefault,
	protocol.DeviceTypeBluetoothHeartRate: RegistrationMACAddress,
	protocol.DeviceTypePolar:              RegistrationMACAddress,
	protocol.DeviceTypeAltBeacon:          RegistrationAltBeacon,
}

var altBeaconFields = []string{"manufacturer_id", "organization_id", "major_id", "minor_id"}

// validateRegistration returns a reason the registration cannot be used for
// device, or "" when it is valid or validity cannot be determined.
func validateRegistration(device protocol.Device, reg DeviceRegistration) string {
	if strings.TrimSpace(reg.DeviceID) == "" {
		return "registration device_id is required"
	}
	expected, known := expectedRegistrationType[device.Type]
	if !known {
		return ""
	}
	if reg.Type != "" && reg.Type != expected {
		return fmt.Sprintf("registration type %s does not match device type %s (expected %s)", reg.Type, device.Type, expected)
	}
	switch expected {
	case RegistrationMACAddress:
		mac, _ := reg.Properties["mac_address"].(string)
		if _, err := net.ParseMAC(mac); err != nil {
			return fmt.Sprintf("invalid mac_address %q", mac)
		}
	case RegistrationAltBeacon:
		for _, field := range altBeaconFields {
			if !isNumeric(reg.Properties[field]) {
				return fmt.Sprintf("altbeacon registration requires numeric %s", field)
			}
		}
	}
	return ""
}

func isNumeric(v any) bool {
	switch n := v.(type) {
	case int, int32, int64, float64:
		return true
	case string:
		_, err := strconv.Atoi(n)
		return err == nil
	default:
		return false
	}
}
