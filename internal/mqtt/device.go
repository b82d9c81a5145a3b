package mqtt

import "github.com/nugget/mailroom/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload, so HA groups all account sensors under one
// device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message, published retained on every broker (re-)connect.
type SensorConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "nugget",
		Model:        buildinfo.Name,
		SWVersion:    buildinfo.Version,
	}
}
