package config

// Tool defines the tools exposed by the binding server
const (
	// ToolRegister is the register tool name
	ToolRegister = "continuation.register"
	// ToolUnregister is the unregister tool name
	ToolUnregister = "continuation.unregister"
	// ToolOn is the device selection callback registration tool name
	ToolOn = "continuation.on"
	// ToolOff is the device selection callback removal tool name
	ToolOff = "continuation.off"
	// ToolUpdateConnectStatus is the connect status update tool name
	ToolUpdateConnectStatus = "continuation.updateConnectStatus"
	// ToolStartDeviceManager is the device manager launch tool name
	ToolStartDeviceManager = "continuation.startDeviceManager"
	// ToolPollEvents drains device selection events delivered to a token
	ToolPollEvents = "continuation.pollEvents"
)

// ResourceEnums is the URI of the read-only enumeration resource
const ResourceEnums = "continuation://enums"

// AllTools returns a slice of all available tool names
func AllTools() []string {
	return []string{
		ToolRegister,
		ToolUnregister,
		ToolOn,
		ToolOff,
		ToolUpdateConnectStatus,
		ToolStartDeviceManager,
		ToolPollEvents,
	}
}
