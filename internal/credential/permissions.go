package credential

// Permissions granted to service credentials.
const (
	PermissionEngineCallback = "engine:callback"
	PermissionEngineRelay    = "engine:relay"
	PermissionSMSBulk        = "sms:bulk"
	PermissionAdmin          = "credentials:admin"
)

// EnginePermissions is the set granted to the external engine's inbound credential.
var EnginePermissions = []string{
	PermissionEngineCallback,
	PermissionSMSBulk,
}

// InternalPermissions is the set granted to the control plane's own outbound credential.
var InternalPermissions = []string{
	PermissionEngineRelay,
}
