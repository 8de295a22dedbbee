package android

import (
	"strings"

	xslice "github.com/frantjc/x/slice"
)

const permissionPrefix = "android.permission."

// knownPermissions are the platform permission identifiers a spec may
// declare. Identifiers not on this list are rejected at merge time
// instead of producing an artifact the platform rejects at install.
var knownPermissions = []string{
	"ACCESS_COARSE_LOCATION",
	"ACCESS_FINE_LOCATION",
	"ACCESS_NETWORK_STATE",
	"ACCESS_WIFI_STATE",
	"BLUETOOTH",
	"BLUETOOTH_ADMIN",
	"BLUETOOTH_CONNECT",
	"BLUETOOTH_SCAN",
	"CAMERA",
	"FOREGROUND_SERVICE",
	"INTERNET",
	"MANAGE_EXTERNAL_STORAGE",
	"NFC",
	"POST_NOTIFICATIONS",
	"READ_CALENDAR",
	"READ_CONTACTS",
	"READ_EXTERNAL_STORAGE",
	"READ_MEDIA_AUDIO",
	"READ_MEDIA_IMAGES",
	"READ_MEDIA_VIDEO",
	"READ_PHONE_STATE",
	"RECEIVE_BOOT_COMPLETED",
	"RECORD_AUDIO",
	"SCHEDULE_EXACT_ALARM",
	"SEND_SMS",
	"SYSTEM_ALERT_WINDOW",
	"USE_BIOMETRIC",
	"VIBRATE",
	"WAKE_LOCK",
	"WRITE_CALENDAR",
	"WRITE_CONTACTS",
	"WRITE_EXTERNAL_STORAGE",
}

// NormalizePermission expands a bare identifier such as INTERNET to its
// fully qualified android.permission.INTERNET form. Identifiers that
// already contain a dot are taken as fully qualified.
func NormalizePermission(name string) string {
	if strings.Contains(name, ".") {
		return name
	}

	return permissionPrefix + name
}

// IsKnownPermission reports whether the identifier, bare or fully
// qualified, names a platform-known permission.
func IsKnownPermission(name string) bool {
	normalized := NormalizePermission(name)

	return strings.HasPrefix(normalized, permissionPrefix) &&
		xslice.Includes(knownPermissions, strings.TrimPrefix(normalized, permissionPrefix))
}

// UnknownPermissionError is returned when a spec declares a permission
// identifier the platform does not know.
type UnknownPermissionError struct {
	Permission string
}

func (e *UnknownPermissionError) Error() string {
	return "unknown permission " + e.Permission
}
