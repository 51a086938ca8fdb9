package constants

const (
	InfoPathV1        = "/api/localsend/v1/info"
	SendRequestPathV1 = "/api/localsend/v1/send-request"
	SendPathV1        = "/api/localsend/v1/send"
	CancelPathV1      = "/api/localsend/v1/cancel"

	UploadPath    = "/api/localsend/v2/upload"
	PreuploadPath = "/api/localsend/v2/prepare-upload"
	CancelPath    = "/api/localsend/v2/cancel"
	InfoPath      = "/api/localsend/v2/info"
)

const (
	DefaultPort     = 53317
	ProtocolVersion = "2.1"
	DeviceModel     = "LocalSend-CLI"
)

// Device types a peer may announce.
const (
	DeviceTypeMobile   = "mobile"
	DeviceTypeDesktop  = "desktop"
	DeviceTypeWeb      = "web"
	DeviceTypeHeadless = "headless"
	DeviceTypeServer   = "server"
)

// NormalizeDeviceType maps unknown or empty device types to desktop.
func NormalizeDeviceType(t string) string {
	switch t {
	case DeviceTypeMobile, DeviceTypeDesktop, DeviceTypeWeb, DeviceTypeHeadless, DeviceTypeServer:
		return t
	default:
		return DeviceTypeDesktop
	}
}

// ValidPort reports whether port can be bound by the receiver.
func ValidPort(port int) bool {
	return port > 0 && port <= 65535
}
