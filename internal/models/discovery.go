package models

import "github.com/sonhoai27/localsend/internal/localsend/constants"

type DeviceInfo struct {
	Alias       string `json:"alias"`
	Version     string `json:"version"`
	DeviceModel string `json:"deviceModel,omitempty"` // nullable per protocol
	DeviceType  string `json:"deviceType,omitempty"`  // nullable per protocol
	Fingerprint string `json:"fingerprint,omitempty"`
	Download    bool   `json:"download,omitempty"`
}

// SenderInfo is the device info a sender attaches to a proposal.
// Port and protocol are only present in v2 requests.
type SenderInfo struct {
	DeviceInfo
	Port     int    `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"` // "http" or "https"
}

func NewDeviceInfo(alias string, fingerprint string) DeviceInfo {
	return DeviceInfo{
		Alias:       alias,
		Version:     constants.ProtocolVersion,
		DeviceModel: constants.DeviceModel,
		DeviceType:  constants.DeviceTypeHeadless,
		Fingerprint: fingerprint,
		Download:    false,
	}
}
