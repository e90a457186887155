package dto

import "time"

type DeviceSummary struct {
	DeviceID        string    `json:"deviceId"`
	RegistrationID  uint32    `json:"registrationId"`
	IdentityKey     string    `json:"identityKey"`
	IsPrimary       bool      `json:"isPrimary"`
	IdentityVersion int       `json:"identityVersion"`
	LastSeen        time.Time `json:"lastSeen"`
}

type DeviceListResponse struct {
	UserID  string          `json:"userId"`
	Devices []DeviceSummary `json:"devices"`
}
