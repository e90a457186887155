package dto

type PreKeyBundleResponse struct {
	DeviceID             string         `json:"deviceId"`
	RegistrationID       uint32         `json:"registrationId"`
	IdentityKey          string         `json:"identityKey"`
	IdentitySignatureKey string         `json:"identitySignatureKey"`
	SignedPreKey         SignedPreKey   `json:"signedPreKey"`
	OneTimePreKey        *OneTimePreKey `json:"oneTimePreKey,omitempty"`
	// Degraded is set when the one-time pre-key pool was empty, so the
	// session established from this bundle has weaker initial forward secrecy.
	Degraded bool `json:"degraded"`
}
