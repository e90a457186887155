package dto

type SafetyNumberResponse struct {
	DeviceA     string `json:"deviceA"`
	DeviceB     string `json:"deviceB"`
	DisplayText string `json:"displayText"`
	RawDigits   string `json:"rawDigits"`
}
