package dto

type EncryptionStatusRequest struct {
	ConversationID     string   `json:"conversationId"`
	ParticipantUserIDs []string `json:"participantUserIds"`
}

type EncryptionStatusResponse struct {
	ConversationID string `json:"conversationId"`
	Encrypted      bool   `json:"encrypted"`
	Reason         string `json:"reason,omitempty"`
}
