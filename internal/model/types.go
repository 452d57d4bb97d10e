package model

// UserRecord represents a registered user and their bearer tokens.
// Token and Tokens hold token hashes when a secret key is configured;
// Password is only ever non-empty in legacy snapshots and is cleared on
// migration to PasswordHash.
type UserRecord struct {
	ID           string                `json:"id"`
	Token        string                `json:"token,omitempty"`
	Tokens       []string              `json:"tokens,omitempty"`
	Password     string                `json:"password,omitempty"`
	PasswordHash string                `json:"passwordHash,omitempty"`
	DisplayName  string                `json:"displayName,omitempty"`
	GatewayURL   string                `json:"gatewayUrl,omitempty"`
	GatewayToken string                `json:"gatewayToken,omitempty"`
	TokenUsage   map[string]TokenUsage `json:"tokenUsage,omitempty"`
}

// TokenUsage tracks per-token activity counters. Counters are
// monotonically non-decreasing; timestamps are last-write-wins.
type TokenUsage struct {
	Token          string `json:"token"`
	CreatedAt      int64  `json:"createdAt,omitempty"`
	LastSeenAt     int64  `json:"lastSeenAt,omitempty"`
	StreamConnects int64  `json:"streamConnects,omitempty"`
	InboundCount   int64  `json:"inboundCount,omitempty"`
	OutboundCount  int64  `json:"outboundCount,omitempty"`
	LastInboundAt  int64  `json:"lastInboundAt,omitempty"`
	LastOutboundAt int64  `json:"lastOutboundAt,omitempty"`
}

// UsersFile is the on-disk snapshot layout.
type UsersFile struct {
	Users []UserRecord `json:"users"`
}

// InboundMessage is a client-originated message queued for pickup by
// long-poll or forwarded to a gateway. Never persisted.
type InboundMessage struct {
	ID         string `json:"id,omitempty"`
	ChatID     string `json:"chatId"`
	ChatName   string `json:"chatName,omitempty"`
	ChatType   string `json:"chatType,omitempty"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Text       string `json:"text"`
	Mentioned  bool   `json:"mentioned,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// OutboxEntry is one buffered SSE event for a device key. EventID is
// strictly increasing per device key and never reused.
type OutboxEntry struct {
	EventID int64
	Payload map[string]any
}

// ChatOwner maps a chatId back to the device key that should receive
// messages addressed to it.
type ChatOwner struct {
	UserID    string
	DeviceKey string
}

// DeviceKey derives the composite session identity for a user and a
// normalized token secret.
func DeviceKey(userID, secret string) string {
	return userID + ":" + secret
}
