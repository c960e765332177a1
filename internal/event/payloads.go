package event

// Message is the wire shape of a persisted message.
type Message struct {
	ID          string `json:"id"`
	ChatID      string `json:"chatId"`
	SenderID    string `json:"senderId"`
	Kind        string `json:"kind"`
	Body        string `json:"body,omitempty"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	ReplyToID   string `json:"replyToId,omitempty"`
	Status      string `json:"status"`
	DeliveredAt int64  `json:"deliveredAt,omitempty"`
	ReadAt      int64  `json:"readAt,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// ChatSummary carries refreshed per-participant unread counts for a chat.
type ChatSummary struct {
	ChatID       string         `json:"chatId"`
	UnreadCounts map[string]int `json:"unreadCounts"`
}

// Inbound payloads.

type SendMessage struct {
	ChatID    string `json:"chatId"`
	Kind      string `json:"kind,omitempty"` // text (default), media, system
	Body      string `json:"body,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}

type MarkRead struct {
	ChatID string `json:"chatId"`
	// ThroughMessageID bounds the read sweep; empty means all unread.
	ThroughMessageID string `json:"throughMessageId,omitempty"`
}

type DeleteMessage struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type Typing struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

type Recording struct {
	ChatID      string `json:"chatId"`
	IsRecording bool   `json:"isRecording"`
}

type CallOffer struct {
	CallID       string `json:"callId,omitempty"`
	ChatID       string `json:"chatId"`
	TargetUserID string `json:"targetUserId"`
	CallType     string `json:"callType"` // voice, video
	Offer        string `json:"offer"`    // opaque SDP
}

type CallAnswer struct {
	CallID string `json:"callId"`
	Answer string `json:"answer"` // opaque SDP
}

type CallIce struct {
	CallID    string `json:"callId"`
	Candidate string `json:"candidate"` // opaque ICE payload
}

type CallEnd struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

type CallDecline struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// Outbound payloads.

type NewMessage struct {
	Message Message     `json:"message"`
	Chat    ChatSummary `json:"chat"`
}

type MessageBlocked struct {
	ChatID string `json:"chatId"`
	Reason string `json:"reason"`
}

type ReadReceipt struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
	ReaderID   string   `json:"readerId"`
	ReadAt     int64    `json:"readAt"`
}

type PresenceUpdate struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"` // online, offline, away, typing, recording
	LastSeen int64  `json:"lastSeen,omitempty"`
}

type TypingUpdate struct {
	ChatID  string   `json:"chatId"`
	UserIDs []string `json:"typingUserIds"`
}

type RecordingUpdate struct {
	ChatID  string   `json:"chatId"`
	UserIDs []string `json:"recordingUserIds"`
}

type CallIncoming struct {
	CallID   string `json:"callId"`
	ChatID   string `json:"chatId"`
	CallType string `json:"callType"`
	Offer    string `json:"offer"`
	CallerID string `json:"callerId"`
}

type CallAnswered struct {
	CallID     string `json:"callId"`
	Answer     string `json:"answer"`
	AnsweredBy string `json:"answeredBy"`
}

type CallIceOut struct {
	CallID    string `json:"callId"`
	Candidate string `json:"candidate"`
	SenderID  string `json:"senderId"`
}

type CallEnded struct {
	CallID     string `json:"callId"`
	EndedBy    string `json:"endedBy,omitempty"`
	Reason     string `json:"reason"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type CallDeclined struct {
	CallID     string `json:"callId"`
	DeclinedBy string `json:"declinedBy"`
	Reason     string `json:"reason,omitempty"`
}

type CallFailed struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

type Error struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
	// RefKind names the inbound kind the error responds to, when known.
	RefKind string `json:"refKind,omitempty"`
}
