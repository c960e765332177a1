package store

// Chat kinds.
const (
	ChatDirect = "direct"
	ChatGroup  = "group"
)

// Message content kinds.
const (
	MessageText   = "text"
	MessageMedia  = "media"
	MessageSystem = "system"
)

// Message delivery statuses, in lifecycle order.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Chat is a conversation container with a fixed participant set.
type Chat struct {
	ID        string
	Kind      string
	PairKey   string
	CreatedAt int64
	UpdatedAt int64
}

// Participant is one user's membership in a chat.
type Participant struct {
	ChatID            string
	UserID            string
	Active            bool
	UnreadCount       int
	LastSeenMessageID string
	Muted             bool
	Pinned            bool
}

// Message is one unit of chat content. Status holds the most-advanced
// delivery state and only moves forward (sent -> delivered -> read).
// Zero DeliveredAt/ReadAt means not yet reached.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	Kind        string
	Body        string
	MediaURL    string
	ReplyToID   string
	Status      string
	DeliveredAt int64
	ReadAt      int64
	CreatedAt   int64
}

// Call is a two-party voice/video session record. Zero AnsweredAt/EndedAt
// means not yet reached.
type Call struct {
	ID          string
	ChatID      string
	InitiatorID string
	RecipientID string
	Kind        string
	Status      string
	Reason      string
	SDPOffer    string
	SDPAnswer   string
	StartedAt   int64
	AnsweredAt  int64
	EndedAt     int64
	DurationMs  int64
}

// Candidate is one relayed ICE payload, ordered by insertion id.
type Candidate struct {
	ID        int64
	CallID    string
	SenderID  string
	Candidate string
	CreatedAt int64
}
