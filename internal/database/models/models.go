// Package models holds the persisted entity types shared by the database
// repositories and their consumers.
package models

import "time"

// SipUser is a local SIP account that may register and place calls.
type SipUser struct {
	ID                 int64
	Username           string
	HA1                string // md5(username:realm:password), the digest verifier
	DisplayName        string
	Enabled            bool
	MaxConcurrentCalls int
	FailedAuthAttempts int
	LockedUntil        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Locked reports whether the account is locked out at the given instant.
func (u *SipUser) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Trunk is an upstream SIP peer for PSTN origination/termination.
type Trunk struct {
	ID             int64
	Name           string
	Type           string // "register" | "ip"
	Enabled        bool
	Host           string
	Port           int
	Transport      string
	Username       string
	Password       string
	AuthUsername   string
	RegisterExpiry int
	MaxChannels    int
	MaxCPS         int // calls per second admitted to this trunk
	PrefixStrip    int
	PrefixAdd      string
	Priority       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Registration is one active SIP binding for a user's address-of-record.
type Registration struct {
	ID           int64
	SipUserID    int64
	AOR          string
	ContactURI   string
	Transport    string
	UserAgent    string
	SourceIP     string
	SourcePort   int
	Expires      time.Time
	RegisteredAt time.Time
}

// CDR is the call detail record emitted when a call ends.
type CDR struct {
	ID           int64
	CallID       string
	Direction    string // "inbound" | "outbound"
	FromURI      string
	ToURI        string
	StartTime    time.Time
	AnswerTime   *time.Time
	EndTime      *time.Time
	DurationSecs *int
	EndReason    string
	Codec        string
	TrunkID      *int64
	PacketsIn    int64
	PacketsOut   int64
	LossCount    int64
	MaxJitter    int64
	BytesToAI    int64
	BytesFromAI  int64
}

// BlockedNumber rejects matching callers/callees during INVITE routing.
type BlockedNumber struct {
	ID        int64
	Number    string
	Reason    string
	CreatedAt time.Time
}

// SMS delivery states.
const (
	SMSPending  = "pending"
	SMSSent     = "sent"
	SMSFailed   = "failed"
	SMSReceived = "received"
)

// SMSMessage is one SIP MESSAGE in either direction.
type SMSMessage struct {
	ID          int64
	Direction   string // "inbound" | "outbound"
	FromURI     string
	ToURI       string
	Body        string
	Status      string
	TrunkID     *int64
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// AdminUser is an admin API account.
type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
