package store

// MessageKind distinguishes private mail from bulletin-board posts.
type MessageKind string

const (
	KindMail     MessageKind = "mail"
	KindBulletin MessageKind = "bulletin"
)

// BoardType distinguishes publicly readable boards from access-controlled
// ones.
type BoardType string

const (
	BoardPublic     BoardType = "public"
	BoardRestricted BoardType = "restricted"
)

// PeerHealth is the RAP health FSM state (§4.F).
type PeerHealth string

const (
	HealthUnknown     PeerHealth = "unknown"
	HealthAlive       PeerHealth = "alive"
	HealthUnreachable PeerHealth = "unreachable"
	HealthDead        PeerHealth = "dead"
)

// SyncDirection distinguishes the two ends of a board-sync or mail-sync log
// entry.
type SyncDirection string

const (
	DirectionOutbound SyncDirection = "outbound"
	DirectionInbound  SyncDirection = "inbound"
)

// SyncStatus is the state of one (message, peer, direction) sync-log row.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncAcked   SyncStatus = "acked"
	SyncFailed  SyncStatus = "failed"
)

// User is a registered BBS account. Exclusively owns its mail and its
// wrapped encryption key (§3).
type User struct {
	ID                   string
	Name                 string
	PasswordSalt         []byte
	PasswordVerifier     []byte
	WrappedKey           []byte
	WrappedKeyNonce      []byte
	RecoveryWrappedKey   []byte
	RecoveryWrappedNonce []byte
	IsAdmin              bool
	Banned               bool
	BanReason            string
	BanOrigin            string
	BanActor             string
	BannedAtUs           int64
	MustChangePassword   bool
	FailedLoginCount     int
	LockedUntilUs        int64
	CreatedAtUs          int64
	LastSeenAtUs         int64
}

// Node is a radio endpoint, independent of any user (§3).
type Node struct {
	ID            string
	DisplayName   string
	FirstSeenAtUs int64
	LastSeenAtUs  int64
	LastRSSI      float64
	LastSNR       float64
}

// UserNodeBinding is a many-to-many link between a user and a node.
type UserNodeBinding struct {
	UserID    string
	NodeID    string
	IsPrimary bool
	BoundAtUs int64
}

// Message is a unit of mail or a bulletin post. UUID is the global dedup
// key; the store never persists plaintext subject or body.
type Message struct {
	UUID              string
	Kind              MessageKind
	SenderUserID      string
	RecipientUserID   string
	BoardID           string
	Author            string
	OriginBBS         string
	SubjectCiphertext []byte
	SubjectNonce      []byte
	BodyCiphertext    []byte
	BodyNonce         []byte
	CreatedAtUs       int64
	UpdatedAtUs       int64
	DeliveredAtUs     int64
	ReadAtUs          int64
	ExpiresAtUs       int64
	Attempts          int
	LastAttemptAtUs   int64
	ForwardedTo       string
	HopCount          int
}

// Board is a shared bulletin board.
type Board struct {
	ID              string
	Name            string
	Description     string
	Type            BoardType
	Synced          bool
	WrappedKey      []byte
	WrappedKeyNonce []byte
	CreatedAtUs     int64
	PendingCount    int
	LastSyncAtUs    int64
}

// BoardAccess is a restricted board's key wrapped under one grantee's user
// key.
type BoardAccess struct {
	BoardID         string
	UserID          string
	WrappedKey      []byte
	WrappedKeyNonce []byte
}

// Peer is a trusted remote BBS, configured by the operator (§3).
type Peer struct {
	NodeID       string
	Callsign     string
	Enabled      bool
	Health       PeerHealth
	MissCount    int
	Quality      float64
	LastSeenAtUs int64
	LastSyncAtUs int64
}

// Route is a distance-vector route table entry learned via RAP.
type Route struct {
	Destination string
	NextHopNode string
	HopCount    int
	Quality     float64
	LearnedAtUs int64
	ExpiresAtUs int64
}

// SyncLogEntry tracks delivery/ack state for one (message, peer, direction)
// tuple, preventing redundant re-sends across restarts.
type SyncLogEntry struct {
	MessageUUID   string
	PeerNode      string
	Direction     SyncDirection
	Status        SyncStatus
	Attempts      int
	LastAttemptUs int64
}
