package model

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the trusted assertion handed over by the authentication layer.
type Identity struct {
	Email         string
	EmailVerified bool
}

// ClaimRecord is the permanent rate-limit ledger row: one per user per cycle.
type ClaimRecord struct {
	UserHash  string
	CycleID   string
	ClaimedAt time.Time
}

// BlindedTokenRequest is never persisted. ProfID is informational only, the
// signer cannot see what the blinded message commits to.
type BlindedTokenRequest struct {
	ProfID         string
	BlindedMessage []byte
}

// UsedToken is the replay-protection ledger row.
type UsedToken struct {
	TokenUUID string
	CycleID   string
	ProfID    string
	BurnedAt  time.Time
}

type PendingReview struct {
	ID            int64
	ProfID        string
	CycleID       string
	KeyScheme     string
	EncryptedBlob []byte
	EncryptedKey  []byte
	ReceivedAt    time.Time
}

// PublishedReview is author-less. It deliberately carries no receive time.
type PublishedReview struct {
	ID          uuid.UUID
	ProfID      string
	CycleID     string
	Content     ReviewContent
	PublishedAt time.Time
}

// ReviewContent is the plaintext a client seals into EncryptedBlob.
type ReviewContent struct {
	Course         string `json:"course,omitempty" validate:"max=64"`
	Rating         int    `json:"rating" validate:"min=1,max=5"`
	Difficulty     int    `json:"difficulty,omitempty" validate:"min=0,max=5"`
	WouldTakeAgain *bool  `json:"wouldTakeAgain,omitempty"`
	Comment        string `json:"comment" validate:"max=4000"`
}

// PendingGroup summarises the pending queue for one (professor, cycle).
type PendingGroup struct {
	ProfID   string
	CycleID  string
	Count    int
	OldestAt time.Time
}
