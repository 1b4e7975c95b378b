package domain

import "time"

// Commitment is the public half of the commit-reveal pair.
type Commitment struct {
	ProductID   string    `json:"product_id"`
	Hash        string    `json:"hash"`
	Scheme      string    `json:"scheme"`
	CommittedAt time.Time `json:"committed_at"`
}

// Reveal is the restricted half: the seed sealed under the operator key.
// The plaintext seed is never persisted.
type Reveal struct {
	ProductID  string    `json:"-"`
	SealedSeed []byte    `json:"-"`
	CreatedAt  time.Time `json:"-"`
}

// CommitResult is returned by the commitment manager. Seed is only set on
// the call that created the commitment.
type CommitResult struct {
	Commitment Commitment
	Seed       []byte
	Existing   bool
}
