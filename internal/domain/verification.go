package domain

// Verdict is the outcome of a fairness check.
type Verdict string

const (
	VerdictConfirmed Verdict = "confirmed"
	VerdictMismatch  Verdict = "mismatch"
)

// Verification is the result of replaying one draw.
type Verification struct {
	ProductID        string   `json:"product_id"`
	TicketNumber     int64    `json:"ticket_number"`
	Verdict          Verdict  `json:"verdict"`
	RecomputedDigest string   `json:"recomputed_digest"`
	RecordedDigest   string   `json:"recorded_digest"`
	DerivedValue     Fraction `json:"derived_value"`
	RecordedTierID   int64    `json:"recorded_tier_id"`
	ReplayedTierID   int64    `json:"replayed_tier_id"`
	CommitmentOK     bool     `json:"commitment_ok"`
	Reasons          []string `json:"reasons,omitempty"`
}

// VerificationReport aggregates the checks over every draw of a product.
type VerificationReport struct {
	ProductID    string         `json:"product_id"`
	Verdict      Verdict        `json:"verdict"`
	CommitmentOK bool           `json:"commitment_ok"`
	Tickets      int            `json:"tickets"`
	Mismatches   []Verification `json:"mismatches,omitempty"`
	LedgerIssues []string       `json:"ledger_issues,omitempty"`
}
