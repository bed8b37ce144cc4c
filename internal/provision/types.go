// Package provision defines core types shared across subsystems.
package provision

import "time"

// Status is the ledger status text recorded for a work item.
type Status string

// Status values persisted in the ledger. A row carrying StatusSuccess is
// permanently excluded from future work sets; every other value leaves the
// row eligible for the next run.
const (
	StatusPending            Status = ""
	StatusSuccess            Status = "Success"
	StatusFailed             Status = "Failed"
	StatusInterrupted        Status = "Interrupted"
	StatusAccountLocked      Status = "AccountLocked"
	StatusProxyError         Status = "ProxyError"
	StatusCaptchaTimeout     Status = "CaptchaTimeout"
	StatusVerificationFailed Status = "VerificationFailed"
	StatusTokenError         Status = "TokenError"
)

// Item is one unit of provisioning work, bound to a ledger row.
type Item struct {
	ProfileID string
	Row       int
	Status    Status
}

// Account holds the derived fields written to the ledger on success.
type Account struct {
	FirstName    string
	LastName     string
	Email        string
	Password     string
	RefreshToken string
}

// Mailbox is a scarce verification-capable identity leased to at most one
// worker at a time.
type Mailbox struct {
	Address      string `yaml:"address"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

// OutcomeKind classifies what the automation driver reports for an item.
type OutcomeKind int

// Driver outcome kinds. AccountLocked and Failed are terminal for the run;
// QuotaStall signals the upstream flow stalled on resource throttling.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailed
	OutcomeAccountLocked
	OutcomeQuotaStall
)

// Outcome is the driver's verdict for a single item. Status optionally
// refines a Failed kind to a specific ledger status; when empty the worker
// records the generic failure status.
type Outcome struct {
	Kind    OutcomeKind
	Account Account
	Status  Status
	Reason  string
}

// InFlight records an item currently being processed, kept by the crash
// registry so an unclean shutdown can be detected on the next run.
type InFlight struct {
	WorkerID  int       `json:"worker_id"`
	Row       int       `json:"row"`
	StartedAt time.Time `json:"started_at"`
}
