package query

import "time"

// AccountResponse is a bank account as seen by the read path.
type AccountResponse struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Balance  uint64 `json:"balance"`
	Bump     uint8  `json:"bump"`
	Held     int64  `json:"held"`     // custody:<address>
	Reserved int64  `json:"reserved"` // reserve:<address>

	CreatedSequence int64 `json:"created_sequence"`
	AsOfSequence    int64 `json:"as_of_sequence"`
}

// WalletResponse is an identity's externally held balance.
type WalletResponse struct {
	Identity     string `json:"identity"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// OperationEntry is one applied operation from the event log.
type OperationEntry struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"operation_id"`
	Timestamp      time.Time `json:"timestamp"`
	StateHash      string    `json:"state_hash"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool              `json:"is_healthy"`
	HashChainBreaks   []int64           `json:"hash_chain_breaks,omitempty"`
	GlobalImbalance   int64             `json:"global_imbalance"`
	CustodyMismatches []CustodyMismatch `json:"custody_mismatches,omitempty"`
}

// CustodyMismatch is an account whose custody differs from its balance.
type CustodyMismatch struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
	Held    int64  `json:"held"`
}
