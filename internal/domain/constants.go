package domain

// Ledger transaction types.
const (
	TxTypeDeposit          = "deposit"
	TxTypeWithdrawal       = "withdrawal"
	TxTypeTransferSent     = "transfer-sent"
	TxTypeTransferReceived = "transfer-received"
)

// Ledger transaction statuses. Pending transitions at most once to a
// terminal state; completed and failed are terminal.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// Sweep scheduler modes.
const (
	SweepModeSmart     = "smart"
	SweepModeThreshold = "threshold"
	SweepModeDisabled  = "disabled"
)

// ArbitrumChainID is the chain id stamped on every sweep transaction.
const ArbitrumChainID = 42161
