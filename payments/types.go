// Package payments runs the end-to-end payment pipeline: validate the inbound
// payment, swap it into the stable token, emit the bridge event and finalize the
// purchase on the destination chain.
package payments

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/RaghavSood/giftpay/bridge"
	"github.com/RaghavSood/giftpay/chain"
	"github.com/RaghavSood/giftpay/marketplace"
	"github.com/RaghavSood/giftpay/swaps"
	"github.com/RaghavSood/giftpay/wallet"
)

type Status string

const (
	StatusReceived   Status = "received"
	StatusValidating Status = "validating"
	StatusSwapping   Status = "swapping"
	StatusBridging   Status = "bridging"
	StatusPurchasing Status = "purchasing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDuplicate  Status = "duplicate"
	StatusInProgress Status = "in_progress"
	// Set at startup on persisted jobs that were mid-flight when the process stopped
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether a job in this status has stopped running.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

type Category string

const (
	CategoryInput          Category = "input"
	CategoryTransient      Category = "transient"
	CategoryOnchain        Category = "onchain"
	CategoryReconciliation Category = "reconciliation"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrRecordNotFound   = errors.New("payment record not found")
	ErrAlreadyProcessed = errors.New("payment already processed")
	// ErrJobSuperseded means another run now owns the job for this tx hash.
	ErrJobSuperseded = errors.New("job claimed by another run")
)

// PaymentRequest is one end-to-end job keyed by the payment tx hash.
type PaymentRequest struct {
	ID          uuid.UUID  `json:"id"`
	TxHash      string     `json:"txHash"`
	ItemID      int64      `json:"itemId"`
	UserAddress string     `json:"userAddress,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Result is what ProcessPayment reports back, including every stage reached.
type Result struct {
	Success        bool                `json:"success"`
	Status         Status              `json:"status"`
	RequestID      string              `json:"requestId,omitempty"`
	TxHash         string              `json:"txHash"`
	ItemID         int64               `json:"itemId"`
	UserAddress    string              `json:"userAddress,omitempty"`
	AmountPaid     string              `json:"amountPaid,omitempty"`
	SwapResult     *swaps.SwapResult   `json:"swapResult,omitempty"`
	BridgeResult   *bridge.Result      `json:"bridgeResult,omitempty"`
	FinalizeResult *marketplace.Result `json:"finalizeResult,omitempty"`

	Error         string   `json:"error,omitempty"`
	Stage         Status   `json:"stage,omitempty"`
	ErrorCategory Category `json:"errorCategory,omitempty"`
	// Set when funds may have left the admin wallet without the item being delivered
	RequiresManualRecovery bool `json:"requiresManualRecovery,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Record is a stored job with its latest result.
type Record struct {
	PaymentRequest
	Result *Result `json:"result,omitempty"`
}

// StageError is a pipeline failure tagged with the stage it happened in.
type StageError struct {
	Stage    Status
	Category Category
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Classify maps a stage failure onto the error taxonomy.
func Classify(stage Status, err error) Category {
	switch {
	// Finalize only runs after the bridge event was emitted
	case stage == StatusPurchasing:
		return CategoryReconciliation
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, chain.ErrNotFound),
		errors.Is(err, chain.ErrWrongRecipient),
		errors.Is(err, chain.ErrZeroValue),
		errors.Is(err, swaps.ErrOutputTooSmall):
		return CategoryInput
	case errors.Is(err, chain.ErrTxFailed),
		errors.Is(err, bridge.ErrCallFailed),
		errors.Is(err, marketplace.ErrFinalizeFailed),
		errors.Is(err, wallet.ErrConfirmationTimeout),
		errors.Is(err, wallet.ErrBroadcastUnknown):
		return CategoryOnchain
	default:
		return CategoryTransient
	}
}
