package payments

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/alert"
	"github.com/RaghavSood/giftpay/bridge"
	"github.com/RaghavSood/giftpay/chain"
	"github.com/RaghavSood/giftpay/logger"
	"github.com/RaghavSood/giftpay/marketplace"
	"github.com/RaghavSood/giftpay/metrics"
	"github.com/RaghavSood/giftpay/swaps"
)

type Validator interface {
	Validate(ctx context.Context, hash common.Hash, expected common.Address) (*chain.Payment, error)
}

type Swapper interface {
	Swap(ctx context.Context, amountIn *big.Int, recipient common.Address) (*swaps.SwapResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, user common.Address, itemID, amountOut *big.Int, key string) (*bridge.Result, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, buyer common.Address, itemID *big.Int) (*marketplace.Result, error)
}

type Options struct {
	// Address payments must be sent to
	AdminAddress common.Address
	// Receives the stable token from swaps; defaults to AdminAddress
	SwapRecipient common.Address
	JobTimeout    time.Duration
}

type Orchestrator struct {
	store     Store
	reader    Validator
	swapper   Swapper
	notifier  Notifier
	finalizer Finalizer
	alerter   alert.Alerter
	metrics   metrics.Recorder
	log       *zap.Logger
	opts      Options

	now func() time.Time
}

func NewOrchestrator(store Store, reader Validator, swapper Swapper, notifier Notifier, finalizer Finalizer, alerter alert.Alerter, rec metrics.Recorder, log *zap.Logger, opts Options) *Orchestrator {
	if opts.SwapRecipient == (common.Address{}) {
		opts.SwapRecipient = opts.AdminAddress
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 15 * time.Minute
	}
	if alerter == nil {
		alerter = alert.Nop{}
	}
	log = logger.OrNop(log)
	return &Orchestrator{
		store:     store,
		reader:    reader,
		swapper:   swapper,
		notifier:  notifier,
		finalizer: finalizer,
		alerter:   alerter,
		metrics:   metrics.OrNoop(rec),
		log:       log,
		opts:      opts,
		now:       time.Now,
	}
}

// job carries one run's parsed inputs through the stages.
type job struct {
	req    PaymentRequest
	hash   common.Hash
	itemID *big.Int
	user   *common.Address
	log    *zap.Logger
}

// ProcessPayment runs the full pipeline for txHash. Duplicate and in-progress requests
// return immediately with no error. The job runs to completion even if ctx is cancelled
// once it has started, bounded by the job timeout.
func (o *Orchestrator) ProcessPayment(ctx context.Context, txHash string, itemID int64, userAddress string) (*Result, error) {
	requestID := uuid.New()
	res := &Result{
		RequestID:   requestID.String(),
		Status:      StatusReceived,
		TxHash:      txHash,
		ItemID:      itemID,
		UserAddress: userAddress,
		CreatedAt:   o.now().UTC(),
	}
	log := o.log.With(zap.String("request_id", res.RequestID), zap.String("tx_hash", txHash))

	hash, user, err := parseInput(txHash, itemID, userAddress)
	if err != nil {
		return o.reject(res, log, err)
	}
	res.TxHash = strings.ToLower(hash.Hex())
	if user != nil {
		res.UserAddress = user.Hex()
	}

	processed, err := o.store.HasProcessed(ctx, res.TxHash)
	if err != nil {
		return o.reject(res, log, fmt.Errorf("checking processed set: %w", err))
	}
	if processed {
		return o.shortCircuit(res, log, StatusDuplicate), nil
	}

	j := &job{
		req: PaymentRequest{
			ID:          requestID,
			TxHash:      res.TxHash,
			ItemID:      itemID,
			UserAddress: res.UserAddress,
			Status:      StatusReceived,
			CreatedAt:   res.CreatedAt,
		},
		hash:   hash,
		itemID: big.NewInt(itemID),
		user:   user,
		log:    log,
	}

	outcome, err := o.store.TryBeginJob(ctx, j.req)
	if err != nil {
		return o.reject(res, log, fmt.Errorf("registering job: %w", err))
	}
	switch outcome {
	case BeginDuplicate:
		return o.shortCircuit(res, log, StatusDuplicate), nil
	case BeginInProgress:
		return o.shortCircuit(res, log, StatusInProgress), nil
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.JobTimeout)
	defer cancel()
	defer func() {
		if err := o.store.EndJob(context.WithoutCancel(ctx), j.req.TxHash, j.req.ID); err != nil {
			log.Error("ending job", zap.Error(err))
		}
	}()

	log.Info("job started", zap.Int64("item_id", itemID))
	return o.run(jobCtx, j, res)
}

func (o *Orchestrator) run(ctx context.Context, j *job, res *Result) (*Result, error) {
	var payment *chain.Payment
	err := o.stage(ctx, j, StatusValidating, func() error {
		var err error
		payment, err = o.reader.Validate(ctx, j.hash, o.opts.AdminAddress)
		return err
	})
	if err != nil {
		return o.fail(ctx, j, res, StatusValidating, err)
	}
	res.AmountPaid = payment.Amount.String()
	if j.user == nil {
		from := payment.From
		j.user = &from
	}
	res.UserAddress = j.user.Hex()
	j.req.UserAddress = res.UserAddress

	err = o.stage(ctx, j, StatusSwapping, func() error {
		var err error
		res.SwapResult, err = o.swapper.Swap(ctx, payment.Amount, o.opts.SwapRecipient)
		return err
	})
	if err != nil {
		return o.fail(ctx, j, res, StatusSwapping, err)
	}

	err = o.stage(ctx, j, StatusBridging, func() error {
		var err error
		key := bridge.IdempotencyKey(j.hash, o.now())
		res.BridgeResult, err = o.notifier.Notify(ctx, *j.user, j.itemID, res.SwapResult.AmountOutRawInt(), key)
		return err
	})
	if err != nil {
		return o.fail(ctx, j, res, StatusBridging, err)
	}

	err = o.stage(ctx, j, StatusPurchasing, func() error {
		var err error
		res.FinalizeResult, err = o.finalizer.Finalize(ctx, *j.user, j.itemID)
		return err
	})
	if err != nil {
		return o.fail(ctx, j, res, StatusPurchasing, err)
	}

	completedAt := o.now().UTC()
	res.Success = true
	res.Status = StatusCompleted
	res.CompletedAt = &completedAt

	// The purchase is on chain at this point, so a bookkeeping failure must not turn it into a failure
	storeCtx := context.WithoutCancel(ctx)
	if err := o.store.MarkProcessed(storeCtx, j.req.TxHash, j.req.ID, completedAt); err != nil {
		j.log.Error("marking payment processed", zap.Error(err))
		o.raise(storeCtx, j, "Payment completed but not marked processed",
			fmt.Sprintf("tx `%s`: %v", j.req.TxHash, err))
	}
	o.journal(storeCtx, j, res)

	o.metrics.IncCounter(metrics.PaymentsTotal, map[string]string{"status": string(StatusCompleted)})
	j.log.Info("job completed",
		zap.String("user", res.UserAddress),
		zap.String("slippage_tier", res.SwapResult.SlippageTier),
		zap.String("amount_out", res.SwapResult.AmountOut),
		zap.Duration("elapsed", completedAt.Sub(res.CreatedAt)),
	)
	return res, nil
}

// stage moves the job into status, runs fn and records its latency. A job that another
// run has claimed does not start the stage.
func (o *Orchestrator) stage(ctx context.Context, j *job, status Status, fn func() error) error {
	j.req.Status = status
	if err := o.store.UpdateStatus(ctx, j.req.TxHash, j.req.ID, status); err != nil {
		if errors.Is(err, ErrJobSuperseded) {
			return err
		}
		j.log.Warn("updating job status", zap.String("status", string(status)), zap.Error(err))
	}
	j.log.Info("stage started", zap.String("status", string(status)))

	start := o.now()
	err := fn()
	o.metrics.ObserveLatency(metrics.StageLatency, o.now().Sub(start), map[string]string{"stage": string(status)})
	return err
}

func (o *Orchestrator) fail(ctx context.Context, j *job, res *Result, stage Status, err error) (*Result, error) {
	serr := &StageError{Stage: stage, Category: Classify(stage, err), Err: err}

	completedAt := o.now().UTC()
	res.Success = false
	res.Status = StatusFailed
	res.Stage = stage
	res.Error = err.Error()
	res.ErrorCategory = serr.Category
	res.CompletedAt = &completedAt
	res.RequiresManualRecovery = fundsMoved(res, err)

	// The journal write is what releases the job for a retry, so it happens exactly once here
	storeCtx := context.WithoutCancel(ctx)
	o.journal(storeCtx, j, res)

	o.metrics.IncCounter(metrics.PaymentsTotal, map[string]string{"status": string(StatusFailed), "stage": string(stage)})

	fields := []zap.Field{
		zap.String("stage", string(stage)),
		zap.String("category", string(serr.Category)),
		zap.Error(err),
	}
	if res.RequiresManualRecovery {
		j.log.Error("job failed after funds moved, manual recovery required", fields...)
		o.raise(storeCtx, j, "Manual recovery required", recoveryBody(res))
	} else {
		j.log.Warn("job failed", fields...)
	}
	return res, serr
}

// reject fails a request that never became a job.
func (o *Orchestrator) reject(res *Result, log *zap.Logger, err error) (*Result, error) {
	category := Classify(StatusReceived, err)
	res.Status = StatusFailed
	res.Stage = StatusReceived
	res.Error = err.Error()
	res.ErrorCategory = category
	o.metrics.IncCounter(metrics.PaymentsTotal, map[string]string{"status": string(StatusFailed), "stage": string(StatusReceived)})
	log.Warn("request rejected", zap.Error(err))
	return res, &StageError{Stage: StatusReceived, Category: category, Err: err}
}

func (o *Orchestrator) shortCircuit(res *Result, log *zap.Logger, status Status) *Result {
	res.Status = status
	o.metrics.IncCounter(metrics.PaymentsTotal, map[string]string{"status": string(status)})
	log.Info("request short-circuited", zap.String("status", string(status)))
	return res
}

func (o *Orchestrator) journal(ctx context.Context, j *job, res *Result) {
	if err := o.store.RecordResult(ctx, res); err != nil {
		j.log.Error("recording result", zap.Error(err))
	}
}

func (o *Orchestrator) raise(ctx context.Context, j *job, title, body string) {
	o.metrics.IncCounter(metrics.AlertsTotal, nil)
	if err := o.alerter.Alert(ctx, title, body); err != nil {
		j.log.Error("sending alert", zap.Error(err))
	}
}

// fundsMoved reports whether the swap may have spent the payment.
func fundsMoved(res *Result, err error) bool {
	if res.SwapResult != nil && res.SwapResult.Success {
		return true
	}
	// An unconfirmed swap can still be mined
	return res.Stage == StatusSwapping && Classify(StatusSwapping, err) == CategoryOnchain
}

func recoveryBody(res *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment `%s` failed at *%s* (%s)\n", res.TxHash, res.Stage, res.ErrorCategory)
	fmt.Fprintf(&b, "Item: %d\nUser: `%s`\n", res.ItemID, res.UserAddress)
	if res.SwapResult != nil && res.SwapResult.TxHash != "" {
		fmt.Fprintf(&b, "Swap tx: `%s` (%s, %s out)\n", res.SwapResult.TxHash, res.SwapResult.SlippageTier, res.SwapResult.AmountOut)
	}
	if res.BridgeResult != nil && res.BridgeResult.TxHash != "" {
		fmt.Fprintf(&b, "Bridge tx: `%s`\n", res.BridgeResult.TxHash)
	}
	fmt.Fprintf(&b, "Error: %s", res.Error)
	return b.String()
}

func parseInput(txHash string, itemID int64, userAddress string) (common.Hash, *common.Address, error) {
	raw := strings.TrimSpace(txHash)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return common.Hash{}, nil, fmt.Errorf("%w: tx hash must be 0x-prefixed", ErrInvalidInput)
	}
	b, err := hex.DecodeString(raw[2:])
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, nil, fmt.Errorf("%w: tx hash must be 32 bytes of hex", ErrInvalidInput)
	}

	if itemID <= 0 {
		return common.Hash{}, nil, fmt.Errorf("%w: item id must be positive", ErrInvalidInput)
	}

	user, err := parseAddress(userAddress)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return common.BytesToHash(b), user, nil
}

// parseAddress accepts an empty string, an all-lower or all-upper hex address, or a valid
// EIP-55 checksummed address.
func parseAddress(s string) (*common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !common.IsHexAddress(s) {
		return nil, fmt.Errorf("%w: user address %q is not a hex address", ErrInvalidInput, s)
	}
	addr := common.HexToAddress(s)
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	mixed := strings.ToLower(body) != body && strings.ToUpper(body) != body
	if mixed && addr.Hex()[2:] != body {
		return nil, fmt.Errorf("%w: user address %q has an invalid checksum", ErrInvalidInput, s)
	}
	return &addr, nil
}

// IsInputError reports whether err was caused by the request itself.
func IsInputError(err error) bool {
	var serr *StageError
	return errors.As(err, &serr) && serr.Category == CategoryInput
}
