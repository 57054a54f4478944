package core

import (
	"errors"
	"fmt"
	stdmath "math"
	"sort"
	"sync"
	"time"

	"PDALedger/internal/custody"
	"PDALedger/internal/event"
	"PDALedger/internal/ledger"
	"PDALedger/internal/observability"
	"PDALedger/internal/pda"

	"github.com/rs/zerolog"
)

// Config parameterizes the account lifecycle rules.
type Config struct {
	// ProgramID namespaces derived addresses. Zero means pda.DefaultProgramID.
	ProgramID pda.Pubkey
	// SeedPrefix is the fixed derivation label. Empty means pda.DefaultSeedPrefix.
	SeedPrefix string
	// Fees defaults to custody.DefaultFee.
	Fees custody.FeeSchedule
	// Rent defaults to custody.DefaultRentSchedule.
	Rent custody.RentSchedule
	// FaucetEnabled allows Airdrop operations.
	FaucetEnabled bool
	// StartSequence is the first sequence assigned on a fresh ledger.
	StartSequence int64
}

// Account is a bank account together with the bump that proves its address.
type Account struct {
	Address pda.Pubkey         `json:"address"`
	Bump    uint8              `json:"bump"`
	Record  ledger.BankAccount `json:"record"`
}

// CoreOutput is everything downstream workers need for one applied operation.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Batch      *ledger.Batch
	Account    *Account
	StateDelta []byte
}

// Receipt is the typed result of a successful operation.
type Receipt struct {
	Sequence  int64
	StateHash [32]byte
	Op        event.EventType
	Address   pda.Pubkey
	Account   *Account
	Fee       uint64
	// Wallet is the authority's (or airdrop recipient's) wallet after the operation.
	Wallet uint64
}

// DeterministicCore is the account lifecycle state machine. All mutations go
// through ProcessEvent under a single writer lock, so operations have one
// global order.
type DeterministicCore struct {
	mu sync.RWMutex

	sequence  int64
	hasher    *StateHasher
	deriver   *pda.Deriver
	tracker   *ledger.BalanceTracker
	bridge    *custody.Bridge
	validator *ledger.InvariantValidator
	accounts  map[pda.Pubkey]*Account

	fees          custody.FeeSchedule
	rentMinimum   uint64
	faucetEnabled bool

	log     zerolog.Logger
	metrics *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	closed         bool
}

// NewDeterministicCore builds a core with empty state. Either channel may be
// nil, in which case outputs for it are not emitted.
func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) (*DeterministicCore, error) {
	programID := cfg.ProgramID
	if programID.IsZero() {
		programID = pda.DefaultProgramID
	}
	fees := cfg.Fees
	if fees == nil {
		fees = custody.DefaultFee
	}
	rent := cfg.Rent
	if rent == (custody.RentSchedule{}) {
		rent = custody.DefaultRentSchedule()
	}
	rentMinimum, err := rent.MinimumBalance(ledger.RecordSize)
	if err != nil {
		return nil, fmt.Errorf("rent minimum: %w", err)
	}
	if rentMinimum == 0 {
		// Every create must lock a reserve; a free record would have an empty batch.
		return nil, errors.New("rent schedule yields a zero reserve")
	}

	tracker := ledger.NewBalanceTracker()

	return &DeterministicCore{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		deriver:        pda.NewDeriver(programID, cfg.SeedPrefix),
		tracker:        tracker,
		bridge:         custody.NewBridge(tracker),
		validator:      ledger.NewInvariantValidator(tracker),
		accounts:       make(map[pda.Pubkey]*Account),
		fees:           fees,
		rentMinimum:    rentMinimum,
		faucetEnabled:  cfg.FaucetEnabled,
		log:            logger,
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// ProcessEvent applies one operation. On error nothing has changed and nothing
// is emitted. On success the output is sent to persistence (blocking) and to
// projections (dropped when full).
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*Receipt, error) {
	start := time.Now()
	opName := evt.EventType().String()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &OpError{Op: opName, Err: ErrClosed}
	}
	var (
		receipt *Receipt
		output  CoreOutput
		err     error
	)
	if _, isAirdrop := evt.(*event.Airdrop); isAirdrop && !c.faucetEnabled {
		// Intake gate only. Replay applies logged airdrops regardless.
		err = &OpError{Op: "airdrop", Err: ErrFaucetDisabled}
	} else {
		receipt, output, err = c.apply(evt)
	}
	if err == nil {
		// Emitting under the lock keeps channel order equal to sequence order.
		c.emit(output)
	}
	c.mu.Unlock()

	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(opName, Reason(err)).Inc()
		}
		c.log.Debug().
			Str("op", opName).
			Str("op_id", evt.IdempotencyKey()).
			Str("reason", Reason(err)).
			Err(err).
			Msg("operation rejected")
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.CoreOpsApplied.WithLabelValues(opName).Inc()
		c.metrics.CoreOpDuration.WithLabelValues(opName).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(receipt.Sequence + 1))
		for _, j := range output.Batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	c.log.Debug().
		Str("op", opName).
		Str("op_id", evt.IdempotencyKey()).
		Int64("seq", receipt.Sequence).
		Str("address", receipt.Address.String()).
		Msg("operation applied")

	return receipt, nil
}

// Close stops accepting operations and closes both output channels so the
// workers can drain them. Later ProcessEvent calls fail with ErrClosed.
func (c *DeterministicCore) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.persistChan != nil {
		close(c.persistChan)
	}
	if c.projectionChan != nil {
		close(c.projectionChan)
	}
}

// Replay re-applies an operation read back from the event log. The logged
// sequence must be the next one the core would assign. Nothing is emitted.
func (c *DeterministicCore) Replay(sequence int64, evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sequence != c.sequence {
		return fmt.Errorf("replay: log sequence %d, core expects %d", sequence, c.sequence)
	}
	if _, _, err := c.apply(evt); err != nil {
		return fmt.Errorf("replay seq %d (%s): %w", sequence, evt.EventType(), err)
	}
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// apply runs the whole pipeline for one operation. Caller holds c.mu.
func (c *DeterministicCore) apply(evt event.Event) (*Receipt, CoreOutput, error) {
	batch := ledger.NewBatch(evt.IdempotencyKey(), c.sequence, evt.OccurredAt().UnixMicro())

	var (
		staged *stagedOp
		err    error
	)
	switch e := evt.(type) {
	case *event.CreateAccount:
		staged, err = c.stageCreate(e, batch)
	case *event.Deposit:
		staged, err = c.stageDeposit(e, batch)
	case *event.Withdraw:
		staged, err = c.stageWithdraw(e, batch)
	case *event.Airdrop:
		staged, err = c.stageAirdrop(e, batch)
	default:
		err = fmt.Errorf("unknown event type: %T", evt)
	}
	if err != nil {
		return nil, CoreOutput{}, err
	}

	if err := c.validator.ValidateBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}

	if err := c.bridge.Commit(batch); err != nil {
		return nil, CoreOutput{}, &OpError{Op: staged.op, Address: staged.address, Err: classifyCommitError(err)}
	}

	// Balances are committed; the record update cannot fail.
	var acct *Account
	if staged.mutate != nil {
		acct = staged.mutate()
	}

	if acct != nil {
		if err := c.validator.ValidateAccount(acct.Address, &acct.Record, c.rentMinimum); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated at seq %d: %v", c.sequence, err))
		}
	}

	stateDigest := c.computeStateDigest(batch, acct)
	prevHash := c.hasher.Tip()
	stateHash := c.hasher.Advance(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Address:        staged.address,
		Timestamp:      evt.OccurredAt(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	var snapshot *Account
	if acct != nil {
		cp := *acct
		snapshot = &cp
	}

	receipt := &Receipt{
		Sequence:  c.sequence,
		StateHash: stateHash,
		Op:        evt.EventType(),
		Address:   staged.address,
		Account:   snapshot,
		Fee:       staged.fee,
		Wallet:    c.bridge.WalletBalance(staged.wallet),
	}
	output := CoreOutput{
		Envelope:   envelope,
		Event:      evt,
		Batch:      batch,
		Account:    snapshot,
		StateDelta: stateDigest,
	}

	c.sequence++
	return receipt, output, nil
}

func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// stagedOp is a validated operation whose journal entries sit in the batch.
type stagedOp struct {
	op      string
	address pda.Pubkey
	wallet  pda.Pubkey
	fee     uint64
	// mutate applies the record change after the batch commits.
	mutate func() *Account
}

func (c *DeterministicCore) stageCreate(e *event.CreateAccount, batch *ledger.Batch) (*stagedOp, error) {
	const op = "create"

	if err := ledger.ValidateName(e.Label); err != nil {
		return nil, &OpError{Op: op, Err: err}
	}
	if e.Caller != e.Owner {
		return nil, &OpError{Op: op, Err: fmt.Errorf("%w: caller %s is not owner %s", ErrUnauthorized, e.Caller, e.Owner)}
	}

	d, err := c.deriver.Derive(e.Label, e.Owner)
	if err != nil {
		return nil, &OpError{Op: op, Err: err}
	}
	if c.metrics != nil {
		c.metrics.DerivationBumps.Observe(float64(256 - int(d.Bump)))
	}
	if e.Address != nil && *e.Address != d.Address {
		return nil, &OpError{Op: op, Address: *e.Address,
			Err: fmt.Errorf("%w: derived %s", ErrAddressMismatch, d.Address)}
	}
	if _, exists := c.accounts[d.Address]; exists {
		return nil, &OpError{Op: op, Address: d.Address, Err: ErrAlreadyExists}
	}

	fee := c.fees.Fee(custody.OpCreate)
	if err := c.bridge.FundReserve(batch, e.Caller, d.Address, c.rentMinimum); err != nil {
		return nil, &OpError{Op: op, Address: d.Address, Err: err}
	}
	if err := c.bridge.ChargeFee(batch, e.Caller, fee); err != nil {
		return nil, &OpError{Op: op, Address: d.Address, Err: err}
	}

	return &stagedOp{
		op:      op,
		address: d.Address,
		wallet:  e.Caller,
		fee:     fee,
		mutate: func() *Account {
			acct := &Account{
				Address: d.Address,
				Bump:    d.Bump,
				Record:  ledger.BankAccount{Name: e.Label, Balance: 0, Owner: e.Caller},
			}
			c.accounts[d.Address] = acct
			if c.metrics != nil {
				c.metrics.AccountsTotal.Set(float64(len(c.accounts)))
			}
			return acct
		},
	}, nil
}

func (c *DeterministicCore) stageDeposit(e *event.Deposit, batch *ledger.Batch) (*stagedOp, error) {
	const op = "deposit"

	acct, ok := c.accounts[e.Address]
	if !ok {
		return nil, &OpError{Op: op, Address: e.Address, Err: ErrNotFound}
	}
	if err := validAmount(e.Amount); err != nil {
		return nil, &OpError{Op: op, Address: e.Address, Err: err}
	}
	if acct.Record.Balance > stdmath.MaxInt64-e.Amount {
		return nil, &OpError{Op: op, Address: e.Address,
			Err: fmt.Errorf("%w: balance %d + %d overflows", ErrInvalidAmount, acct.Record.Balance, e.Amount)}
	}

	fee := c.fees.Fee(custody.OpDeposit)
	if err := c.bridge.TransferIn(batch, e.Caller, e.Address, e.Amount); err != nil {
		return nil, &OpError{Op: op, Address: e.Address, Err: err}
	}
	if err := c.bridge.ChargeFee(batch, e.Caller, fee); err != nil {
		return nil, &OpError{Op: op, Address: e.Address, Err: err}
	}

	return &stagedOp{
		op:      op,
		address: e.Address,
		wallet:  e.Caller,
		fee:     fee,
		mutate: func() *Account {
			acct.Record.Balance += e.Amount
			return acct
		},
	}, nil
}

func (c *DeterministicCore) stageWithdraw(e *event.Withdraw, batch *ledger.Batch) (*stagedOp, error) {
	const op = "withdraw"

	acct, ok := c.accounts[e.Address]
	if !ok {
		return nil, &OpError{Op: op, Address: e.Address, Err: ErrNotFound}
	}
	if e.Caller != acct.Record.Owner {
		return nil, &OpError{Op: op, Address: e.Address,
			Err: fmt.Errorf("%w: caller %s is not owner", ErrUnauthorized, e.Caller)}
	}
	if err := validAmount(e.Amount); err != nil {
		return nil, &OpError{Op: op, Address: e.Address, Err: err}
	}
	if e.Amount > acct.Record.Balance {
		return nil, &OpError{Op: op, Address: e.Address,
			Err: fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, acct.Record.Balance, e.Amount)}
	}

	fee := c.fees.Fee(custody.OpWithdraw)
	if err := c.bridge.TransferOut(batch, e.Address, acct.Record.Owner, e.Amount); err != nil {
		return nil, &OpError{Op: op, Address: e.Address, Err: err}
	}
	if err := c.bridge.ChargeFee(batch, e.Caller, fee); err != nil {
		return nil, &OpError{Op: op, Address: e.Address, Err: err}
	}

	return &stagedOp{
		op:      op,
		address: e.Address,
		wallet:  e.Caller,
		fee:     fee,
		mutate: func() *Account {
			acct.Record.Balance -= e.Amount
			return acct
		},
	}, nil
}

func (c *DeterministicCore) stageAirdrop(e *event.Airdrop, batch *ledger.Batch) (*stagedOp, error) {
	const op = "airdrop"

	if err := validAmount(e.Amount); err != nil {
		return nil, &OpError{Op: op, Err: err}
	}
	if err := c.bridge.Airdrop(batch, e.To, e.Amount); err != nil {
		return nil, &OpError{Op: op, Err: err}
	}
	return &stagedOp{op: op, wallet: e.To}, nil
}

func validAmount(amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if amount > stdmath.MaxInt64 {
		return fmt.Errorf("%w: %d exceeds ledger range", ErrInvalidAmount, amount)
	}
	return nil
}

// classifyCommitError maps ledger rejections onto operation errors.
func classifyCommitError(err error) error {
	switch {
	case errors.Is(err, custody.ErrInsufficientFunds):
		return err
	case errors.Is(err, custody.ErrInsufficientCustody):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	default:
		return err
	}
}

// computeStateDigest creates canonical bytes for the state hash: every touched
// ledger account with its new balance, then the touched record.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, acct *Account) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+ledger.RecordSize+32)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, c.tracker.GetBalance(key))
	}

	if acct != nil {
		digest = append(digest, acct.Record.CanonicalBytes(acct.Address)...)
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Read path ---

// Derive exposes the address derivation the core uses. Labels that could
// never be stored as an account name fail with ErrInvalidName.
func (c *DeterministicCore) Derive(label string, owner pda.Pubkey) (pda.Derivation, error) {
	if err := ledger.ValidateName(label); err != nil {
		return pda.Derivation{}, &OpError{Op: "derive", Err: err}
	}
	d, err := c.deriver.Derive(label, owner)
	if err != nil {
		return pda.Derivation{}, &OpError{Op: "derive", Err: err}
	}
	return d, nil
}

// ProgramID returns the namespace addresses are derived under.
func (c *DeterministicCore) ProgramID() pda.Pubkey {
	return c.deriver.ProgramID()
}

// Fetch returns a copy of the record at addr.
func (c *DeterministicCore) Fetch(addr pda.Pubkey) (ledger.BankAccount, error) {
	acct, err := c.FetchAccount(addr)
	if err != nil {
		return ledger.BankAccount{}, err
	}
	return acct.Record, nil
}

// FetchAccount is Fetch plus the derivation bump.
func (c *DeterministicCore) FetchAccount(addr pda.Pubkey) (Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	acct, ok := c.accounts[addr]
	if !ok {
		return Account{}, &OpError{Op: "fetch", Address: addr, Err: ErrNotFound}
	}
	return *acct, nil
}

// WalletBalance returns an identity's externally held balance.
func (c *DeterministicCore) WalletBalance(id pda.Pubkey) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bridge.WalletBalance(id)
}

// Custody returns the value held for addr and its rent reserve.
func (c *DeterministicCore) Custody(addr pda.Pubkey) (held, reserved uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bridge.Held(addr), c.bridge.Reserved(addr)
}

// FeesCollected returns the system fee account balance.
func (c *DeterministicCore) FeesCollected() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(c.tracker.GetBalance(ledger.FeesKey()))
}

// RentMinimum is the reserve every new account locks.
func (c *DeterministicCore) RentMinimum() uint64 {
	return c.rentMinimum
}

// FeeFor returns the fee the core charges for op.
func (c *DeterministicCore) FeeFor(op custody.Operation) uint64 {
	return c.fees.Fee(op)
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.Tip()
}

// CheckIntegrity verifies the ledger is zero-sum and that every account's
// custody equals its balance with its rent reserve intact.
func (c *DeterministicCore) CheckIntegrity() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	for addr, acct := range c.accounts {
		if err := c.validator.ValidateAccount(addr, &acct.Record, c.rentMinimum); err != nil {
			return err
		}
	}
	return nil
}
