package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/money"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments. A single write mutex guards all maps. Tx serializes
// transactions and rolls back by restoring a deep snapshot; nested Tx
// calls stack snapshots, which gives savepoint semantics. Mutations
// should go through Tx so rollback never clobbers a concurrent write.
type MemoryStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	accounts     map[string]*Account
	apiKeyIndex  map[string]string // apiKey -> accountID
	transactions map[string]*Transaction
	txOrder      []string
	idemIndex    map[string]string // idempotencyKey -> transactionID
	balanceOps   []*BalanceOperation
	nextOpID     int64
	escrows      map[string]*Escrow
	escrowOrder  []string
	batches      map[string]*BatchTransfer
	batchIdem    map[string]string
	audit        []*AuditLogEntry
	nextAuditID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		apiKeyIndex:  make(map[string]string),
		transactions: make(map[string]*Transaction),
		idemIndex:    make(map[string]string),
		escrows:      make(map[string]*Escrow),
		batches:      make(map[string]*BatchTransfer),
		batchIdem:    make(map[string]string),
	}
}

// --- accounts ---

func (m *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.APIKey != "" {
		if _, taken := m.apiKeyIndex[a.APIKey]; taken {
			return ErrDuplicateAPIKey
		}
	}

	cp := cloneAccount(a)
	if cp.Balance == "" {
		cp.Balance = money.Zero
	}
	if cp.FrozenBalance == "" {
		cp.FrozenBalance = money.Zero
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}

	m.accounts[cp.ID] = cp
	if cp.APIKey != "" {
		m.apiKeyIndex[cp.APIKey] = cp.ID
	}
	*a = *cloneAccount(cp)
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

// GetAccountForUpdate is identical to GetAccount: the single write mutex
// plus Tx serialization already linearizes concurrent transfers.
func (m *MemoryStore) GetAccountForUpdate(ctx context.Context, id string) (*Account, error) {
	return m.GetAccount(ctx, id)
}

func (m *MemoryStore) GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.apiKeyIndex[apiKey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(m.accounts[id]), nil
}

func (m *MemoryStore) GetAccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Account
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			result = append(result, cloneAccount(a))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, f AccountFilter) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Account
	for _, a := range m.accounts {
		if len(result) >= limit {
			break
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Role != "" && !a.HasRole(f.Role) {
			continue
		}
		if f.Tag != "" && !hasTag(a, f.Tag) {
			continue
		}
		result = append(result, cloneAccount(a))
	}
	return result, nil
}

func (m *MemoryStore) UpdateAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.accounts[a.ID]
	if !ok {
		return ErrAccountNotFound
	}

	if a.APIKey != old.APIKey {
		if holder, taken := m.apiKeyIndex[a.APIKey]; taken && holder != a.ID {
			return ErrDuplicateAPIKey
		}
		delete(m.apiKeyIndex, old.APIKey)
		if a.APIKey != "" {
			m.apiKeyIndex[a.APIKey] = a.ID
		}
	}

	cp := cloneAccount(a)
	cp.UpdatedAt = time.Now()
	m.accounts[cp.ID] = cp
	a.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *MemoryStore) DeleteAccount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	delete(m.apiKeyIndex, a.APIKey)
	delete(m.accounts, id)
	return nil
}

// --- transactions ---

func (m *MemoryStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneTransaction(t)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.transactions[cp.ID] = cp
	m.txOrder = append(m.txOrder, cp.ID)
	if cp.IdempotencyKey != "" {
		m.idemIndex[cp.IdempotencyKey] = cp.ID
	}
	t.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

// GetTransactionByIdempotencyKey returns (nil, nil) when the key has
// never been seen.
func (m *MemoryStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.idemIndex[key]
	if !ok {
		return nil, nil
	}
	return cloneTransaction(m.transactions[id]), nil
}

func (m *MemoryStore) UpdateTransaction(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[t.ID]; !ok {
		return ErrTransactionNotFound
	}
	m.transactions[t.ID] = cloneTransaction(t)
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Transaction
	// Newest first.
	for i := len(m.txOrder) - 1; i >= 0 && len(result) < limit; i-- {
		t := m.transactions[m.txOrder[i]]
		if !matchTransaction(t, f) {
			continue
		}
		result = append(result, cloneTransaction(t))
	}
	return result, nil
}

func matchTransaction(t *Transaction, f TransactionFilter) bool {
	if f.AccountID != "" && t.From != f.AccountID && t.To != f.AccountID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.CreatedAfter.IsZero() && t.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && t.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	if f.MinAmount != "" && money.Cmp(t.Amount, f.MinAmount) < 0 {
		return false
	}
	if f.MaxAmount != "" && money.Cmp(t.Amount, f.MaxAmount) > 0 {
		return false
	}
	return true
}

func (m *MemoryStore) SumOutgoingSince(ctx context.Context, accountID string, since time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := big.NewInt(0)
	for _, t := range m.transactions {
		if t.From != accountID || t.From == t.To {
			continue
		}
		if t.Status != TxCompleted {
			continue
		}
		if t.CreatedAt.Before(since) {
			continue
		}
		v, _ := money.Parse(t.Amount)
		sum.Add(sum, v)
	}
	return money.Format(sum), nil
}

// --- balance operations ---

func (m *MemoryStore) CreateBalanceOperation(ctx context.Context, op *BalanceOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextOpID++
	cp := *op
	cp.ID = m.nextOpID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.balanceOps = append(m.balanceOps, &cp)
	op.ID = cp.ID
	op.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemoryStore) ListBalanceOperations(ctx context.Context, accountID string, limit int) ([]*BalanceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var result []*BalanceOperation
	for i := len(m.balanceOps) - 1; i >= 0 && len(result) < limit; i-- {
		if m.balanceOps[i].AccountID == accountID {
			cp := *m.balanceOps[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// --- escrows ---

func (m *MemoryStore) CreateEscrow(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneEscrow(e)
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	m.escrows[cp.ID] = cp
	m.escrowOrder = append(m.escrowOrder, cp.ID)
	return nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneEscrow(e), nil
}

func (m *MemoryStore) UpdateEscrow(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := cloneEscrow(e)
	cp.UpdatedAt = time.Now()
	m.escrows[cp.ID] = cp
	e.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *MemoryStore) ListEscrows(ctx context.Context, f EscrowFilter) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var result []*Escrow
	for i := len(m.escrowOrder) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.escrows[m.escrowOrder[i]]
		if f.Party != "" && e.From != f.Party && e.To != f.Party {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		result = append(result, cloneEscrow(e))
	}
	return result, nil
}

func (m *MemoryStore) ListDueEscrows(ctx context.Context, now time.Time) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Escrow
	for _, id := range m.escrowOrder {
		e := m.escrows[id]
		if e.Status != EscrowPending || e.ExpiresAt == nil {
			continue
		}
		if e.ExpiresAt.After(now) {
			continue
		}
		result = append(result, cloneEscrow(e))
	}
	return result, nil
}

// --- batches ---

func (m *MemoryStore) CreateBatch(ctx context.Context, b *BatchTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneBatch(b)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.batches[cp.ID] = cp
	if cp.IdempotencyKey != "" {
		m.batchIdem[cp.IdempotencyKey] = cp.ID
	}
	b.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id string) (*BatchTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneBatch(b), nil
}

// GetBatchByIdempotencyKey returns (nil, nil) when the key has never
// been seen.
func (m *MemoryStore) GetBatchByIdempotencyKey(ctx context.Context, key string) (*BatchTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.batchIdem[key]
	if !ok {
		return nil, nil
	}
	return cloneBatch(m.batches[id]), nil
}

func (m *MemoryStore) UpdateBatch(ctx context.Context, b *BatchTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; !ok {
		return ErrTransactionNotFound
	}
	m.batches[b.ID] = cloneBatch(b)
	return nil
}

// --- audit ---

func (m *MemoryStore) AppendAudit(ctx context.Context, e *AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAuditID++
	cp := cloneAudit(e)
	cp.ID = m.nextAuditID
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	m.audit = append(m.audit, cp)
	e.ID = cp.ID
	e.Timestamp = cp.Timestamp
	return nil
}

func (m *MemoryStore) QueryAudit(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var result []*AuditLogEntry
	for i := len(m.audit) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.audit[i]
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		result = append(result, cloneAudit(e))
	}
	return result, nil
}

// --- balance primitives ---

func (m *MemoryStore) UpdateBalance(ctx context.Context, accountID, delta string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return "", ErrAccountNotFound
	}

	d, ok := money.ParseSigned(delta)
	if !ok {
		return "", ErrInvalidAmount
	}
	bal, _ := money.Parse(a.Balance)
	bal.Add(bal, d)
	if bal.Sign() < 0 {
		return "", ErrInsufficientFunds
	}
	a.Balance = money.Format(bal)
	a.UpdatedAt = time.Now()
	return a.Balance, nil
}

func (m *MemoryStore) FreezeBalance(ctx context.Context, accountID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	bal, _ := money.Parse(a.Balance)
	if bal.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	frozen, _ := money.Parse(a.FrozenBalance)
	bal.Sub(bal, amt)
	frozen.Add(frozen, amt)
	a.Balance = money.Format(bal)
	a.FrozenBalance = money.Format(frozen)
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UnfreezeBalance(ctx context.Context, accountID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	frozen, _ := money.Parse(a.FrozenBalance)
	if frozen.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	bal, _ := money.Parse(a.Balance)
	frozen.Sub(frozen, amt)
	bal.Add(bal, amt)
	a.Balance = money.Format(bal)
	a.FrozenBalance = money.Format(frozen)
	a.UpdatedAt = time.Now()
	return nil
}

// --- statistics ---

func (m *MemoryStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Statistics{AccountsByStatus: make(map[string]int)}
	totalBal := big.NewInt(0)
	totalFrozen := big.NewInt(0)
	for _, a := range m.accounts {
		stats.AccountsByStatus[a.Status]++
		b, _ := money.Parse(a.Balance)
		f, _ := money.Parse(a.FrozenBalance)
		totalBal.Add(totalBal, b)
		totalFrozen.Add(totalFrozen, f)
	}

	volume := big.NewInt(0)
	fees := big.NewInt(0)
	for _, t := range m.transactions {
		if t.Status != TxCompleted {
			continue
		}
		stats.TransactionCount++
		v, _ := money.Parse(t.Amount)
		volume.Add(volume, v)
		if t.Fee != "" {
			fv, _ := money.Parse(t.Fee)
			fees.Add(fees, fv)
		}
	}

	escrowTotal := big.NewInt(0)
	for _, e := range m.escrows {
		if e.Status != EscrowPending {
			continue
		}
		stats.OpenEscrowCount++
		v, _ := money.Parse(e.Amount)
		escrowTotal.Add(escrowTotal, v)
	}

	stats.TotalBalance = money.Format(totalBal)
	stats.TotalFrozen = money.Format(totalFrozen)
	stats.TransactionVolume = money.Format(volume)
	stats.FeesCollected = money.Format(fees)
	stats.OpenEscrowTotal = money.Format(escrowTotal)
	return stats, nil
}

// --- transactions (storage-level) ---

// Tx serializes against other transactions and snapshots all state for
// rollback. fn receives a view whose nested Tx stacks another snapshot.
func (m *MemoryStore) Tx(ctx context.Context, fn func(s Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.runTx(ctx, fn)
}

func (m *MemoryStore) runTx(ctx context.Context, fn func(s Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(&memTx{m}); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

// memTx is the in-transaction view. It delegates everything to the
// underlying store; only Tx changes meaning, from "begin" to "savepoint".
type memTx struct {
	*MemoryStore
}

func (t *memTx) Tx(ctx context.Context, fn func(s Store) error) error {
	return t.MemoryStore.runTx(ctx, fn)
}

type memSnapshot struct {
	accounts     map[string]*Account
	apiKeyIndex  map[string]string
	transactions map[string]*Transaction
	txOrder      []string
	idemIndex    map[string]string
	balanceOps   []*BalanceOperation
	nextOpID     int64
	escrows      map[string]*Escrow
	escrowOrder  []string
	batches      map[string]*BatchTransfer
	batchIdem    map[string]string
	audit        []*AuditLogEntry
	nextAuditID  int64
}

func (m *MemoryStore) snapshot() *memSnapshot {
	s := &memSnapshot{
		accounts:     make(map[string]*Account, len(m.accounts)),
		apiKeyIndex:  make(map[string]string, len(m.apiKeyIndex)),
		transactions: make(map[string]*Transaction, len(m.transactions)),
		txOrder:      append([]string(nil), m.txOrder...),
		idemIndex:    make(map[string]string, len(m.idemIndex)),
		balanceOps:   append([]*BalanceOperation(nil), m.balanceOps...),
		nextOpID:     m.nextOpID,
		escrows:      make(map[string]*Escrow, len(m.escrows)),
		escrowOrder:  append([]string(nil), m.escrowOrder...),
		batches:      make(map[string]*BatchTransfer, len(m.batches)),
		batchIdem:    make(map[string]string, len(m.batchIdem)),
		audit:        append([]*AuditLogEntry(nil), m.audit...),
		nextAuditID:  m.nextAuditID,
	}
	for k, v := range m.accounts {
		s.accounts[k] = cloneAccount(v)
	}
	for k, v := range m.apiKeyIndex {
		s.apiKeyIndex[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = cloneTransaction(v)
	}
	for k, v := range m.idemIndex {
		s.idemIndex[k] = v
	}
	for k, v := range m.escrows {
		s.escrows[k] = cloneEscrow(v)
	}
	for k, v := range m.batches {
		s.batches[k] = cloneBatch(v)
	}
	for k, v := range m.batchIdem {
		s.batchIdem[k] = v
	}
	return s
}

func (m *MemoryStore) restore(s *memSnapshot) {
	m.accounts = s.accounts
	m.apiKeyIndex = s.apiKeyIndex
	m.transactions = s.transactions
	m.txOrder = s.txOrder
	m.idemIndex = s.idemIndex
	m.balanceOps = s.balanceOps
	m.nextOpID = s.nextOpID
	m.escrows = s.escrows
	m.escrowOrder = s.escrowOrder
	m.batches = s.batches
	m.batchIdem = s.batchIdem
	m.audit = s.audit
	m.nextAuditID = s.nextAuditID
}

// --- clone helpers ---

func hasTag(a *Account, tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func cloneAccount(a *Account) *Account {
	cp := *a
	cp.Roles = append([]string(nil), a.Roles...)
	cp.Tags = append([]string(nil), a.Tags...)
	if a.Limits != nil {
		l := *a.Limits
		cp.Limits = &l
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneTransaction(t *Transaction) *Transaction {
	cp := *t
	if t.Meta != nil {
		cp.Meta = make(map[string]string, len(t.Meta))
		for k, v := range t.Meta {
			cp.Meta[k] = v
		}
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func cloneEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.ExpiresAt != nil {
		at := *e.ExpiresAt
		cp.ExpiresAt = &at
	}
	return &cp
}

func cloneBatch(b *BatchTransfer) *BatchTransfer {
	cp := *b
	cp.Items = append([]TransferSpec(nil), b.Items...)
	cp.Results = append([]BatchItemResult(nil), b.Results...)
	if b.CompletedAt != nil {
		at := *b.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func cloneAudit(e *AuditLogEntry) *AuditLogEntry {
	cp := *e
	if e.Changes != nil {
		cp.Changes = make(map[string]Change, len(e.Changes))
		for k, v := range e.Changes {
			cp.Changes[k] = v
		}
	}
	if e.Meta != nil {
		cp.Meta = make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
