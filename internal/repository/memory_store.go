package repository

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"coinledger/internal/model"
)

// memState 内存账本的全部数据
type memState struct {
	accounts     map[int64]model.Account
	orders       map[int64]model.CoinOrder
	orderByGWID  map[string]int64
	items        map[string]model.Item
	purchases    map[int64]model.PurchaseRecord
	purchaseKeys map[purchaseKey]int64
	readMarks    map[readMarkKey]model.ReadMark
	transactions []model.AccountTransaction
	outbox       map[int64]model.OutboxMessage
	seq          int64
}

type purchaseKey struct {
	userID int64
	itemID string
}

type readMarkKey struct {
	itemID   string
	actorKey string
}

func newMemState() *memState {
	return &memState{
		accounts:     make(map[int64]model.Account),
		orders:       make(map[int64]model.CoinOrder),
		orderByGWID:  make(map[string]int64),
		items:        make(map[string]model.Item),
		purchases:    make(map[int64]model.PurchaseRecord),
		purchaseKeys: make(map[purchaseKey]int64),
		readMarks:    make(map[readMarkKey]model.ReadMark),
		outbox:       make(map[int64]model.OutboxMessage),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		accounts:     make(map[int64]model.Account, len(s.accounts)),
		orders:       make(map[int64]model.CoinOrder, len(s.orders)),
		orderByGWID:  make(map[string]int64, len(s.orderByGWID)),
		items:        make(map[string]model.Item, len(s.items)),
		purchases:    make(map[int64]model.PurchaseRecord, len(s.purchases)),
		purchaseKeys: make(map[purchaseKey]int64, len(s.purchaseKeys)),
		readMarks:    make(map[readMarkKey]model.ReadMark, len(s.readMarks)),
		transactions: append([]model.AccountTransaction(nil), s.transactions...),
		outbox:       make(map[int64]model.OutboxMessage, len(s.outbox)),
		seq:          s.seq,
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderByGWID {
		c.orderByGWID[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.purchases {
		c.purchases[k] = v
	}
	for k, v := range s.purchaseKeys {
		c.purchaseKeys[k] = v
	}
	for k, v := range s.readMarks {
		c.readMarks[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

func (s *memState) nextID() int64 {
	s.seq++
	return s.seq
}

type memHolder struct {
	mu    sync.Mutex
	state *memState
}

// MemoryStore 内存账本，用于本地开发和测试
// 事务串行执行：持有全局锁，在快照上修改，成功后替换，失败直接丢弃快照
type MemoryStore struct {
	h  *memHolder
	tx *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{h: &memHolder{state: newMemState()}}
}

func (s *MemoryStore) with(fn func(st *memState) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	return fn(s.h.state)
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.h.mu.Lock()
	defer s.h.mu.Unlock()

	snapshot := s.h.state.clone()
	if err := fn(&MemoryStore{h: s.h, tx: snapshot}); err != nil {
		return err
	}
	s.h.state = snapshot
	return nil
}

func (s *MemoryStore) Accounts() AccountRepository         { return memAccounts{s} }
func (s *MemoryStore) Orders() OrderRepository             { return memOrders{s} }
func (s *MemoryStore) Items() ItemRepository               { return memItems{s} }
func (s *MemoryStore) Purchases() PurchaseRepository       { return memPurchases{s} }
func (s *MemoryStore) ReadMarks() ReadMarkRepository       { return memReadMarks{s} }
func (s *MemoryStore) Transactions() TransactionRepository { return memTransactions{s} }
func (s *MemoryStore) Outbox() OutboxRepository            { return memOutbox{s} }

type memAccounts struct{ s *MemoryStore }

func (r memAccounts) GetByUserID(_ context.Context, userID int64) (*model.Account, error) {
	var out *model.Account
	err := r.s.with(func(st *memState) error {
		a, ok := st.accounts[userID]
		if !ok {
			return ErrAccountNotFound
		}
		out = &a
		return nil
	})
	return out, err
}

// 事务本身已经串行，读即加锁
func (r memAccounts) GetByUserIDForUpdate(ctx context.Context, userID int64) (*model.Account, error) {
	return r.GetByUserID(ctx, userID)
}

func (r memAccounts) GetOrCreate(_ context.Context, userID int64, initialBalance int64) (*model.Account, error) {
	var out *model.Account
	err := r.s.with(func(st *memState) error {
		a, ok := st.accounts[userID]
		if !ok {
			now := time.Now()
			a = model.Account{
				ID:        st.nextID(),
				UserID:    userID,
				Balance:   initialBalance,
				CreatedAt: now,
				UpdatedAt: now,
			}
			st.accounts[userID] = a
		}
		out = &a
		return nil
	})
	return out, err
}

func (r memAccounts) Increase(_ context.Context, userID int64, amount int64) error {
	return r.s.with(func(st *memState) error {
		if amount <= 0 {
			return ErrInvalidAmount
		}
		a, ok := st.accounts[userID]
		if !ok {
			return ErrAccountNotFound
		}
		if a.Balance > math.MaxInt64-amount {
			return ErrBalanceOverflow
		}
		a.Balance += amount
		a.Version++
		a.UpdatedAt = time.Now()
		st.accounts[userID] = a
		return nil
	})
}

func (r memAccounts) Deduct(_ context.Context, userID int64, amount int64) error {
	return r.s.with(func(st *memState) error {
		if amount <= 0 {
			return ErrInvalidAmount
		}
		a, ok := st.accounts[userID]
		if !ok {
			return ErrAccountNotFound
		}
		if a.Balance < amount {
			return ErrBalanceNotEnough
		}
		a.Balance -= amount
		a.Version++
		a.UpdatedAt = time.Now()
		st.accounts[userID] = a
		return nil
	})
}

type memOrders struct{ s *MemoryStore }

func (r memOrders) Create(_ context.Context, order *model.CoinOrder) error {
	return r.s.with(func(st *memState) error {
		if _, ok := st.orderByGWID[order.GatewayOrderID]; ok {
			return ErrDuplicate
		}
		if order.ID == 0 {
			order.ID = st.nextID()
		}
		if _, ok := st.orders[order.ID]; ok {
			return ErrDuplicate
		}
		now := time.Now()
		if order.CreatedAt.IsZero() {
			order.CreatedAt = now
		}
		order.UpdatedAt = now
		st.orders[order.ID] = *order
		st.orderByGWID[order.GatewayOrderID] = order.ID
		return nil
	})
}

func (r memOrders) GetByID(_ context.Context, id int64) (*model.CoinOrder, error) {
	var out *model.CoinOrder
	err := r.s.with(func(st *memState) error {
		o, ok := st.orders[id]
		if !ok {
			return ErrOrderNotFound
		}
		out = &o
		return nil
	})
	return out, err
}

func (r memOrders) GetByGatewayOrderID(_ context.Context, gatewayOrderID string) (*model.CoinOrder, error) {
	var out *model.CoinOrder
	err := r.s.with(func(st *memState) error {
		id, ok := st.orderByGWID[gatewayOrderID]
		if !ok {
			return ErrOrderNotFound
		}
		o := st.orders[id]
		out = &o
		return nil
	})
	return out, err
}

func (r memOrders) Complete(_ context.Context, gatewayOrderID, captureID string, completedAt time.Time) error {
	return r.s.with(func(st *memState) error {
		id, ok := st.orderByGWID[gatewayOrderID]
		if !ok {
			return ErrOrderStatusInvalid
		}
		o := st.orders[id]
		if o.Status != model.OrderStatusPending {
			return ErrOrderStatusInvalid
		}
		o.Status = model.OrderStatusCompleted
		o.GatewayCaptureID = captureID
		o.CompletedAt = &completedAt
		o.UpdatedAt = time.Now()
		st.orders[id] = o
		return nil
	})
}

func (r memOrders) UpdateStatus(_ context.Context, gatewayOrderID string, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrOrderStatusInvalid
	}
	return r.s.with(func(st *memState) error {
		id, ok := st.orderByGWID[gatewayOrderID]
		if !ok {
			return ErrOrderStatusInvalid
		}
		o := st.orders[id]
		if o.Status != fromStatus {
			return ErrOrderStatusInvalid
		}
		o.Status = toStatus
		o.UpdatedAt = time.Now()
		st.orders[id] = o
		return nil
	})
}

func (r memOrders) ListByUserID(_ context.Context, userID int64) ([]*model.CoinOrder, error) {
	var out []*model.CoinOrder
	err := r.s.with(func(st *memState) error {
		for _, o := range st.orders {
			if o.UserID == userID {
				o := o
				out = append(out, &o)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, err
}

func (r memOrders) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]*model.CoinOrder, error) {
	var out []*model.CoinOrder
	err := r.s.with(func(st *memState) error {
		for _, o := range st.orders {
			if o.Status == model.OrderStatusPending && o.CreatedAt.Before(before) {
				o := o
				out = append(out, &o)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

type memItems struct{ s *MemoryStore }

func (r memItems) Save(_ context.Context, item *model.Item) error {
	return r.s.with(func(st *memState) error {
		now := time.Now()
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		st.items[item.ID] = *item
		return nil
	})
}

func (r memItems) GetByID(_ context.Context, id string) (*model.Item, error) {
	var out *model.Item
	err := r.s.with(func(st *memState) error {
		it, ok := st.items[id]
		if !ok {
			return ErrItemNotFound
		}
		out = &it
		return nil
	})
	return out, err
}

func (r memItems) GetByIDForUpdate(ctx context.Context, id string) (*model.Item, error) {
	return r.GetByID(ctx, id)
}

func (r memItems) IncrementReadCount(_ context.Context, id string) error {
	return r.s.with(func(st *memState) error {
		it, ok := st.items[id]
		if !ok {
			return ErrItemNotFound
		}
		it.ReadCount++
		st.items[id] = it
		return nil
	})
}

type memPurchases struct{ s *MemoryStore }

func (r memPurchases) Create(_ context.Context, record *model.PurchaseRecord) error {
	return r.s.with(func(st *memState) error {
		key := purchaseKey{userID: record.UserID, itemID: record.ItemID}
		if _, ok := st.purchaseKeys[key]; ok {
			return ErrDuplicate
		}
		if record.ID == 0 {
			record.ID = st.nextID()
		}
		st.purchases[record.ID] = *record
		st.purchaseKeys[key] = record.ID
		return nil
	})
}

func (r memPurchases) Exists(_ context.Context, userID int64, itemID string) (bool, error) {
	var exists bool
	err := r.s.with(func(st *memState) error {
		_, exists = st.purchaseKeys[purchaseKey{userID: userID, itemID: itemID}]
		return nil
	})
	return exists, err
}

func (r memPurchases) ListByUserID(_ context.Context, userID int64) ([]*model.PurchaseRecord, error) {
	var out []*model.PurchaseRecord
	err := r.s.with(func(st *memState) error {
		for _, p := range st.purchases {
			if p.UserID == userID {
				p := p
				out = append(out, &p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PurchasedAt.After(out[j].PurchasedAt) })
	return out, err
}

type memReadMarks struct{ s *MemoryStore }

func (r memReadMarks) Exists(_ context.Context, itemID, actorKey string) (bool, error) {
	var exists bool
	err := r.s.with(func(st *memState) error {
		_, exists = st.readMarks[readMarkKey{itemID: itemID, actorKey: actorKey}]
		return nil
	})
	return exists, err
}

func (r memReadMarks) Create(_ context.Context, mark *model.ReadMark) error {
	return r.s.with(func(st *memState) error {
		key := readMarkKey{itemID: mark.ItemID, actorKey: mark.ActorKey}
		if _, ok := st.readMarks[key]; ok {
			return ErrDuplicate
		}
		mark.ID = st.nextID()
		st.readMarks[key] = *mark
		return nil
	})
}

type memTransactions struct{ s *MemoryStore }

func (r memTransactions) Create(_ context.Context, trans *model.AccountTransaction) error {
	return r.s.with(func(st *memState) error {
		for _, t := range st.transactions {
			if t.TransactionNo == trans.TransactionNo {
				return ErrDuplicate
			}
		}
		trans.ID = st.nextID()
		if trans.CreatedAt.IsZero() {
			trans.CreatedAt = time.Now()
		}
		st.transactions = append(st.transactions, *trans)
		return nil
	})
}

func (r memTransactions) ListByRefNo(_ context.Context, refNo string) ([]*model.AccountTransaction, error) {
	var out []*model.AccountTransaction
	err := r.s.with(func(st *memState) error {
		for _, t := range st.transactions {
			if t.RefNo == refNo {
				t := t
				out = append(out, &t)
			}
		}
		return nil
	})
	return out, err
}

func (r memTransactions) ListByUserID(_ context.Context, userID int64, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	var all []*model.AccountTransaction
	err := r.s.with(func(st *memState) error {
		for i := len(st.transactions) - 1; i >= 0; i-- {
			if t := st.transactions[i]; t.UserID == userID {
				all = append(all, &t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	total := int64(len(all))
	start := (page - 1) * pageSize
	if start < 0 || start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

type memOutbox struct{ s *MemoryStore }

func (r memOutbox) Create(_ context.Context, msg *model.OutboxMessage) error {
	return r.s.with(func(st *memState) error {
		msg.ID = st.nextID()
		if msg.Status == "" {
			msg.Status = model.OutboxStatusPending
		}
		now := time.Now()
		msg.CreatedAt = now
		msg.UpdatedAt = now
		st.outbox[msg.ID] = *msg
		return nil
	})
}

func (r memOutbox) GetPendingMessages(_ context.Context, limit int) ([]*model.OutboxMessage, error) {
	var out []*model.OutboxMessage
	err := r.s.with(func(st *memState) error {
		for _, m := range st.outbox {
			if m.Status == model.OutboxStatusPending {
				m := m
				out = append(out, &m)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r memOutbox) update(id int64, fn func(m *model.OutboxMessage)) error {
	return r.s.with(func(st *memState) error {
		m, ok := st.outbox[id]
		if !ok {
			return nil
		}
		fn(&m)
		m.UpdatedAt = time.Now()
		st.outbox[id] = m
		return nil
	})
}

func (r memOutbox) UpdateStatus(_ context.Context, id int64, status string) error {
	return r.update(id, func(m *model.OutboxMessage) { m.Status = status })
}

func (r memOutbox) IncrementRetryCount(_ context.Context, id int64) error {
	return r.update(id, func(m *model.OutboxMessage) { m.RetryCount++ })
}

func (r memOutbox) MarkAsFailed(_ context.Context, id int64) error {
	return r.update(id, func(m *model.OutboxMessage) {
		m.Status = model.OutboxStatusFailed
		m.RetryCount++
	})
}
