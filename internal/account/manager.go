// Package account implements balance accounting with free/locked
// reservation semantics. The manager has exclusive authority over
// balances: the matching engine never touches free or locked directly,
// it calls Reserve, Release and SettleFill.
package account

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"virtual_exchange/internal/core"
	apperrors "virtual_exchange/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type balanceEntry struct {
	free   decimal.Decimal
	locked decimal.Decimal
}

type userAccount struct {
	mu         sync.Mutex
	userID     string
	apiKey     string
	balances   map[string]*balanceEntry
	updateTime int64
}

func (u *userAccount) entry(asset string) *balanceEntry {
	e, ok := u.balances[asset]
	if !ok {
		e = &balanceEntry{free: decimal.Zero, locked: decimal.Zero}
		u.balances[asset] = e
	}
	return e
}

// Info is an account snapshot.
type Info struct {
	UserID          string
	Balances        []core.Balance
	MakerCommission decimal.Decimal
	TakerCommission decimal.Decimal
	CanTrade        bool
	CanWithdraw     bool
	CanDeposit      bool
	UpdateTime      int64
}

// Totals carries the per-asset conservation counters: for each asset,
// sum(free+locked) over users must equal deposits - withdrawals -
// commissions at all times.
type Totals struct {
	Deposits    map[string]decimal.Decimal
	Withdrawals map[string]decimal.Decimal
	Commissions map[string]decimal.Decimal
}

// Manager owns every user account.
type Manager struct {
	mu      sync.RWMutex
	users   map[string]*userAccount
	apiKeys map[string]string

	totalsMu    sync.Mutex
	deposits    map[string]decimal.Decimal
	withdrawals map[string]decimal.Decimal
	commissions map[string]decimal.Decimal

	clock     core.IClock
	logger    core.ILogger
	makerRate decimal.Decimal
	takerRate decimal.Decimal
}

// NewManager creates an account manager with the given commission rates.
func NewManager(clock core.IClock, makerRate, takerRate decimal.Decimal, logger core.ILogger) *Manager {
	return &Manager{
		users:       make(map[string]*userAccount),
		apiKeys:     make(map[string]string),
		deposits:    make(map[string]decimal.Decimal),
		withdrawals: make(map[string]decimal.Decimal),
		commissions: make(map[string]decimal.Decimal),
		clock:       clock,
		logger:      logger.WithField("component", "account_manager"),
		makerRate:   makerRate,
		takerRate:   takerRate,
	}
}

// newAPIKey returns a 32-character opaque hex key.
func newAPIKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RegisterUser creates an account and returns its API key. Registering
// an existing user returns the existing key.
func (m *Manager) RegisterUser(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", apperrors.ErrInvalidOrderParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u.apiKey, nil
	}
	key := newAPIKey()
	m.users[userID] = &userAccount{
		userID:     userID,
		apiKey:     key,
		balances:   make(map[string]*balanceEntry),
		updateTime: m.clock.NowMs(),
	}
	m.apiKeys[key] = userID
	m.logger.Info("user registered", "user_id", userID)
	return key, nil
}

// ResolveAPIKey maps an API key back to its user.
func (m *Manager) ResolveAPIKey(apiKey string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.apiKeys[apiKey]
	return userID, ok
}

// HasUser reports whether the user is registered.
func (m *Manager) HasUser(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[userID]
	return ok
}

func (m *Manager) user(userID string) (*userAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownUser, userID)
	}
	return u, nil
}

// Deposit credits free balance.
func (m *Manager) Deposit(userID, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit amount must be positive", apperrors.ErrInvalidOrderParameter)
	}
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	e := u.entry(asset)
	e.free = e.free.Add(amount)
	u.updateTime = m.clock.NowMs()
	u.mu.Unlock()

	m.addTotal(m.deposits, asset, amount)
	return nil
}

// Withdraw debits free balance.
func (m *Manager) Withdraw(userID, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: withdraw amount must be positive", apperrors.ErrInvalidOrderParameter)
	}
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	e := u.entry(asset)
	if e.free.LessThan(amount) {
		return fmt.Errorf("%w: %s %s free %s, want %s",
			apperrors.ErrInsufficientFunds, userID, asset, e.free, amount)
	}
	e.free = e.free.Sub(amount)
	u.updateTime = m.clock.NowMs()

	m.addTotal(m.withdrawals, asset, amount)
	return nil
}

// Reserve moves amount from free to locked, all or nothing.
func (m *Manager) Reserve(userID, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: reserve amount must be positive", apperrors.ErrInvalidOrderParameter)
	}
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	e := u.entry(asset)
	if e.free.LessThan(amount) {
		return fmt.Errorf("%w: %s %s free %s, want %s",
			apperrors.ErrInsufficientFunds, userID, asset, e.free, amount)
	}
	e.free = e.free.Sub(amount)
	e.locked = e.locked.Add(amount)
	u.updateTime = m.clock.NowMs()
	return nil
}

// Release moves amount from locked back to free. The caller passes the
// exact residual of an earlier reservation; releasing more than is
// locked means the engine's reservation accounting broke.
func (m *Manager) Release(userID, asset string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: release amount must not be negative", apperrors.ErrInvalidOrderParameter)
	}
	u, err := m.user(userID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	e := u.entry(asset)
	if e.locked.LessThan(amount) {
		m.logger.Error("release exceeds locked balance",
			"user_id", userID, "asset", asset, "locked", e.locked.String(), "amount", amount.String())
		panic(fmt.Sprintf("account: release %s %s exceeds locked %s for %s",
			amount, asset, e.locked, userID))
	}
	e.locked = e.locked.Sub(amount)
	e.free = e.free.Add(amount)
	u.updateTime = m.clock.NowMs()
	return nil
}

// SettleFill settles one trade atomically: the buyer's locked quote pays
// for base credited free, the seller's locked base pays for quote
// credited free. Commission comes out of the credited asset; the maker
// side pays the maker rate, the taker side the taker rate. Returns the
// buyer and seller commissions.
func (m *Manager) SettleFill(buyUserID, sellUserID string, spec core.SymbolSpec,
	price, qty decimal.Decimal, buyerIsMaker bool) (decimal.Decimal, decimal.Decimal, error) {

	buyer, err := m.user(buyUserID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	seller, err := m.user(sellUserID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	m.lockPair(buyer, seller)
	defer m.unlockPair(buyer, seller)

	quote := qty.Mul(price)
	buyerRate, sellerRate := m.takerRate, m.makerRate
	if buyerIsMaker {
		buyerRate, sellerRate = m.makerRate, m.takerRate
	}
	buyFee := qty.Mul(buyerRate)
	sellFee := quote.Mul(sellerRate)

	bq := buyer.entry(spec.QuoteAsset)
	if bq.locked.LessThan(quote) {
		m.logger.Error("settle exceeds buyer locked quote",
			"user_id", buyUserID, "locked", bq.locked.String(), "need", quote.String())
		panic(fmt.Sprintf("account: settle needs %s %s locked, buyer %s has %s",
			quote, spec.QuoteAsset, buyUserID, bq.locked))
	}
	sb := seller.entry(spec.BaseAsset)
	if sb.locked.LessThan(qty) {
		m.logger.Error("settle exceeds seller locked base",
			"user_id", sellUserID, "locked", sb.locked.String(), "need", qty.String())
		panic(fmt.Sprintf("account: settle needs %s %s locked, seller %s has %s",
			qty, spec.BaseAsset, sellUserID, sb.locked))
	}

	now := m.clock.NowMs()
	bq.locked = bq.locked.Sub(quote)
	buyer.entry(spec.BaseAsset).free = buyer.entry(spec.BaseAsset).free.Add(qty.Sub(buyFee))
	buyer.updateTime = now

	sb.locked = sb.locked.Sub(qty)
	seller.entry(spec.QuoteAsset).free = seller.entry(spec.QuoteAsset).free.Add(quote.Sub(sellFee))
	seller.updateTime = now

	m.addTotal(m.commissions, spec.BaseAsset, buyFee)
	m.addTotal(m.commissions, spec.QuoteAsset, sellFee)
	return buyFee, sellFee, nil
}

// lockPair takes both user locks in canonical order so concurrent
// settles cannot deadlock. Self-trades lock once.
func (m *Manager) lockPair(a, b *userAccount) {
	if a == b {
		a.mu.Lock()
		return
	}
	if strings.Compare(a.userID, b.userID) < 0 {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func (m *Manager) unlockPair(a, b *userAccount) {
	if a == b {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	b.mu.Unlock()
}

// GetBalance returns one asset's balance.
func (m *Manager) GetBalance(userID, asset string) (core.Balance, error) {
	u, err := m.user(userID)
	if err != nil {
		return core.Balance{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	e := u.entry(asset)
	return core.Balance{Asset: asset, Free: e.free, Locked: e.locked}, nil
}

// Snapshot returns the account info with balances sorted by asset.
func (m *Manager) Snapshot(userID string) (Info, error) {
	u, err := m.user(userID)
	if err != nil {
		return Info{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	balances := make([]core.Balance, 0, len(u.balances))
	for asset, e := range u.balances {
		balances = append(balances, core.Balance{Asset: asset, Free: e.free, Locked: e.locked})
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })
	return Info{
		UserID:          userID,
		Balances:        balances,
		MakerCommission: m.makerRate,
		TakerCommission: m.takerRate,
		CanTrade:        true,
		CanWithdraw:     true,
		CanDeposit:      true,
		UpdateTime:      u.updateTime,
	}, nil
}

// Users returns every registered user id, sorted.
func (m *Manager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// APIKey returns the user's API key.
func (m *Manager) APIKey(userID string) (string, error) {
	u, err := m.user(userID)
	if err != nil {
		return "", err
	}
	return u.apiKey, nil
}

// Totals returns copies of the conservation counters.
func (m *Manager) Totals() Totals {
	m.totalsMu.Lock()
	defer m.totalsMu.Unlock()
	return Totals{
		Deposits:    copyTotals(m.deposits),
		Withdrawals: copyTotals(m.withdrawals),
		Commissions: copyTotals(m.commissions),
	}
}

// SumByAsset totals free+locked across all users for one asset.
func (m *Manager) SumByAsset(asset string) decimal.Decimal {
	m.mu.RLock()
	users := make([]*userAccount, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	m.mu.RUnlock()

	total := decimal.Zero
	for _, u := range users {
		u.mu.Lock()
		if e, ok := u.balances[asset]; ok {
			total = total.Add(e.free).Add(e.locked)
		}
		u.mu.Unlock()
	}
	return total
}

// RestoreUser reinstates a snapshotted account, replacing any existing
// balances. Used by snapshot restore only.
func (m *Manager) RestoreUser(snap core.UserSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &userAccount{
		userID:     snap.UserID,
		apiKey:     snap.APIKey,
		balances:   make(map[string]*balanceEntry),
		updateTime: m.clock.NowMs(),
	}
	for _, b := range snap.Balances {
		u.balances[b.Asset] = &balanceEntry{free: b.Free, locked: b.Locked}
	}
	m.users[snap.UserID] = u
	m.apiKeys[snap.APIKey] = snap.UserID
}

func (m *Manager) addTotal(totals map[string]decimal.Decimal, asset string, amount decimal.Decimal) {
	m.totalsMu.Lock()
	defer m.totalsMu.Unlock()
	totals[asset] = totals[asset].Add(amount)
}

func copyTotals(src map[string]decimal.Decimal) map[string]decimal.Decimal {
	dst := make(map[string]decimal.Decimal, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
