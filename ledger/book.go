package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("balance overflow")
	ErrInvalidAmount       = errors.New("invalid amount")
)

type holding struct {
	asset   common.Address
	account common.Address
}

// change is one undo record. A nil prev means the entry did not exist.
type change struct {
	supply bool
	key    holding
	prev   *uint256.Int
}

type tx struct{ seq uint64 }

type txKey struct{ b *Book }

// Book is an in-memory multi-asset token ledger. All reads and writes go
// through Atomic, which serializes top-level transactions and lets nested
// calls carrying the transaction context run inline with their own
// rollback point.
type Book struct {
	logger *zap.Logger
	slot   chan struct{}
	active atomic.Pointer[tx]
	seq    uint64

	balances map[holding]*uint256.Int
	supply   map[common.Address]*uint256.Int
	journal  []change
	hooks    []func()
}

// NewBook creates an empty ledger
func NewBook(logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		logger:   logger,
		slot:     make(chan struct{}, 1),
		balances: make(map[holding]*uint256.Int),
		supply:   make(map[common.Address]*uint256.Int),
	}
}

// Atomic runs fn as one all-or-nothing unit. If fn returns an error or
// panics, every change made inside it is undone. A ctx handed out by an
// enclosing Atomic call joins that transaction; any other ctx waits for the
// book to be free. Work launched on other goroutines must not reuse the
// transaction ctx.
func (b *Book) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if t, ok := ctx.Value(txKey{b}).(*tx); ok && t == b.active.Load() {
		return b.frame(ctx, fn)
	}

	select {
	case b.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.seq++
	t := &tx{seq: b.seq}
	b.active.Store(t)
	txCtx := context.WithValue(ctx, txKey{b}, t)

	var (
		hooks []func()
		err   error
	)
	func() {
		defer func() {
			hooks = b.hooks
			b.hooks = nil
			b.journal = b.journal[:0]
			b.active.Store(nil)
			<-b.slot
		}()
		err = b.frame(txCtx, fn)
	}()

	if err != nil {
		return err
	}
	for _, h := range hooks {
		h()
	}
	return nil
}

// OnCommit schedules fn to run once the enclosing top-level transaction
// commits. Hooks registered in a frame that is rolled back are dropped.
// Outside a transaction fn runs immediately.
func (b *Book) OnCommit(ctx context.Context, fn func()) {
	if t, ok := ctx.Value(txKey{b}).(*tx); ok && t == b.active.Load() {
		b.hooks = append(b.hooks, fn)
		return
	}
	fn()
}

func (b *Book) frame(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	mark, hookMark := len(b.journal), len(b.hooks)
	defer func() {
		if r := recover(); r != nil {
			b.revert(mark, hookMark)
			panic(r)
		}
		if err != nil {
			b.revert(mark, hookMark)
		}
	}()
	return fn(ctx)
}

func (b *Book) revert(mark, hookMark int) {
	undone := len(b.journal) - mark
	for i := len(b.journal) - 1; i >= mark; i-- {
		c := b.journal[i]
		if c.supply {
			restore(b.supply, c.key.asset, c.prev)
		} else {
			restore(b.balances, c.key, c.prev)
		}
	}
	b.journal = b.journal[:mark]
	b.hooks = b.hooks[:hookMark]
	if undone > 0 {
		b.logger.Debug("Reverted ledger changes", zap.Int("changes", undone))
	}
}

func restore[K comparable](m map[K]*uint256.Int, k K, prev *uint256.Int) {
	if prev == nil {
		delete(m, k)
		return
	}
	m[k] = prev
}

func (b *Book) setBalance(k holding, v *uint256.Int) {
	b.journal = append(b.journal, change{key: k, prev: b.balances[k]})
	b.balances[k] = v
}

func (b *Book) setSupply(asset common.Address, v *uint256.Int) {
	b.journal = append(b.journal, change{supply: true, key: holding{asset: asset}, prev: b.supply[asset]})
	b.supply[asset] = v
}

func (b *Book) balance(k holding) *uint256.Int {
	if v, ok := b.balances[k]; ok {
		return v
	}
	return new(uint256.Int)
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// BalanceOf returns the balance of account in asset
func (b *Book) BalanceOf(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	var out *big.Int
	err := b.Atomic(ctx, func(ctx context.Context) error {
		out = b.balance(holding{asset, account}).ToBig()
		return nil
	})
	return out, err
}

// TotalSupply returns the amount of asset minted and not burned
func (b *Book) TotalSupply(ctx context.Context, asset common.Address) (*big.Int, error) {
	var out *big.Int
	err := b.Atomic(ctx, func(ctx context.Context) error {
		if v, ok := b.supply[asset]; ok {
			out = v.ToBig()
		} else {
			out = new(big.Int)
		}
		return nil
	})
	return out, err
}

// Transfer moves amount of asset from one account to another
func (b *Book) Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error {
	v, err := toUint256(amount)
	if err != nil {
		return fmt.Errorf("failed to transfer %s: %w", amount, err)
	}
	return b.Atomic(ctx, func(ctx context.Context) error {
		src := holding{asset, from}
		have := b.balance(src)
		if have.Lt(v) {
			return fmt.Errorf("failed to transfer %s from %s: %w", v.Dec(), from.Hex(), ErrInsufficientBalance)
		}
		if v.IsZero() || from == to {
			return nil
		}
		dst := holding{asset, to}
		credited, overflow := new(uint256.Int).AddOverflow(b.balance(dst), v)
		if overflow {
			return fmt.Errorf("failed to transfer %s to %s: %w", v.Dec(), to.Hex(), ErrOverflow)
		}
		b.setBalance(src, new(uint256.Int).Sub(have, v))
		b.setBalance(dst, credited)
		return nil
	})
}

// Mint creates amount of asset in the to account
func (b *Book) Mint(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	v, err := toUint256(amount)
	if err != nil {
		return fmt.Errorf("failed to mint %s: %w", amount, err)
	}
	return b.Atomic(ctx, func(ctx context.Context) error {
		total := new(uint256.Int)
		if s, ok := b.supply[asset]; ok {
			total.Set(s)
		}
		supply, overflow := new(uint256.Int).AddOverflow(total, v)
		if overflow {
			return fmt.Errorf("failed to mint %s: %w", v.Dec(), ErrOverflow)
		}
		dst := holding{asset, to}
		b.setSupply(asset, supply)
		b.setBalance(dst, new(uint256.Int).Add(b.balance(dst), v))
		return nil
	})
}

// Burn destroys amount of asset held by from
func (b *Book) Burn(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	v, err := toUint256(amount)
	if err != nil {
		return fmt.Errorf("failed to burn %s: %w", amount, err)
	}
	return b.Atomic(ctx, func(ctx context.Context) error {
		src := holding{asset, from}
		have := b.balance(src)
		if have.Lt(v) {
			return fmt.Errorf("failed to burn %s from %s: %w", v.Dec(), from.Hex(), ErrInsufficientBalance)
		}
		if v.IsZero() {
			return nil
		}
		b.setBalance(src, new(uint256.Int).Sub(have, v))
		b.setSupply(asset, new(uint256.Int).Sub(b.supply[asset], v))
		return nil
	})
}

// Digest hashes every non-zero balance and supply entry. Two books with the
// same digest hold bit-identical state.
func (b *Book) Digest(ctx context.Context) (uint64, error) {
	var sum uint64
	err := b.Atomic(ctx, func(ctx context.Context) error {
		keys := make([]holding, 0, len(b.balances))
		for k, v := range b.balances {
			if !v.IsZero() {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			if c := bytes.Compare(keys[i].asset[:], keys[j].asset[:]); c != 0 {
				return c < 0
			}
			return bytes.Compare(keys[i].account[:], keys[j].account[:]) < 0
		})

		assets := make([]common.Address, 0, len(b.supply))
		for a, v := range b.supply {
			if !v.IsZero() {
				assets = append(assets, a)
			}
		}
		sort.Slice(assets, func(i, j int) bool {
			return bytes.Compare(assets[i][:], assets[j][:]) < 0
		})

		h := xxhash.New()
		for _, k := range keys {
			word := b.balances[k].Bytes32()
			h.Write(k.asset[:])
			h.Write(k.account[:])
			h.Write(word[:])
		}
		for _, a := range assets {
			word := b.supply[a].Bytes32()
			h.Write([]byte("supply"))
			h.Write(a[:])
			h.Write(word[:])
		}
		sum = h.Sum64()
		return nil
	})
	return sum, err
}
