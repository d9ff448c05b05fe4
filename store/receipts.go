package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/michaelpento.lv/flashlender/flashloan"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketReceipts = []byte("receipts")

	// ErrNotFound is returned when a receipt does not exist.
	ErrNotFound = errors.New("receipt not found")
)

// ReceiptStore journals committed flash loan receipts in a Bolt database.
type ReceiptStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

var _ flashloan.ReceiptSink = (*ReceiptStore)(nil)

// receiptRecord is the JSON form of a receipt. Amounts are decimal strings
// in base units.
type receiptRecord struct {
	ID           string    `json:"id"`
	Lender       string    `json:"lender"`
	Pool         string    `json:"pool"`
	Initiator    string    `json:"initiator"`
	Receiver     string    `json:"receiver"`
	Asset        string    `json:"asset"`
	Amount       string    `json:"amount"`
	Fee          string    `json:"fee"`
	RepaymentDue string    `json:"repaymentDue"`
	Surplus      string    `json:"surplus,omitempty"`
	SurplusTo    string    `json:"surplusTo,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewStore opens (and migrates) the Bolt-backed receipt journal at path.
func NewStore(path string, options *bolt.Options, logger *zap.Logger) (*ReceiptStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReceipts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create receipt bucket: %w", err)
	}
	return &ReceiptStore{db: db, logger: logger}, nil
}

// Close releases the underlying Bolt database handle.
func (s *ReceiptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func receiptKey(ts time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%020d-%s", ts.UnixNano(), id))
}

// Record appends r to the journal. Keys sort by time so List returns
// receipts in commit order.
func (s *ReceiptStore) Record(_ context.Context, r *flashloan.Receipt) error {
	rec := receiptRecord{
		ID:           r.ID.String(),
		Lender:       r.Lender,
		Pool:         r.Pool,
		Initiator:    r.Initiator.Hex(),
		Receiver:     r.Receiver.Hex(),
		Asset:        r.Asset.Hex(),
		Amount:       r.Amount.String(),
		Fee:          r.Fee.String(),
		RepaymentDue: r.RepaymentDue.String(),
		Timestamp:    r.Timestamp.UTC(),
	}
	if r.Surplus != nil && r.Surplus.Sign() > 0 {
		rec.Surplus = r.Surplus.String()
		rec.SurplusTo = r.SurplusTo.Hex()
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReceipts).Put(receiptKey(r.Timestamp, r.ID), raw)
	}); err != nil {
		return fmt.Errorf("failed to store receipt %s: %w", r.ID, err)
	}
	s.logger.Debug("Recorded receipt", zap.String("id", rec.ID))
	return nil
}

// List returns up to limit receipts, oldest first. A limit of zero returns
// all of them.
func (s *ReceiptStore) List(limit int) ([]*flashloan.Receipt, error) {
	var out []*flashloan.Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReceipts).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			r, err := decodeReceipt(v)
			if err != nil {
				return fmt.Errorf("failed to decode receipt %s: %w", k, err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Get returns the receipt with the given id.
func (s *ReceiptStore) Get(id uuid.UUID) (*flashloan.Receipt, error) {
	var found *flashloan.Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReceipts).Cursor()
		suffix := id.String()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) < len(suffix) || string(k[len(k)-len(suffix):]) != suffix {
				continue
			}
			r, err := decodeReceipt(v)
			if err != nil {
				return err
			}
			found = r
			return nil
		}
		return ErrNotFound
	})
	return found, err
}

func decodeReceipt(raw []byte) (*flashloan.Receipt, error) {
	var rec receiptRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, err
	}

	r := &flashloan.Receipt{
		ID:        id,
		Lender:    rec.Lender,
		Pool:      rec.Pool,
		Initiator: common.HexToAddress(rec.Initiator),
		Receiver:  common.HexToAddress(rec.Receiver),
		Asset:     common.HexToAddress(rec.Asset),
		SurplusTo: common.HexToAddress(rec.SurplusTo),
		Timestamp: rec.Timestamp,
		Surplus:   new(big.Int),
	}
	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&r.Amount, rec.Amount},
		{&r.Fee, rec.Fee},
		{&r.RepaymentDue, rec.RepaymentDue},
		{&r.Surplus, rec.Surplus},
	} {
		if f.src == "" {
			continue
		}
		v, ok := new(big.Int).SetString(f.src, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", f.src)
		}
		*f.dst = v
	}
	return r, nil
}
