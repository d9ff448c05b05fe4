package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashlender/api"
	"github.com/michaelpento.lv/flashlender/config"
	"github.com/michaelpento.lv/flashlender/dex/yieldspace"
	"github.com/michaelpento.lv/flashlender/flashloan"
	"github.com/michaelpento.lv/flashlender/flashloan/borrower"
	"github.com/michaelpento.lv/flashlender/ledger"
	"github.com/michaelpento.lv/flashlender/simulator"
	"github.com/michaelpento.lv/flashlender/store"
	fmath "github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/michaelpento.lv/flashlender/utils/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Node is a single-process flash lending deployment: a ledger, one
// YieldSpace pool, the lender bound to it and the surrounding services
type Node struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	Registry  *prometheus.Registry
	Book      *ledger.Book
	Pool      *yieldspace.Pool
	Lender    *flashloan.FlashLender
	Manager   *flashloan.Manager
	Simulator *simulator.Simulator
	Journal   *store.ReceiptStore
}

// Option configures a Node
type Option func(*Node)

// WithClock replaces time.Now for seeding and pricing
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// New validates cfg, then builds and seeds the deployment it describes
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		n.Registry = metrics.NewRegistry()
		reg = n.Registry
	}

	if cfg.Journal.Enabled {
		journal, err := store.NewStore(cfg.Journal.Path, &bolt.Options{Timeout: cfg.Journal.Timeout}, logger)
		if err != nil {
			return nil, err
		}
		n.Journal = journal
	}

	if err := n.build(ctx, reg); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context, reg prometheus.Registerer) error {
	cfg := n.cfg
	ns := cfg.Metrics.Namespace
	start := n.now()

	maturity, err := cfg.Pool.MaturityAt(start)
	if err != nil {
		return err
	}
	g1, err := decimal.NewFromString(cfg.Pool.G1)
	if err != nil {
		return fmt.Errorf("invalid g1: %w", err)
	}

	n.Book = ledger.NewBook(n.logger)

	poolCfg := yieldspace.Config{
		Name:     cfg.Pool.Name,
		Account:  config.Address(cfg.Pool.Account),
		Owner:    config.Address(cfg.Pool.Owner),
		Base:     config.Address(cfg.Pool.Base),
		Yield:    config.Address(cfg.Pool.Yield),
		Maturity: maturity,
		Params:   yieldspace.NewParams(g1, cfg.Pool.Stretch),
	}
	if poolCfg.Name == "" {
		poolCfg.Name = "yieldspace-" + maturity.UTC().Format("2006-01-02")
	}
	poolMetrics := metrics.NewPoolMetrics(reg, ns, poolCfg.Name, n.reserveGauge)
	if n.Pool, err = yieldspace.NewPool(poolCfg, n.Book, n.logger, poolMetrics); err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	if err := n.seed(ctx, start); err != nil {
		return err
	}

	lenderCfg := flashloan.Config{
		Name:           cfg.Lender.Name,
		Account:        config.Address(cfg.Lender.Account),
		Owner:          poolCfg.Owner,
		BaseAsset:      poolCfg.Base,
		QuoteCacheSize: cfg.Lender.QuoteCacheSize,
	}
	if cfg.Lender.Treasury != "" {
		lenderCfg.Treasury = config.Address(cfg.Lender.Treasury)
	}
	lenderOpts := []flashloan.Option{
		flashloan.WithClock(n.now),
		flashloan.WithMetrics(metrics.NewLenderMetrics(reg, ns, lenderCfg.Name)),
	}
	if n.Journal != nil {
		lenderOpts = append(lenderOpts, flashloan.WithReceiptSink(n.Journal))
	}
	if n.Lender, err = flashloan.NewFlashLender(lenderCfg, n.Book, n.logger, lenderOpts...); err != nil {
		return fmt.Errorf("failed to create lender: %w", err)
	}
	if err := n.Pool.Authorize(lenderCfg.Owner, lenderCfg.Account); err != nil {
		return fmt.Errorf("failed to authorize lender: %w", err)
	}
	if err := n.Lender.SetPool(ctx, lenderCfg.Owner, n.Pool); err != nil {
		return fmt.Errorf("failed to bind lender: %w", err)
	}

	n.Manager = flashloan.NewManager(reg, ns, n.logger)
	n.Manager.AddLender(n.Lender)
	n.Simulator = simulator.NewSimulator(n.Book, n.logger)

	n.logger.Info("Node ready",
		zap.String("pool", n.Pool.GetName()),
		zap.String("lender", n.Lender.String()),
		zap.Time("maturity", maturity),
		zap.Bool("journal", n.Journal != nil))
	return nil
}

// seed funds the pool reserves and applies the owner's skewing trade
func (n *Node) seed(ctx context.Context, now time.Time) error {
	p := n.cfg.Pool
	base, err := config.ParseAmount(p.BaseReserve)
	if err != nil {
		return fmt.Errorf("invalid base reserve: %w", err)
	}
	yield, err := config.ParseAmount(p.YieldReserve)
	if err != nil {
		return fmt.Errorf("invalid yield reserve: %w", err)
	}
	skew, err := config.ParseAmount(p.SkewYield)
	if err != nil {
		return fmt.Errorf("invalid skew: %w", err)
	}

	return n.Book.Atomic(ctx, func(ctx context.Context) error {
		if err := n.Book.Mint(ctx, n.Pool.BaseAsset(), n.Pool.Account(), base); err != nil {
			return fmt.Errorf("failed to seed base reserve: %w", err)
		}
		if err := n.Book.Mint(ctx, n.Pool.YieldAsset(), n.Pool.Account(), yield); err != nil {
			return fmt.Errorf("failed to seed yield reserve: %w", err)
		}
		if skew.Sign() == 0 {
			return nil
		}
		owner := n.Pool.Owner()
		if err := n.Book.Mint(ctx, n.Pool.YieldAsset(), owner, skew); err != nil {
			return fmt.Errorf("failed to fund skew: %w", err)
		}
		if _, err := n.Pool.SellYieldForBase(ctx, now, owner, owner, skew); err != nil {
			return fmt.Errorf("failed to skew pool: %w", err)
		}
		return nil
	})
}

func (n *Node) reserveGauge() (float64, float64) {
	if n.Pool == nil {
		return 0, 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := n.Pool.Reserves(ctx)
	if err != nil {
		return 0, 0
	}
	return fmath.Float64(r.Base), fmath.Float64(r.Yield)
}

// Config returns the configuration the node was built from
func (n *Node) Config() *config.Config { return n.cfg }

// Quote is the lender's answer for one amount
type Quote struct {
	Asset    common.Address
	Amount   *big.Int
	Fee      *big.Int
	Max      *big.Int
	Maturity time.Time
}

// Quote prices a loan of amount base
func (n *Node) Quote(ctx context.Context, amount *big.Int) (*Quote, error) {
	asset := n.Lender.BaseAsset()
	max, err := n.Manager.MaxFlashLoan(ctx, asset)
	if err != nil {
		return nil, err
	}
	fee, err := n.Manager.FlashFee(ctx, asset, amount)
	if err != nil {
		return nil, err
	}
	return &Quote{Asset: asset, Amount: amount, Fee: fee, Max: max, Maturity: n.Pool.Maturity()}, nil
}

// NewBorrower creates the configured reference borrower, funded for fees
func (n *Node) NewBorrower(ctx context.Context, action borrower.Action) (*borrower.FlashBorrower, error) {
	sim := n.cfg.Simulation
	account := config.Address(sim.Borrower)
	funding, err := config.ParseAmount(sim.Funding)
	if err != nil {
		return nil, fmt.Errorf("invalid borrower funding: %w", err)
	}
	if funding.Sign() > 0 {
		if err := n.Book.Mint(ctx, n.Lender.BaseAsset(), account, funding); err != nil {
			return nil, fmt.Errorf("failed to fund borrower: %w", err)
		}
	}
	b := borrower.New(account, n.Book, n.Manager, n.logger)
	b.SetAction(action)
	return b, nil
}

// Outcome summarises one executed or simulated loan
type Outcome struct {
	Amount        *big.Int
	Fee           *big.Int
	BorrowerDelta *big.Int
	PoolDelta     *big.Int
	DryRun        bool
	Err           error
}

// Borrow runs a loan of amount with b. In dry run mode the ledger is left
// untouched.
func (n *Node) Borrow(ctx context.Context, b *borrower.FlashBorrower, amount *big.Int, dryRun bool) (*Outcome, error) {
	asset := n.Lender.BaseAsset()
	if dryRun {
		res, err := n.Simulator.SimulateFlashLoan(ctx, n.Manager, n.Pool, b, asset, amount, nil)
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Amount:        amount,
			Fee:           res.Fee,
			BorrowerDelta: res.BorrowerDelta,
			PoolDelta:     res.BaseReserveDelta,
			DryRun:        true,
			Err:           res.Error,
		}, nil
	}

	before, err := n.balances(ctx, b.Address())
	if err != nil {
		return nil, err
	}
	fee, err := n.Manager.FlashFee(ctx, asset, amount)
	if err != nil {
		return &Outcome{Amount: amount, Err: err}, nil
	}
	if err := b.FlashBorrow(ctx, asset, amount, nil); err != nil {
		return &Outcome{Amount: amount, Fee: fee, Err: err}, nil
	}
	after, err := n.balances(ctx, b.Address())
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Amount:        amount,
		Fee:           fee,
		BorrowerDelta: new(big.Int).Sub(after[0], before[0]),
		PoolDelta:     new(big.Int).Sub(after[1], before[1]),
	}, nil
}

func (n *Node) balances(ctx context.Context, account common.Address) ([2]*big.Int, error) {
	var out [2]*big.Int
	asset := n.Lender.BaseAsset()
	var err error
	if out[0], err = n.Book.BalanceOf(ctx, asset, account); err != nil {
		return out, err
	}
	r, err := n.Pool.Reserves(ctx)
	if err != nil {
		return out, err
	}
	out[1] = r.Base
	return out, nil
}

// API returns the quote server for this node
func (n *Node) API() *api.Server {
	cfg := api.Config{
		Lender: n.Manager,
		Pools:  []flashloan.Pool{n.Pool},
		RateLimit: api.RateLimit{
			RequestsPerSecond: n.cfg.API.RequestsPerSecond,
			Burst:             n.cfg.API.Burst,
		},
		RequestTimeout:  n.cfg.API.RequestTimeout,
		ShutdownTimeout: n.cfg.API.ShutdownTimeout,
	}
	if n.Registry != nil {
		cfg.Gatherer = n.Registry
	}
	return api.New(cfg, n.logger)
}

// Serve runs the quote API until ctx is cancelled
func (n *Node) Serve(ctx context.Context) error {
	return n.API().Run(ctx, n.cfg.API.Listen)
}

// Receipts lists journaled receipts, oldest first
func (n *Node) Receipts(limit int) ([]*flashloan.Receipt, error) {
	if n.Journal == nil {
		return nil, errors.New("journal is disabled")
	}
	return n.Journal.List(limit)
}

// Close releases the journal
func (n *Node) Close() error {
	return n.Journal.Close()
}
