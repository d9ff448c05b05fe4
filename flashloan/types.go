package flashloan

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/michaelpento.lv/flashlender/utils/math"
)

// CallbackSuccess is the acknowledgement a well-behaved borrower returns
var CallbackSuccess = crypto.Keccak256Hash([]byte("ERC3156FlashBorrower.onFlashLoan"))

// FlashLoanParams contains parameters for executing a flash loan
type FlashLoanParams struct {
	Initiator common.Address // Account requesting the loan
	Receiver  Borrower       // Callback target receiving the funds
	Asset     common.Address // Token to borrow
	Amount    *big.Int       // Amount to borrow
	Data      []byte         // Opaque payload passed to the callback
}

// Receipt records one committed loan
type Receipt struct {
	ID           uuid.UUID
	Lender       string
	Pool         string
	Initiator    common.Address
	Receiver     common.Address
	Asset        common.Address
	Amount       *big.Int
	Fee          *big.Int
	RepaymentDue *big.Int
	Surplus      *big.Int
	SurplusTo    common.Address
	Timestamp    time.Time
}

func newReceipt(params FlashLoanParams, fee *big.Int, now time.Time) *Receipt {
	return &Receipt{
		ID:           uuid.New(),
		Initiator:    params.Initiator,
		Receiver:     params.Receiver.Address(),
		Asset:        params.Asset,
		Amount:       math.Clone(params.Amount),
		Fee:          math.Clone(fee),
		RepaymentDue: math.Sum(params.Amount, fee),
		Surplus:      new(big.Int),
		Timestamp:    now,
	}
}
