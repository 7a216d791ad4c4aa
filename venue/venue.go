// Package venue abstracts the execution venues. Adapters translate the
// coordinator's close protocol (cancel protective orders, market close,
// confirm fill) into venue-specific API calls.
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nmdc00/Thufir-Hawat-sub003/ledger"
)

// ErrRejected order was actively refused by the venue (margin, size filter,
// bad symbol). Retryable at the coordinator's discretion.
var ErrRejected = errors.New("order rejected")

// ErrOutcomeUnknown the venue call failed in a way that leaves the order
// outcome ambiguous (timeout, disconnect, 5xx). The caller must reconcile
// against venue state before acting again.
var ErrOutcomeUnknown = errors.New("order outcome unknown")

// CancelOutcome result of cancelling a protective order
type CancelOutcome int

const (
	CancelConfirmed CancelOutcome = iota
	// CancelAlreadyFilled the order executed before the cancel landed; the
	// fill IS the position close and no further close order may be sent
	CancelAlreadyFilled
	CancelFailed
)

func (c CancelOutcome) String() string {
	switch c {
	case CancelConfirmed:
		return "confirmed"
	case CancelAlreadyFilled:
		return "already_filled"
	default:
		return "failed"
	}
}

// OrderRequest a market order to submit
type OrderRequest struct {
	Symbol        string
	Side          ledger.Side
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult venue acknowledgement of a submitted order
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        string
	AvgPrice      float64
	ExecutedQty   float64
	FeeUsd        float64
}

// Position one open position as the venue reports it
type Position struct {
	Symbol           string
	Side             ledger.Side
	Size             float64
	EntryPrice       float64
	MarkPrice        float64
	Leverage         int
	UnrealizedPnl    float64
	LiquidationPrice float64
}

// Order one resting order as the venue reports it
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          ledger.Side
	Type          string
	Quantity      float64
	StopPrice     float64
	Status        string
}

// Fill executed-order details used to settle a close
type Fill struct {
	OrderID  string
	Symbol   string
	AvgPrice float64
	Quantity float64
	FeeUsd   float64
	Time     time.Time
}

// Adapter venue-specific execution surface. All calls take a context; the
// coordinator applies its own deadlines and retries.
type Adapter interface {
	Name() string

	// PlaceMarketOrder submits a market order. Errors wrap ErrRejected when
	// the venue refused it, ErrOutcomeUnknown when the result is ambiguous.
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CancelOrder cancels a resting order by venue order id
	CancelOrder(ctx context.Context, symbol, orderID string) (CancelOutcome, error)

	// OpenPositions lists all non-zero positions
	OpenPositions(ctx context.Context) ([]Position, error)

	// OpenOrders lists resting orders for a symbol
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// FillForOrder fetches execution details for an order, nil if not filled
	FillForOrder(ctx context.Context, symbol, orderID string) (*Fill, error)
}

// CloseSide returns the order side that flattens a position opened on the
// given side
func CloseSide(s ledger.Side) ledger.Side {
	if s == ledger.SideBuy {
		return ledger.SideSell
	}
	return ledger.SideBuy
}

func rejectErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

func unknownErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrOutcomeUnknown, fmt.Sprintf(format, args...))
}
