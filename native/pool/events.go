package pool

import (
	"math/big"
	"strconv"

	"lendpool/core/types"
	"lendpool/crypto"
)

const (
	EventTypePoolCreated         = "pool.created"
	EventTypeLiquiditySupplied   = "pool.liquidity_supplied"
	EventTypeCollateralDeposited = "pool.collateral_deposited"
	EventTypeAmountBorrowed      = "pool.amount_borrowed"
	EventTypeRepayment           = "pool.repayment"
	EventTypeMarginCalled        = "pool.margin_called"
	EventTypePoolLiquidated      = "pool.liquidated"
	EventTypePoolCancelled       = "pool.cancelled"
	EventTypePoolClosed          = "pool.closed"
	EventTypePoolTerminated      = "pool.terminated"
	EventTypeLiquidityWithdrawn  = "pool.liquidity_withdrawn"
)

func newPoolEvent(eventType string, p *Pool) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"poolId": p.ID,
			"status": p.Vars.Status.String(),
		},
	}
}

func newAmountEvent(eventType string, p *Pool, actor crypto.Address, amount *big.Int) *types.Event {
	event := newPoolEvent(eventType, p)
	event.Attributes["actor"] = actor.String()
	event.Attributes["amount"] = bigString(amount)
	return event
}

func newMarginCallEvent(p *Pool, caller crypto.Address) *types.Event {
	event := newPoolEvent(EventTypeMarginCalled, p)
	event.Attributes["caller"] = caller.String()
	event.Attributes["deadline"] = strconv.FormatInt(p.Vars.MarginCallEndTime, 10)
	return event
}

func newLiquidationEvent(p *Pool, liquidator crypto.Address, paid, seized *big.Int) *types.Event {
	event := newPoolEvent(EventTypePoolLiquidated, p)
	event.Attributes["liquidator"] = liquidator.String()
	event.Attributes["amountPaid"] = bigString(paid)
	event.Attributes["collateralSeized"] = bigString(seized)
	return event
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
