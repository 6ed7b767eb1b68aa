package payments

import (
	"net/http"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// checkSufficiency decides whether the recorded coins settle the contract.
// The checks run in a fixed order; the first failure determines the error.
//
// The rule set: every coin's deposit fee must fit inside its contribution;
// all wire fees must share one currency; wire fees beyond max_wire_fee are
// amortized onto the customer; deposit fees beyond max_fee are charged to
// the customer, while deposit-fee savings below max_fee offset the
// customer's wire-fee share first.
func checkSufficiency(ct *types.ContractTerms, recs []types.PaidCoinRecord, wireFees map[string]types.Amount, totalRefunded types.Amount, amortization uint64) *types.RequestError {
	internal := func(err error) *types.RequestError {
		return types.NewRequestError(http.StatusInternalServerError, types.CodeInternalLogicError, err.Error())
	}

	if len(recs) == 0 {
		return types.NewRequestError(http.StatusNotAcceptable, types.CodePaymentInsufficient,
			"no coins were accepted")
	}

	var accAmount, accFee types.Amount
	for _, rec := range recs {
		if cmp, err := rec.DepositFee.Cmp(rec.AmountWithFee); err != nil {
			return internal(err)
		} else if cmp > 0 {
			return types.NewRequestError(http.StatusNotAcceptable, types.CodeFeesExceedPayment,
				"a coin's deposit fee exceeds its contribution").
				WithDetail("coin_pub", rec.CoinPub.String())
		}
		var err error
		if accAmount, err = accAmount.Add(rec.AmountWithFee); err != nil {
			return internal(err)
		}
		if accFee, err = accFee.Add(rec.DepositFee); err != nil {
			return internal(err)
		}
	}

	// One wire fee per distinct exchange used.
	var totalWireFee types.Amount
	for _, fee := range wireFees {
		var err error
		if totalWireFee, err = totalWireFee.Add(fee); err != nil {
			return types.NewRequestError(http.StatusConflict, types.CodeWireFeeCurrencyMismatch,
				"exchanges charge wire fees in different currencies")
		}
	}

	wireFeeExcess, err := totalWireFee.SubOrZero(ct.MaxWireFee)
	if err != nil {
		return internal(err)
	}
	if amortization == 0 {
		amortization = 1
	}
	customerWireContribution, err := wireFeeExcess.Div64(amortization)
	if err != nil {
		return internal(err)
	}

	effectivePaid, err := accAmount.SubOrZero(totalRefunded)
	if err != nil {
		return internal(err)
	}

	feeCmp, err := accFee.Cmp(ct.MaxFee)
	if err != nil {
		return internal(err)
	}
	if feeCmp >= 0 {
		// Deposit fees at or beyond max_fee leave no savings; the excess
		// and the wire-fee share are the customer's to cover on top of the
		// amount.
		excessFee, err := accFee.Sub(ct.MaxFee)
		if err != nil {
			return internal(err)
		}
		required, err := ct.Amount.Add(excessFee)
		if err != nil {
			return internal(err)
		}
		if required, err = required.Add(customerWireContribution); err != nil {
			return internal(err)
		}
		if cmp, err := effectivePaid.Cmp(required); err != nil {
			return internal(err)
		} else if cmp < 0 {
			return types.NewRequestError(http.StatusNotAcceptable, types.CodePaymentInsufficientDueToFees,
				"payment does not cover the amount plus uncovered fees")
		}
		return nil
	}

	// The merchant's deposit-fee savings offset the customer's wire-fee
	// share before anything is charged.
	savings, err := ct.MaxFee.Sub(accFee)
	if err != nil {
		return internal(err)
	}
	remaining, err := customerWireContribution.SubOrZero(savings)
	if err != nil {
		return internal(err)
	}
	effectivePaid, err = effectivePaid.SubOrZero(remaining)
	if err != nil {
		return internal(err)
	}
	if cmp, err := effectivePaid.Cmp(ct.Amount); err != nil {
		return internal(err)
	} else if cmp < 0 {
		return types.NewRequestError(http.StatusNotAcceptable, types.CodePaymentInsufficient,
			"payment does not cover the contract amount")
	}
	return nil
}
