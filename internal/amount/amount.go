// Package amount converts stored amounts into the expense-positive form used by
// budgeting. Nothing here touches storage; stored amounts keep the sign their
// source gave them.
package amount

import (
	"github.com/shopspring/decimal"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/database/repository"
)

// Canonical negates amount when the account asks for inversion.
func Canonical(amount decimal.Decimal, account repository.Account) decimal.Decimal {
	if account.InvertAmounts {
		return amount.Neg()
	}
	return amount
}

// Expense returns the expense-positive amount of txn.
//
// Synced rows already carry the provider's expense-positive sign and pass
// through. Imported rows are canonicalized and then mapped by account type:
// asset accounts record spending as negative, liabilities as positive.
func Expense(txn repository.Transaction, account repository.Account) (decimal.Decimal, error) {
	if txn.Source != repository.SourceImport {
		return txn.Amount, nil
	}
	canonical := Canonical(txn.Amount, account)
	switch account.Type {
	case repository.AccountTypeBank, repository.AccountTypeCash:
		return canonical.Neg(), nil
	case repository.AccountTypeCreditCard, repository.AccountTypeLoan:
		return canonical, nil
	}
	return decimal.Zero, apperr.New(apperr.CodeUnsupportedAccountType, "unsupported account type %q for account %s", account.Type, account.ID)
}

// Sum adds amounts exactly.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
