package amount

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/database/repository"
)

func TestExpense(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		source  repository.Source
		typ     repository.AccountType
		invert  bool
		amount  string
		want    string
		wantErr apperr.Code
	}{
		{name: "import bank debit", source: repository.SourceImport, typ: repository.AccountTypeBank, amount: "-42", want: "42"},
		{name: "import bank inverted", source: repository.SourceImport, typ: repository.AccountTypeBank, invert: true, amount: "-42", want: "-42"},
		{name: "import credit card charge", source: repository.SourceImport, typ: repository.AccountTypeCreditCard, amount: "42", want: "42"},
		{name: "import credit card inverted", source: repository.SourceImport, typ: repository.AccountTypeCreditCard, invert: true, amount: "42", want: "-42"},
		{name: "import cash", source: repository.SourceImport, typ: repository.AccountTypeCash, amount: "-3.50", want: "3.5"},
		{name: "import loan", source: repository.SourceImport, typ: repository.AccountTypeLoan, amount: "100.01", want: "100.01"},
		{name: "sync passes through", source: repository.SourceSync, typ: repository.AccountTypeBank, amount: "42", want: "42"},
		{name: "sync ignores inversion", source: repository.SourceSync, typ: repository.AccountTypeCreditCard, invert: true, amount: "-42", want: "-42"},
		{name: "import unknown type", source: repository.SourceImport, typ: "brokerage", amount: "1", wantErr: apperr.CodeUnsupportedAccountType},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			acct := repository.Account{ID: "a", Type: tt.typ, InvertAmounts: tt.invert}
			txn := repository.Transaction{Source: tt.source, Amount: decimal.RequireFromString(tt.amount)}

			got, err := Expense(txn, acct)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, apperr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s want %s", got, tt.want)

			again, err := Expense(txn, acct)
			require.NoError(t, err)
			assert.True(t, got.Equal(again))
		})
	}
}

func TestCanonical(t *testing.T) {
	t.Parallel()
	v := decimal.RequireFromString("12.34")
	assert.True(t, v.Equal(Canonical(v, repository.Account{})))
	assert.True(t, v.Neg().Equal(Canonical(v, repository.Account{InvertAmounts: true})))
	assert.True(t, decimal.RequireFromString("0.3").Equal(Sum(decimal.RequireFromString("0.1"), decimal.RequireFromString("0.2"))))
}
