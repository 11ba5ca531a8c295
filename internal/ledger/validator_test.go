package ledger

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() SubmitRequest {
	return SubmitRequest{
		ScheduledTime:   t0.Add(time.Minute).Format(time.RFC3339),
		Type:            "FUND",
		CreditAccountID: "A",
		DebitAccountID:  "B",
		Amount:          "10",
	}
}

func TestValidateSubmission(t *testing.T) {
	v := NewValidator(seededAccounts(t), NewStore())

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
		want   error
		field  string
	}{
		{"valid", func(*SubmitRequest) {}, nil, ""},
		{"missing time", func(r *SubmitRequest) { r.ScheduledTime = "" }, ErrInvalidInput, "scheduled_time"},
		{"missing amount", func(r *SubmitRequest) { r.Amount = " " }, ErrInvalidInput, "amount"},
		{"malformed time", func(r *SubmitRequest) { r.ScheduledTime = "tomorrow" }, ErrInvalidTime, "scheduled_time"},
		{"bad type", func(r *SubmitRequest) { r.Type = "WITHDRAW" }, ErrInvalidType, "type"},
		{"lowercase type", func(r *SubmitRequest) { r.Type = "fund" }, ErrInvalidType, "type"},
		{"unknown credit", func(r *SubmitRequest) { r.CreditAccountID = "Z" }, ErrUnknownAccount, "credit_account_id"},
		{"unknown debit", func(r *SubmitRequest) { r.DebitAccountID = "Z" }, ErrUnknownAccount, "debit_account_id"},
		{"non-numeric amount", func(r *SubmitRequest) { r.Amount = "ten" }, ErrInvalidAmount, "amount"},
		{"huge exponent", func(r *SubmitRequest) { r.Amount = "1e400000000" }, ErrInvalidAmount, "amount"},
		{"tiny exponent", func(r *SubmitRequest) { r.Amount = "1e-400000000" }, ErrInvalidAmount, "amount"},
		{"too many digits", func(r *SubmitRequest) { r.Amount = strings.Repeat("9", 39) }, ErrInvalidAmount, "amount"},
		{"too many decimals", func(r *SubmitRequest) { r.Amount = "0." + strings.Repeat("1", 19) }, ErrInvalidAmount, "amount"},
		{"large exponent overflows digits", func(r *SubmitRequest) { r.Amount = strings.Repeat("9", 21) + "e18" }, ErrInvalidAmount, "amount"},
		{"largest accepted amount", func(r *SubmitRequest) { r.Amount = strings.Repeat("9", 20) + "." + strings.Repeat("9", 18) }, nil, ""},
		{"exponent form in range", func(r *SubmitRequest) { r.Amount = "1.5e2" }, nil, ""},
		{"past", func(r *SubmitRequest) { r.ScheduledTime = t0.Add(-time.Second).Format(time.RFC3339) }, ErrPastScheduling, "scheduled_time"},
		{"unix millis", func(r *SubmitRequest) { r.ScheduledTime = "1704110460000" }, nil, ""},
		{"now is not past", func(r *SubmitRequest) { r.ScheduledTime = t0.Format(time.RFC3339) }, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			sub, err := v.ValidateSubmission(req, t0)
			if tt.want == nil {
				require.NoError(t, err)
				require.NotNil(t, sub)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateSubmission_CheckOrder(t *testing.T) {
	v := NewValidator(seededAccounts(t), NewStore())

	// unknown account is reported before a bad amount and a past time
	req := SubmitRequest{
		ScheduledTime:   t0.Add(-time.Hour).Format(time.RFC3339),
		Type:            "REFUND",
		CreditAccountID: "Z",
		DebitAccountID:  "B",
		Amount:          "abc",
	}
	_, err := v.ValidateSubmission(req, t0)
	assert.ErrorIs(t, err, ErrUnknownAccount)

	req.CreditAccountID = "A"
	_, err = v.ValidateSubmission(req, t0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	req.Amount = "1"
	_, err = v.ValidateSubmission(req, t0)
	assert.ErrorIs(t, err, ErrPastScheduling)
	assert.True(t, IsSchedulingError(err))
}

func TestValidateSubmission_AcceptsNonPositiveAmounts(t *testing.T) {
	v := NewValidator(seededAccounts(t), NewStore())

	for _, amount := range []string{"0", "-5"} {
		req := validRequest()
		req.Amount = amount
		sub, err := v.ValidateSubmission(req, t0)
		require.NoError(t, err, amount)
		assert.True(t, sub.Amount.Equal(dec(amount)))
	}
}

func TestValidateExecution(t *testing.T) {
	accounts := seededAccounts(t)
	store := newTestStore()
	v := NewValidator(accounts, store)

	ok := insertPending(t, store, t0, "100")
	tooMuch := insertPending(t, store, t0, "100.01")
	zero := insertPending(t, store, t0, "0")
	negative := insertPending(t, store, t0, "-1")

	res := v.ValidateExecution(ok.ID)
	assert.True(t, res.IsValid)
	assert.Equal(t, "execution", res.ValidationType)

	res = v.ValidateExecution(tooMuch.ID)
	assert.False(t, res.IsValid)
	assert.Equal(t, "insufficient_funds", res.ValidationType)
	assert.Contains(t, res.Message, ErrInsufficientFunds.Error())

	res = v.ValidateExecution(zero.ID)
	assert.False(t, res.IsValid)
	assert.Equal(t, "transaction_amount", res.ValidationType)

	res = v.ValidateExecution(negative.ID)
	assert.False(t, res.IsValid)
	assert.Equal(t, "transaction_amount", res.ValidationType)

	res = v.ValidateExecution("missing")
	assert.False(t, res.IsValid)
	assert.Equal(t, "transaction_exists", res.ValidationType)
}

func TestValidateExecution_NegativeCreditBalance(t *testing.T) {
	accounts := NewAccounts()
	accounts.Seed(Account{ID: "A", Balance: dec("-1")}, Account{ID: "B"})
	store := newTestStore()
	v := NewValidator(accounts, store)

	tx := insertPending(t, store, t0, "1")

	res := v.ValidateExecution(tx.ID)
	assert.False(t, res.IsValid)
	assert.Equal(t, "credit_balance", res.ValidationType)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, "invalid_input", ErrorCode(&ValidationError{Field: "type", Err: ErrInvalidInput}))
	assert.Equal(t, "invalid_time", ErrorCode(&ValidationError{Field: "scheduled_time", Err: ErrInvalidTime}))
	assert.Equal(t, "past_scheduling", ErrorCode(ErrPastScheduling))
	assert.Equal(t, "unknown_account", ErrorCode(ErrUnknownAccount))
	assert.Equal(t, "ledger_unavailable", ErrorCode(ErrNotInitialized))
	assert.Equal(t, "internal_error", ErrorCode(errors.New("boom")))
}
