package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/example/scheduled-ledger/internal/ledger"
	"github.com/example/scheduled-ledger/internal/security"
)

const transactionIDHeader = "X-Transaction-ID"

type submitTransactionResponse struct {
	CorrelationID string                   `json:"correlation_id"`
	TransactionID string                   `json:"transaction_id"`
	Status        ledger.TransactionStatus `json:"status"`
}

type transactionResponse struct {
	CorrelationID string             `json:"correlation_id"`
	Transaction   ledger.Transaction `json:"transaction"`
}

type listAccountsResponse struct {
	CorrelationID string           `json:"correlation_id"`
	Accounts      []ledger.Account `json:"accounts"`
}

type accountResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Account       ledger.Account `json:"account"`
}

type historyBucket struct {
	Bucket       string               `json:"bucket"`
	Transactions []ledger.Transaction `json:"transactions"`
}

type historyResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Buckets       []historyBucket `json:"buckets"`
}

func handleSubmitTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		req, err := decodeSubmitRequest(r)
		if err != nil {
			security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}

		id, err := deps.Ledger.Submit(r.Context(), req)
		if err != nil {
			writeLedgerError(w, r, deps, err)
			return
		}

		status := ledger.StatusPending
		if tx, ok := deps.Ledger.GetTransaction(id); ok {
			status = tx.Status
		}

		w.Header().Set(transactionIDHeader, id)
		writeJSON(w, r, http.StatusCreated, submitTransactionResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			TransactionID: id,
			Status:        status,
		})
	}
}

// decodeSubmitRequest keeps scheduled_time and amount as their literal text whether
// they arrived as JSON strings or numbers.
func decodeSubmitRequest(r *http.Request) (ledger.SubmitRequest, error) {
	var raw map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return ledger.SubmitRequest{}, err
	}

	req := ledger.SubmitRequest{}
	fields := []struct {
		key string
		dst *string
	}{
		{"scheduled_time", &req.ScheduledTime},
		{"type", &req.Type},
		{"credit_account_id", &req.CreditAccountID},
		{"debit_account_id", &req.DebitAccountID},
		{"amount", &req.Amount},
	}
	for _, f := range fields {
		switch v := raw[f.key].(type) {
		case nil:
		case string:
			*f.dst = v
		case json.Number:
			*f.dst = v.String()
		default:
			return ledger.SubmitRequest{}, fmt.Errorf("%s has an unsupported type", f.key)
		}
	}
	return req, nil
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, deps Dependencies, err error) {
	code := ledger.ErrorCode(err)
	switch code {
	case "invalid_input", "invalid_time", "invalid_type", "unknown_account", "invalid_amount", "past_scheduling":
		security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, code, err.Error())
	case "ledger_unavailable":
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, code)
	default:
		deps.Logger.Error("submit_failed",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"error", err,
		)
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func handleGetTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		tx, ok := deps.Ledger.GetTransaction(chi.URLParam(r, "id"))
		if !ok {
			security.WriteJSONError(w, r, http.StatusNotFound, "transaction_not_found")
			return
		}

		writeJSON(w, r, http.StatusOK, transactionResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transaction:   tx,
		})
	}
}

func handleListAccounts(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		writeJSON(w, r, http.StatusOK, listAccountsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Accounts:      deps.Ledger.ListAccounts(),
		})
	}
}

func handleGetAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		account, ok := deps.Ledger.GetAccount(chi.URLParam(r, "id"))
		if !ok {
			security.WriteJSONError(w, r, http.StatusNotFound, "account_not_found")
			return
		}

		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       account,
		})
	}
}

func handleHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ledger == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}

		history := deps.Ledger.GetHistory()
		buckets := make([]historyBucket, 0, len(history))
		for key, txs := range history {
			b := historyBucket{Bucket: key.String(), Transactions: make([]ledger.Transaction, 0, len(txs))}
			for _, tx := range txs {
				b.Transactions = append(b.Transactions, tx)
			}
			sort.Slice(b.Transactions, func(i, j int) bool { return b.Transactions[i].ID < b.Transactions[j].ID })
			buckets = append(buckets, b)
		}
		sort.Slice(buckets, func(i, j int) bool { return buckets[i].Bucket < buckets[j].Bucket })

		writeJSON(w, r, http.StatusOK, historyResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Buckets:       buckets,
		})
	}
}
