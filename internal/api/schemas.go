package api

// submitTransactionSchema checks shape only; the ledger decides whether the values make
// sense. Numbers are typed "number", never "integer": an integer check converts the
// literal to an exact rational, which is unbounded work for exponent forms.
const submitTransactionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["scheduled_time", "type", "credit_account_id", "debit_account_id", "amount"],
  "properties": {
    "scheduled_time": {"type": ["string", "number"], "maxLength": 64},
    "type": {"type": "string"},
    "credit_account_id": {"type": "string", "maxLength": 128},
    "debit_account_id": {"type": "string", "maxLength": 128},
    "amount": {"type": ["string", "number"], "maxLength": 64}
  }
}`
