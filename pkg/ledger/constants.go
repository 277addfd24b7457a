package ledger

const (
	operationDebit  = "debit"
	operationSettle = "settle"
	operationVoid   = "void"
	operationCredit = "credit"

	operationStatusOK    = "ok"
	operationStatusError = "error"
	operationStatusNoop  = "noop"
)
