package ledger

const (
	operationBalance          = "balance"
	operationAdd              = "add"
	operationDeduct           = "deduct"
	operationListTransactions = "list_transactions"
	operationStore            = "store"

	operationStatusOK       = "ok"
	operationStatusRejected = "rejected"
	operationStatusError    = "error"

	metadataKeyLookCount = "look_count"
	metadataKeyPackID    = "pack_id"

	defaultStartingBalance      Credits = 5
	defaultPersonalizedLookCost Credits = 2
	defaultRemixCost            Credits = 1

	defaultListTransactionsLimit = 50
	maxListTransactionsLimit     = 200
)
