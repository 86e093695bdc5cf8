package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nper79/clothing-sub001/pkg/ledger"
)

const (
	constraintUserIdempotencyKey = "uniq_credit_transactions_user_idem"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectTransaction      = "transaction"
	errorCodeAdd                 = "add"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeDeduct              = "deduct"
	errorCodeDuplicate           = "duplicate"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"

	sqlInsertOrGetAccount = `
		insert into credit_accounts(user_id, credits, created_at, updated_at)
		values ($1, $2, to_timestamp($3), to_timestamp($3))
		on conflict (user_id) do update set user_id = excluded.user_id
		returning user_id, credits, extract(epoch from updated_at)::bigint
	`

	sqlAddBalance = `
		update credit_accounts
		set credits = credits + $2, updated_at = to_timestamp($3)
		where user_id = $1 and credits <= $4
		returning user_id, credits, extract(epoch from updated_at)::bigint
	`

	sqlDeductBalance = `
		update credit_accounts
		set credits = credits - $2, updated_at = to_timestamp($3)
		where user_id = $1 and credits >= $2
		returning user_id, credits, extract(epoch from updated_at)::bigint
	`

	sqlAccountExists = `
		select exists(select 1 from credit_accounts where user_id = $1)
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, delta, reason, metadata, idempotency_key, created_at
		)
		values (
			$1, $2, $3, $4,
			coalesce(nullif($5,''),'{}')::jsonb,
			nullif($6,''),
			to_timestamp($7)
		)
	`

	sqlListTransactions = `
		select
			transaction_id::text,
			user_id,
			delta,
			reason,
			coalesce(metadata::text,'{}'),
			coalesce(idempotency_key,''),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1
		order by created_at desc, sequence desc
		limit $2
	`
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements ledger.Store over pgx.
type Store struct {
	db DBTX
}

// New returns a Store backed by db.
func New(db DBTX) *Store {
	return &Store{db: db}
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID ledger.UserID, startingBalance ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	row := store.db.QueryRow(ctx, sqlInsertOrGetAccount, userID.String(), startingBalance.Int64(), atUnixUTC)
	account, err := scanAccount(row)
	if err != nil {
		return ledger.Account{}, wrapScanError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) AddBalance(ctx context.Context, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	return addBalance(ctx, store.db, userID, amount, atUnixUTC)
}

// DeductBalance subtracts amount with a single conditional update.
func (store *Store) DeductBalance(ctx context.Context, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	row := store.db.QueryRow(ctx, sqlDeductBalance, userID.String(), amount.Int64(), atUnixUTC)
	account, err := scanAccount(row)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapScanError(errorSubjectAccount, errorCodeDeduct, err)
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlAccountExists, userID.String()).Scan(&exists); err != nil {
		return ledger.Account{}, ledger.WrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	if !exists {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeDeduct, ledger.ErrUnknownAccount)
	}
	return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeDeduct, ledger.ErrInsufficientCredits)
}

// AddBalanceOnce inserts the keyed transaction and applies its delta in one database
// transaction.
func (store *Store) AddBalanceOnce(ctx context.Context, transaction ledger.Transaction) (ledger.Account, error) {
	if transaction.Delta <= 0 {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeInvalid, ledger.ErrInvalidAmount)
	}
	tx, err := store.db.Begin(ctx)
	if err != nil {
		return ledger.Account{}, ledger.WrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertTransaction(ctx, tx, transaction); err != nil {
		return ledger.Account{}, err
	}
	account, err := addBalance(ctx, tx, transaction.UserID, ledger.Credits(transaction.Delta), transaction.CreatedUnixUTC)
	if err != nil {
		return ledger.Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Account{}, ledger.WrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return account, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	return insertTransaction(ctx, store.db, transaction)
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), limit)
	if err != nil {
		return nil, ledger.WrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions, err := pgx.CollectRows(rows, rowToTransaction)
	if err != nil {
		return nil, wrapScanError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

// addBalance only matches rows with headroom for amount, so the sum never leaves bigint.
func addBalance(ctx context.Context, db DBTX, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	if amount <= 0 {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeAdd, ledger.ErrInvalidAmount)
	}
	row := db.QueryRow(ctx, sqlAddBalance, userID.String(), amount.Int64(), atUnixUTC, (ledger.MaxCredits - amount).Int64())
	account, err := scanAccount(row)
	if err == nil {
		return account, nil
	}
	if isNumericOverflow(err) {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeAdd, ledger.ErrInvalidAmount)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapScanError(errorSubjectAccount, errorCodeAdd, err)
	}
	var exists bool
	if err := db.QueryRow(ctx, sqlAccountExists, userID.String()).Scan(&exists); err != nil {
		return ledger.Account{}, ledger.WrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	if !exists {
		return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeAdd, ledger.ErrUnknownAccount)
	}
	return ledger.Account{}, ledger.WrapError(errorOperationStore, errorSubjectAccount, errorCodeAdd,
		fmt.Errorf("%w: balance would exceed %d", ledger.ErrInvalidAmount, ledger.MaxCredits))
}

func insertTransaction(ctx context.Context, db DBTX, transaction ledger.Transaction) error {
	metadata, err := transaction.Metadata.JSON()
	if err != nil {
		return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeInvalid, err)
	}
	_, err = db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.UserID.String(),
		transaction.Delta,
		transaction.Reason.String(),
		metadata,
		transaction.IdempotencyKey.String(),
		transaction.CreatedUnixUTC,
	)
	if isIdempotencyConflict(err) {
		return ledger.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.WrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		userIDValue string
		credits     int64
		updatedAt   int64
	)
	if err := row.Scan(&userIDValue, &credits, &updatedAt); err != nil {
		return ledger.Account{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewCredits(credits)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{UserID: userID, Balance: balance, UpdatedUnixUTC: updatedAt}, nil
}

func rowToTransaction(row pgx.CollectableRow) (ledger.Transaction, error) {
	var (
		transactionID  string
		userIDValue    string
		delta          int64
		reasonValue    string
		metadataValue  string
		idempotencyKey string
		createdAt      int64
	)
	if err := row.Scan(&transactionID, &userIDValue, &delta, &reasonValue, &metadataValue, &idempotencyKey, &createdAt); err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	reason, err := ledger.NewReason(reasonValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.ParseMetadata(metadataValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var key ledger.IdempotencyKey
	if idempotencyKey != "" {
		key, err = ledger.NewIdempotencyKey(idempotencyKey)
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	return ledger.Transaction{
		TransactionID:  transactionID,
		UserID:         userID,
		Delta:          delta,
		Reason:         reason,
		Metadata:       metadata,
		IdempotencyKey: key,
		CreatedUnixUTC: createdAt,
	}, nil
}

// wrapScanError separates rows that failed domain validation from driver failures.
func wrapScanError(subject string, code string, err error) error {
	if ledger.IsInvalidArgument(err) {
		return ledger.WrapError(errorOperationStore, subject, errorCodeInvalid, err)
	}
	return ledger.WrapStoreError(subject, code, err)
}

func isNumericOverflow(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.NumericValueOutOfRange
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == constraintUserIdempotencyKey
	}
	return false
}
