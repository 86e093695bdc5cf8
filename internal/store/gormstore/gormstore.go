package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nper79/clothing-sub001/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintUserIdempotencyKey = "uniq_credit_transactions_user_idem"
	defaultMetadataJSON          = "{}"
	sqliteConstraintUniqueCode   = 2067
	errorSubjectAccount          = "account"
	errorSubjectTransaction      = "transaction"
	errorCodeAdd                 = "add"
	errorCodeDeduct              = "deduct"
	errorCodeDuplicate           = "duplicate"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db           *gorm.DB
	lastSequence atomic.Int64
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the credit tables.
func (store *Store) AutoMigrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return ledger.WrapStoreError("schema", "migrate", err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID ledger.UserID, startingBalance ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	at := unixToTime(atUnixUTC)
	seed := CreditAccount{
		UserID:    userID.String(),
		Credits:   startingBalance.Int64(),
		CreatedAt: at,
		UpdatedAt: at,
	}
	db := store.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&seed).Error
	if err != nil {
		return ledger.Account{}, ledger.WrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	var account CreditAccount
	if err := db.Where("user_id = ?", userID.String()).Take(&account).Error; err != nil {
		return ledger.Account{}, ledger.WrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

func (store *Store) AddBalance(ctx context.Context, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	var account ledger.Account
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := addBalance(tx, userID, amount, atUnixUTC)
		if err != nil {
			return err
		}
		account = updated
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return account, nil
}

// DeductBalance subtracts amount in a single conditional update so concurrent callers can
// never drive the balance below zero.
func (store *Store) DeductBalance(ctx context.Context, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	var account ledger.Account
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&CreditAccount{}).
			Where("user_id = ? AND credits >= ?", userID.String(), amount.Int64()).
			Updates(map[string]any{
				"credits":    gorm.Expr("credits - ?", amount.Int64()),
				"updated_at": unixToTime(atUnixUTC),
			})
		if result.Error != nil {
			return ledger.WrapStoreError(errorSubjectAccount, errorCodeDeduct, result.Error)
		}
		loaded, err := loadAccount(tx, userID)
		if err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			return ledger.WrapError("store", errorSubjectAccount, errorCodeDeduct, ledger.ErrInsufficientCredits)
		}
		account = loaded
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return account, nil
}

// AddBalanceOnce inserts the keyed transaction and applies its delta in one database
// transaction; the unique (user_id, idempotency_key) index rejects replays.
func (store *Store) AddBalanceOnce(ctx context.Context, transaction ledger.Transaction) (ledger.Account, error) {
	if transaction.Delta <= 0 {
		return ledger.Account{}, ledger.WrapError("store", errorSubjectTransaction, errorCodeInvalid, ledger.ErrInvalidAmount)
	}
	row, err := newTransactionRow(transaction)
	if err != nil {
		return ledger.Account{}, ledger.WrapError("store", errorSubjectTransaction, errorCodeInvalid, err)
	}
	row.Sequence = store.nextSequence()
	var account ledger.Account
	err = store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := insertTransaction(tx, row); err != nil {
			return err
		}
		updated, err := addBalance(tx, transaction.UserID, ledger.Credits(transaction.Delta), transaction.CreatedUnixUTC)
		if err != nil {
			return err
		}
		account = updated
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return account, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	row, err := newTransactionRow(transaction)
	if err != nil {
		return ledger.WrapError("store", errorSubjectTransaction, errorCodeInvalid, err)
	}
	row.Sequence = store.nextSequence()
	return insertTransaction(store.db.WithContext(ctx), row)
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC, sequence DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, ledger.WrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, ledger.WrapError("store", errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// nextSequence returns a strictly increasing insertion order for transaction rows, so rows
// sharing a created_at second still list newest first.
func (store *Store) nextSequence() int64 {
	for {
		last := store.lastSequence.Load()
		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if store.lastSequence.CompareAndSwap(last, next) {
			return next
		}
	}
}

// addBalance only matches rows with headroom for amount, so the sum never leaves int64.
func addBalance(tx *gorm.DB, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Account, error) {
	if amount <= 0 {
		return ledger.Account{}, ledger.WrapError("store", errorSubjectAccount, errorCodeAdd, ledger.ErrInvalidAmount)
	}
	result := tx.Model(&CreditAccount{}).
		Where("user_id = ? AND credits <= ?", userID.String(), (ledger.MaxCredits - amount).Int64()).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits + ?", amount.Int64()),
			"updated_at": unixToTime(atUnixUTC),
		})
	if result.Error != nil {
		if isNumericOverflow(result.Error) {
			return ledger.Account{}, ledger.WrapError("store", errorSubjectAccount, errorCodeAdd, ledger.ErrInvalidAmount)
		}
		return ledger.Account{}, ledger.WrapStoreError(errorSubjectAccount, errorCodeAdd, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := loadAccount(tx, userID); err != nil {
			return ledger.Account{}, err
		}
		return ledger.Account{}, ledger.WrapError("store", errorSubjectAccount, errorCodeAdd,
			fmt.Errorf("%w: balance would exceed %d", ledger.ErrInvalidAmount, ledger.MaxCredits))
	}
	return loadAccount(tx, userID)
}

func loadAccount(tx *gorm.DB, userID ledger.UserID) (ledger.Account, error) {
	var account CreditAccount
	err := tx.Where("user_id = ?", userID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, ledger.WrapError("store", errorSubjectAccount, errorCodeLookup, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, ledger.WrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

func insertTransaction(tx *gorm.DB, row CreditTransaction) error {
	err := tx.Create(&row).Error
	if isIdempotencyConflict(err) {
		return ledger.WrapError("store", errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.WrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func newTransactionRow(transaction ledger.Transaction) (CreditTransaction, error) {
	metadata, err := transaction.Metadata.JSON()
	if err != nil {
		return CreditTransaction{}, err
	}
	var idempotencyKey *string
	if !transaction.IdempotencyKey.IsZero() {
		value := transaction.IdempotencyKey.String()
		idempotencyKey = &value
	}
	return CreditTransaction{
		TransactionID:  transaction.TransactionID,
		UserID:         transaction.UserID.String(),
		Delta:          transaction.Delta,
		Reason:         transaction.Reason.String(),
		Metadata:       datatypesJSON(metadata),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      unixToTime(transaction.CreatedUnixUTC),
	}, nil
}

func mapAccount(row CreditAccount) (ledger.Account, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Account{}, ledger.WrapError("store", errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := ledger.NewCredits(row.Credits)
	if err != nil {
		return ledger.Account{}, ledger.WrapError("store", errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		UserID:         userID,
		Balance:        balance,
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	reason, err := ledger.NewReason(row.Reason)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.ParseMetadata(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	var idempotencyKey ledger.IdempotencyKey
	if row.IdempotencyKey != nil {
		idempotencyKey, err = ledger.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	return ledger.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         userID,
		Delta:          row.Delta,
		Reason:         reason,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func unixToTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == constraintUserIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintUniqueCode
	}
	return false
}

func isNumericOverflow(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.NumericValueOutOfRange
}
