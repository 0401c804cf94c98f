package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// RecordType represents the type of purchase audit record
type RecordType string

const (
	// Purchase event outcomes
	TypePurchaseReceived RecordType = "PURCHASE_RECEIVED"
	TypePurchaseCanceled RecordType = "PURCHASE_CANCELED"
	TypeVerifySucceeded  RecordType = "VERIFY_SUCCEEDED"
	TypeVerifyFailed     RecordType = "VERIFY_FAILED"
	TypeFinishFailed     RecordType = "FINISH_FAILED"
	TypeRestoreRun       RecordType = "RESTORE_RUN"

	// Generic types for extensibility
	TypeSystem RecordType = "system"
)

// PurchaseRecord represents one audit entry in the database
type PurchaseRecord struct {
	ID            int64      `json:"id" db:"id"`
	Type          RecordType `json:"type" db:"type"`
	Message       string     `json:"message" db:"message"`
	Time          int64      `json:"time" db:"time"`
	ProductID     string     `json:"product_id" db:"product_id"`
	TransactionID string     `json:"transaction_id" db:"transaction_id"`
	Account       string     `json:"account" db:"account"`
	Extended      string     `json:"extended" db:"extended"`
}

// QueryCondition represents conditions for querying audit records
type QueryCondition struct {
	Type          RecordType `json:"type,omitempty"`
	ProductID     string     `json:"product_id,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Account       string     `json:"account,omitempty"`
	StartTime     int64      `json:"start_time,omitempty"`
	EndTime       int64      `json:"end_time,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// HistoryModule manages the persistent purchase audit trail
type HistoryModule struct {
	db            *sqlx.DB
	cleanupTicker *time.Ticker
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewHistoryModule creates a new audit module instance
func NewHistoryModule() (*HistoryModule, error) {
	// Get database configuration from environment variables
	dbHost := os.Getenv("POSTGRES_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("POSTGRES_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		dbName = "purchase_audit"
	}

	dbUser := os.Getenv("POSTGRES_USER")
	if dbUser == "" {
		dbUser = "postgres"
	}

	dbPassword := os.Getenv("POSTGRES_PASSWORD")
	if dbPassword == "" {
		dbPassword = "password"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		dbHost, dbPort, dbUser, dbPassword, dbName)

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		glog.Errorf("Failed to connect to PostgreSQL: %v", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		glog.Errorf("Failed to ping PostgreSQL: %v", err)
		return nil, err
	}

	glog.Infof("Connected to PostgreSQL successfully")

	ctx, cancel := context.WithCancel(context.Background())

	module := &HistoryModule{
		db:     db,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := module.initSchema(); err != nil {
		glog.Errorf("Failed to initialize database schema: %v", err)
		return nil, err
	}

	module.startCleanupRoutine()

	return module, nil
}

// initSchema creates the purchase_records table if it doesn't exist
func (hm *HistoryModule) initSchema() error {
	createTableSchema := `
	CREATE TABLE IF NOT EXISTS purchase_records (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(100) NOT NULL,
		message TEXT NOT NULL,
		time BIGINT NOT NULL,
		product_id VARCHAR(255) NOT NULL DEFAULT '',
		transaction_id VARCHAR(255) NOT NULL DEFAULT '',
		account VARCHAR(255) NOT NULL DEFAULT '',
		extended TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`

	_, err := hm.db.Exec(createTableSchema)
	if err != nil {
		glog.Errorf("Failed to create base table: %v", err)
		return err
	}

	indexSchema := `
	CREATE INDEX IF NOT EXISTS idx_purchase_type ON purchase_records(type);
	CREATE INDEX IF NOT EXISTS idx_purchase_product ON purchase_records(product_id);
	CREATE INDEX IF NOT EXISTS idx_purchase_transaction ON purchase_records(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_purchase_account ON purchase_records(account);
	CREATE INDEX IF NOT EXISTS idx_purchase_time ON purchase_records(time);
	`

	_, err = hm.db.Exec(indexSchema)
	if err != nil {
		glog.Errorf("Failed to create indexes: %v", err)
		return err
	}

	glog.Infof("Database schema initialized successfully")
	return nil
}

// StoreRecord stores a new audit record
func (hm *HistoryModule) StoreRecord(record *PurchaseRecord) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}

	if record.Account == "" {
		return fmt.Errorf("account field cannot be empty")
	}

	// Set current timestamp if not provided
	if record.Time == 0 {
		record.Time = time.Now().Unix()
	}

	// Validate extended field is valid JSON
	if record.Extended != "" {
		var temp interface{}
		if err := json.Unmarshal([]byte(record.Extended), &temp); err != nil {
			glog.Warningf("Invalid JSON in extended field, storing as plain text: %v", err)
		}
	}

	query := `
		INSERT INTO purchase_records (type, message, time, product_id, transaction_id, account, extended)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := hm.db.QueryRow(query, record.Type, record.Message, record.Time,
		record.ProductID, record.TransactionID, record.Account, record.Extended).Scan(&record.ID)
	if err != nil {
		glog.Errorf("Failed to store purchase record: %v", err)
		return err
	}

	glog.Infof("Stored purchase record with ID: %d, type: %s, transaction: %s, account: %s",
		record.ID, record.Type, record.TransactionID, record.Account)
	return nil
}

// QueryRecords queries audit records based on conditions
func (hm *HistoryModule) QueryRecords(condition *QueryCondition) ([]*PurchaseRecord, error) {
	if condition == nil {
		condition = &QueryCondition{}
	}

	if condition.Limit <= 0 {
		condition.Limit = 100
	}

	query := "SELECT id, type, message, time, product_id, transaction_id, account, extended FROM purchase_records WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if condition.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIndex)
		args = append(args, condition.Type)
		argIndex++
	}

	if condition.ProductID != "" {
		query += fmt.Sprintf(" AND product_id = $%d", argIndex)
		args = append(args, condition.ProductID)
		argIndex++
	}

	if condition.TransactionID != "" {
		query += fmt.Sprintf(" AND transaction_id = $%d", argIndex)
		args = append(args, condition.TransactionID)
		argIndex++
	}

	if condition.Account != "" {
		query += fmt.Sprintf(" AND account = $%d", argIndex)
		args = append(args, condition.Account)
		argIndex++
	}

	if condition.StartTime > 0 {
		query += fmt.Sprintf(" AND time >= $%d", argIndex)
		args = append(args, condition.StartTime)
		argIndex++
	}

	if condition.EndTime > 0 {
		query += fmt.Sprintf(" AND time <= $%d", argIndex)
		args = append(args, condition.EndTime)
		argIndex++
	}

	query += " ORDER BY time DESC"

	if condition.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, condition.Limit)
		argIndex++
	}

	if condition.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, condition.Offset)
		argIndex++
	}

	rows, err := hm.db.Query(query, args...)
	if err != nil {
		glog.Errorf("Failed to query purchase records: %v", err)
		return nil, err
	}
	defer rows.Close()

	var records []*PurchaseRecord
	for rows.Next() {
		record := &PurchaseRecord{}
		err := rows.Scan(&record.ID, &record.Type, &record.Message, &record.Time,
			&record.ProductID, &record.TransactionID, &record.Account, &record.Extended)
		if err != nil {
			glog.Errorf("Failed to scan purchase record: %v", err)
			continue
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		glog.Errorf("Error during rows iteration: %v", err)
		return nil, err
	}

	glog.Infof("Retrieved %d purchase records", len(records))
	return records, nil
}

// GetRecordCount returns the total count of records matching the condition
func (hm *HistoryModule) GetRecordCount(condition *QueryCondition) (int64, error) {
	if condition == nil {
		condition = &QueryCondition{}
	}

	query := "SELECT COUNT(*) FROM purchase_records WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if condition.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIndex)
		args = append(args, condition.Type)
		argIndex++
	}

	if condition.ProductID != "" {
		query += fmt.Sprintf(" AND product_id = $%d", argIndex)
		args = append(args, condition.ProductID)
		argIndex++
	}

	if condition.TransactionID != "" {
		query += fmt.Sprintf(" AND transaction_id = $%d", argIndex)
		args = append(args, condition.TransactionID)
		argIndex++
	}

	if condition.Account != "" {
		query += fmt.Sprintf(" AND account = $%d", argIndex)
		args = append(args, condition.Account)
		argIndex++
	}

	if condition.StartTime > 0 {
		query += fmt.Sprintf(" AND time >= $%d", argIndex)
		args = append(args, condition.StartTime)
		argIndex++
	}

	if condition.EndTime > 0 {
		query += fmt.Sprintf(" AND time <= $%d", argIndex)
		args = append(args, condition.EndTime)
		argIndex++
	}

	var count int64
	err := hm.db.QueryRow(query, args...).Scan(&count)
	if err != nil {
		glog.Errorf("Failed to get record count: %v", err)
		return 0, err
	}

	return count, nil
}

// startCleanupRoutine starts a routine to cleanup old records
func (hm *HistoryModule) startCleanupRoutine() {
	// Get cleanup interval from environment, default to 24 hours
	intervalStr := os.Getenv("AUDIT_CLEANUP_INTERVAL_HOURS")
	interval, err := strconv.Atoi(intervalStr)
	if err != nil || interval <= 0 {
		interval = 24
	}

	hm.cleanupTicker = time.NewTicker(time.Duration(interval) * time.Hour)

	go func() {
		glog.Infof("Starting audit cleanup routine with interval: %d hours", interval)

		hm.cleanupOldRecords()

		for {
			select {
			case <-hm.cleanupTicker.C:
				hm.cleanupOldRecords()
			case <-hm.ctx.Done():
				glog.Infof("Audit cleanup routine stopped")
				return
			}
		}
	}()
}

// cleanupOldRecords removes records older than 1 month
func (hm *HistoryModule) cleanupOldRecords() {
	oneMonthAgo := time.Now().AddDate(0, -1, 0).Unix()

	query := "DELETE FROM purchase_records WHERE time < $1"

	result, err := hm.db.Exec(query, oneMonthAgo)
	if err != nil {
		glog.Errorf("Failed to cleanup old purchase records: %v", err)
		return
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		glog.Warningf("Failed to get rows affected count: %v", err)
	} else {
		glog.Infof("Cleaned up %d old purchase records (older than 1 month)", rowsAffected)
	}
}

// Close closes the database connection and stops the cleanup routine
func (hm *HistoryModule) Close() error {
	glog.Infof("Closing audit module")

	if hm.cleanupTicker != nil {
		hm.cleanupTicker.Stop()
	}

	if hm.cancel != nil {
		hm.cancel()
	}

	if hm.db != nil {
		return hm.db.Close()
	}

	return nil
}

// HealthCheck checks if the module is healthy
func (hm *HistoryModule) HealthCheck() error {
	if hm.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	if err := hm.db.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %v", err)
	}

	return nil
}
