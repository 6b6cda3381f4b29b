package database

import (
	"database/sql"
	stdlog "log"

	"github.com/username/cryptotaxcalc/backend/src/logger"
	_ "modernc.org/sqlite"
)

var DB *sql.DB

func InitDB(databasePath string) {
	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		stdlog.Fatalf("failed to open database at %s: %v", databasePath, err)
	}

	DB = db

	if logger.L != nil {
		logger.L.Info("Checking database schema", "databasePath", databasePath)
	} else {
		stdlog.Println("Checking database schema for:", databasePath)
	}

	createTableStatement := `
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		type TEXT NOT NULL,
		base_asset TEXT NOT NULL,
		base_amount TEXT NOT NULL,
		quote_asset TEXT,
		quote_amount TEXT,
		fee_asset TEXT,
		fee_amount TEXT,
		fair_value TEXT,
		exchange TEXT,
		memo TEXT,
		hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS fx_batches (
		id TEXT PRIMARY KEY,
		imported_at TEXT,
		source TEXT,
		rates_hash TEXT
	);

	CREATE TABLE IF NOT EXISTS fx_rates (
		date TEXT PRIMARY KEY,
		usd_per_eur TEXT NOT NULL,
		batch_id TEXT,
		FOREIGN KEY(batch_id) REFERENCES fx_batches(id)
	);

	CREATE TABLE IF NOT EXISTS calc_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'running',
		started_at TEXT NOT NULL,
		finished_at TEXT,
		jurisdiction TEXT,
		rule_version TEXT,
		lot_method TEXT,
		fx_set_id TEXT,
		params_json TEXT,
		summary_json TEXT
	);

	CREATE TABLE IF NOT EXISTS realized_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		asset TEXT NOT NULL,
		qty_sold TEXT NOT NULL,
		proceeds TEXT NOT NULL,
		cost_basis TEXT NOT NULL,
		gain TEXT NOT NULL,
		quote_asset TEXT,
		fee_applied TEXT,
		matches_json TEXT,
		FOREIGN KEY(run_id) REFERENCES calc_runs(id)
	);

	CREATE TABLE IF NOT EXISTS run_digests (
		run_id TEXT PRIMARY KEY,
		input_hash TEXT NOT NULL,
		output_hash TEXT NOT NULL,
		manifest_hash TEXT NOT NULL,
		manifest_json TEXT,
		created_at TEXT,
		FOREIGN KEY(run_id) REFERENCES calc_runs(id)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT,
		action TEXT NOT NULL,
		target_type TEXT,
		target_id TEXT,
		details_json TEXT,
		ip TEXT,
		ts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_realized_events_run_id ON realized_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
	`

	if _, err := DB.Exec(createTableStatement); err != nil {
		stdlog.Fatalf("failed to create tables: %v", err)
	}

	// WAL keeps readers unblocked while a run is persisting its events.
	if _, err := DB.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		stdlog.Printf("warning: failed to set sqlite pragmas: %v", err)
	}

	if logger.L != nil {
		logger.L.Info("Database schema ready")
	}
}
