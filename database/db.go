package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/mdmflow/orchestrator/config"
	"github.com/mdmflow/orchestrator/internal/cache"
	redlock "github.com/mdmflow/orchestrator/internal/lock"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn   *sql.DB
	Cache  cache.Cache
	Locker *redlock.Manager
}

func NewDataSource(configuration *config.Configuration, locker *redlock.Manager) (IDataSource, error) {
	con, err := GetDBConnection(configuration, locker)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration, locker *redlock.Manager) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		var c cache.Cache
		c, cacheErr := cache.NewCache()
		if cacheErr != nil {
			log.Printf("cache unavailable, continuing without read-through cache: %v", cacheErr)
			c = nil
		}
		instance = &Datasource{Conn: con, Cache: c, Locker: locker}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	if err := bootstrapSchema(db); err != nil {
		return nil, err
	}
	return db, nil
}

// bootstrapSchema creates every table the engine reads and writes, mirroring
// the teacher's one-function-per-table CREATE TABLE IF NOT EXISTS style. A
// real deployment instead runs `mdm migrate` (rubenv/sql-migrate); this path
// keeps local/dev and test setups working without a migration runner.
func bootstrapSchema(db *sql.DB) error {
	stmts := []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"headers", createHeadersTable},
		{"rows", createRowsTable},
		{"agents", createAgentsTable},
		{"approver_config", createApproverConfigTable},
		{"baseline_rules", createBaselineRulesTable},
		{"work_allocation", createWorkAllocationTable},
		{"distribution_matrix", createDistributionMatrixTable},
		{"priority_weight", createPriorityWeightTable},
		{"request_number_tracker", createRequestNumberTrackerTable},
	}
	for _, s := range stmts {
		if err := s.fn(db); err != nil {
			log.Printf("error creating %s table: %v", s.name, err)
			return err
		}
	}
	return nil
}

// createHeadersTable stores the ordered column list per logical table, the
// RowStore's readHeaders operation (§4.2).
func createHeadersTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS headers (
			table_name TEXT PRIMARY KEY,
			columns JSONB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// createRowsTable is the RowStore's generic tabular backing: one row per
// (table_name, row_id), cells stored as a JSON object so the same table
// serves every registered sheet without per-sheet schema migrations.
func createRowsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rows (
			id SERIAL PRIMARY KEY,
			table_name TEXT NOT NULL,
			row_id TEXT NOT NULL,
			request_key TEXT,
			columns JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (table_name, row_id)
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rows_request_key ON rows (table_name, request_key)`)
	return err
}

func createAgentsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			free BOOLEAN NOT NULL DEFAULT TRUE,
			workload_seconds BIGINT NOT NULL DEFAULT 0 CHECK (workload_seconds >= 0)
		)
	`)
	return err
}

// createApproverConfigTable backs ConfigCache's approver-roster relation,
// with ALL-wildcard rows sharing the same key shape as exact matches (§4.3).
// approvers is a JSON array, not a single column, since §3 defines the
// roster as a set of approver emails per level, not one approver.
func createApproverConfigTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS approver_config (
			business_unit TEXT NOT NULL,
			department TEXT NOT NULL,
			request_type TEXT NOT NULL,
			level INT NOT NULL,
			approvers JSONB NOT NULL,
			PRIMARY KEY (business_unit, department, request_type, level)
		)
	`)
	return err
}

func createBaselineRulesTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS baseline_rules (
			id SERIAL PRIMARY KEY,
			request_type TEXT NOT NULL,
			min_task INT NOT NULL,
			max_task INT NOT NULL DEFAULT -1,
			seconds BIGINT NOT NULL,
			is_per_task BOOLEAN NOT NULL DEFAULT FALSE
		)
	`)
	return err
}

// createWorkAllocationTable backs the Allocator's BAU fallback rule set
// (§4.6): a primary candidate group plus ordered backup groups.
func createWorkAllocationTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS work_allocation (
			business_unit TEXT NOT NULL,
			request_type TEXT NOT NULL,
			department TEXT NOT NULL,
			primary_group JSONB NOT NULL,
			backup_groups JSONB NOT NULL DEFAULT '[]'::jsonb,
			PRIMARY KEY (business_unit, request_type, department)
		)
	`)
	return err
}

// createDistributionMatrixTable backs the Allocator's matrix filter: for a
// given request shape, which agents are even eligible before the
// least-loaded tiebreak runs.
func createDistributionMatrixTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS distribution_matrix (
			business_unit TEXT NOT NULL,
			request_type TEXT NOT NULL,
			department TEXT NOT NULL,
			agents JSONB NOT NULL,
			PRIMARY KEY (business_unit, request_type, department)
		)
	`)
	return err
}

func createPriorityWeightTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS priority_weight (
			request_type TEXT PRIMARY KEY,
			weight INT NOT NULL
		)
	`)
	return err
}

// createRequestNumberTrackerTable persists the RequestNumber counter (C7)
// per business unit; WorkloadCounter/RequestNumber reconcile this against the
// in-memory cache and, on write failure, a wall-clock fallback.
func createRequestNumberTrackerTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS request_number_tracker (
			business_unit TEXT PRIMARY KEY,
			counter INT NOT NULL DEFAULT 0
		)
	`)
	return err
}
