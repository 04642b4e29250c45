package store

import "strings"

// Table identifies one of the fixed set of known tables. All SQL in this
// package is built from this enum and parameterized placeholders; table
// names never come from caller-supplied strings.
type Table string

const (
	TableDashboard  Table = "dashboard_data"
	TableAPICache   Table = "api_cache"
	TableSyncQueue  Table = "sync_queue"
	TableActivities Table = "activities"
	TableBazar      Table = "bazar_entries"
	TableMeals      Table = "meal_entries"
	TableUserData   Table = "user_data"
	TableStatistics Table = "statistics"
)

// AllTables lists every known table in schema-creation order.
var AllTables = []Table{
	TableDashboard,
	TableAPICache,
	TableSyncQueue,
	TableActivities,
	TableBazar,
	TableMeals,
	TableUserData,
	TableStatistics,
}

// Valid reports whether t is one of the known tables.
func (t Table) Valid() bool {
	for _, known := range AllTables {
		if t == known {
			return true
		}
	}
	return false
}

// recordTable reports whether t uses the generic record layout
// (id, payload, created_at, updated_at). The sync queue has its own
// columns and its own accessors.
func (t Table) recordTable() bool {
	return t.Valid() && t != TableSyncQueue
}

// createStmt returns the idempotent DDL for t. Used by soft reset and
// lazy schema creation; first-boot schema comes from the goose migrations,
// which carry the same definitions.
func (t Table) createStmt() string {
	switch t {
	case TableAPICache:
		return `CREATE TABLE IF NOT EXISTS api_cache (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL DEFAULT '{}',
			expiry INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_api_cache_expiry ON api_cache(expiry)`
	case TableSyncQueue:
		return `CREATE TABLE IF NOT EXISTS sync_queue (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			timestamp INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sync_queue_status_ts ON sync_queue(status, timestamp);
		CREATE INDEX IF NOT EXISTS idx_sync_queue_endpoint ON sync_queue(endpoint)`
	case TableStatistics:
		return `CREATE TABLE IF NOT EXISTS statistics (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL DEFAULT '{}',
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`
	default:
		return `CREATE TABLE IF NOT EXISTS ` + string(t) + ` (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`
	}
}

// endpointTables maps a remote endpoint URL segment to the business table
// holding the locally persisted copy of that resource.
var endpointTables = map[string]Table{
	"bazar":      TableBazar,
	"bazars":     TableBazar,
	"market":     TableBazar,
	"payment":    TableBazar,
	"payments":   TableBazar,
	"meal":       TableMeals,
	"meals":      TableMeals,
	"activity":   TableActivities,
	"activities": TableActivities,
	"dashboard":  TableDashboard,
	"user":       TableUserData,
	"users":      TableUserData,
	"statistics": TableStatistics,
	"stats":      TableStatistics,
}

// TableForEndpoint resolves the business table that backs a remote endpoint
// by matching its URL segments, e.g. "/api/meals" -> meal_entries.
func TableForEndpoint(endpoint string) (Table, bool) {
	for _, seg := range strings.Split(endpoint, "/") {
		seg = strings.ToLower(strings.TrimSpace(seg))
		if seg == "" {
			continue
		}
		// Strip query strings that survived into the last segment.
		if i := strings.IndexByte(seg, '?'); i >= 0 {
			seg = seg[:i]
		}
		if t, ok := endpointTables[seg]; ok {
			return t, true
		}
	}
	return "", false
}
