package sqlite

import "fmt"

// ─── Schema ─────────────────────────────────────────────────────────────────

// migrations returns the ordered schema migrations. Each element is one
// version; each string is a single SQL statement (SQLite executes one at a
// time). Append new versions, never edit applied ones.
func migrations() [][]string {
	return [][]string{
		ledgerSchema(),
		fixedWidthTimestamps(),
	}
}

func ledgerSchema() []string {
	return []string{
		// Per-user credit position
		`CREATE TABLE IF NOT EXISTS balances (
			user_id    TEXT PRIMARY KEY,
			available  INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
			reserved   INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
			version    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		// Offers
		`CREATE TABLE IF NOT EXISTS offers (
			id                    TEXT PRIMARY KEY,
			owner_id              TEXT NOT NULL REFERENCES balances(user_id),
			title                 TEXT NOT NULL,
			description           TEXT NOT NULL DEFAULT '',
			service_type          TEXT NOT NULL DEFAULT '',
			duration_hours        REAL NOT NULL CHECK (duration_hours > 0),
			credit_cost           INTEGER NOT NULL CHECK (credit_cost > 0),
			status                TEXT NOT NULL DEFAULT 'AVAILABLE',
			accepted_applicant_id TEXT,
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_status ON offers(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_owner ON offers(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_performer ON offers(accepted_applicant_id)`,

		// Applications
		`CREATE TABLE IF NOT EXISTS applications (
			id           TEXT PRIMARY KEY,
			offer_id     TEXT NOT NULL REFERENCES offers(id),
			applicant_id TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'PENDING',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_offer ON applications(offer_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_applications_applicant ON applications(applicant_id)`,
		// One active application per applicant per offer
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_applications_active
			ON applications(offer_id, applicant_id)
			WHERE status IN ('PENDING', 'ACCEPTED')`,
		// At most one accepted application per offer
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_applications_accepted
			ON applications(offer_id)
			WHERE status = 'ACCEPTED'`,

		// Settlement journal: exactly one entry per completed offer
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id         TEXT PRIMARY KEY,
			offer_id   TEXT NOT NULL UNIQUE REFERENCES offers(id),
			payer_id   TEXT NOT NULL,
			payee_id   TEXT NOT NULL,
			amount     INTEGER NOT NULL CHECK (amount > 0),
			settled_at TEXT NOT NULL,
			claimed    INTEGER NOT NULL DEFAULT 0,
			claimed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_payee ON journal_entries(payee_id, claimed)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_payer ON journal_entries(payer_id)`,

		// Append-only movement log; balances are reconstructable from it
		`CREATE TABLE IF NOT EXISTS ledger_movements (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id         TEXT NOT NULL,
			type            TEXT NOT NULL,
			amount          INTEGER NOT NULL CHECK (amount > 0),
			offer_id        TEXT,
			entry_id        TEXT,
			available_after INTEGER NOT NULL,
			reserved_after  INTEGER NOT NULL,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_movements_user ON ledger_movements(user_id, id)`,
	}
}

// timestampColumns lists every column written by ts.
var timestampColumns = []struct{ table, column string }{
	{"balances", "created_at"},
	{"balances", "updated_at"},
	{"offers", "created_at"},
	{"offers", "updated_at"},
	{"applications", "created_at"},
	{"applications", "updated_at"},
	{"journal_entries", "settled_at"},
	{"journal_entries", "claimed_at"},
	{"ledger_movements", "created_at"},
}

// fixedWidthTimestamps pads RFC3339Nano values (trailing zeros trimmed) to
// nine fractional digits, e.g. 03:04:05Z -> 03:04:05.000000000Z and
// 03:04:05.1Z -> 03:04:05.100000000Z. Stored values are always UTC.
func fixedWidthTimestamps() []string {
	stmts := make([]string, 0, len(timestampColumns))
	for _, tc := range timestampColumns {
		stmts = append(stmts, fmt.Sprintf(`UPDATE %[1]s SET %[2]s = CASE
			WHEN instr(%[2]s, '.') = 0 THEN substr(%[2]s, 1, 19) || '.000000000Z'
			ELSE substr(%[2]s, 1, 20) || substr(substr(%[2]s, 21, length(%[2]s) - 21) || '000000000', 1, 9) || 'Z'
		END
		WHERE %[2]s IS NOT NULL AND length(%[2]s) <> %[3]d`, tc.table, tc.column, tsWidth))
	}
	return stmts
}
