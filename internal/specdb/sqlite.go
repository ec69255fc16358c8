package specdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/specfactory/internal/model"
)

// SQLiteDB implements DB using modernc.org/sqlite.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "specdb: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "specdb: exec %s", pragma)
		}
	}
	return &SQLiteDB{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_registry (
	source_id    TEXT PRIMARY KEY,
	category     TEXT NOT NULL,
	product_id   TEXT NOT NULL,
	url          TEXT NOT NULL,
	final_url    TEXT,
	host         TEXT NOT NULL,
	root_domain  TEXT NOT NULL,
	tier         INTEGER NOT NULL,
	role         TEXT NOT NULL,
	seed         INTEGER NOT NULL DEFAULT 0,
	fetched_at   DATETIME,
	http_status  INTEGER,
	fetch_method TEXT,
	content_hash TEXT,
	text_hash    TEXT,
	outcome      TEXT
);

CREATE TABLE IF NOT EXISTS candidates (
	candidate_id    TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	round           INTEGER NOT NULL,
	source_id       TEXT NOT NULL,
	field           TEXT NOT NULL,
	value           TEXT NOT NULL,
	method          TEXT NOT NULL,
	key_path        TEXT,
	confidence_base REAL NOT NULL,
	snippet_ids     TEXT,
	drop_reason     TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, source_id, candidate_id)
);

CREATE TABLE IF NOT EXISTS source_assertions (
	run_id                 TEXT NOT NULL,
	category               TEXT NOT NULL,
	product_id             TEXT NOT NULL,
	field                  TEXT NOT NULL,
	value                  TEXT NOT NULL,
	confidence             REAL NOT NULL,
	confirmations          INTEGER NOT NULL,
	approved_confirmations INTEGER NOT NULL,
	pass_target            INTEGER NOT NULL,
	meets_pass_target      INTEGER NOT NULL,
	PRIMARY KEY (run_id, field)
);

CREATE TABLE IF NOT EXISTS source_evidence_refs (
	run_id     TEXT NOT NULL,
	field      TEXT NOT NULL,
	source_id  TEXT NOT NULL,
	snippet_id TEXT NOT NULL,
	url        TEXT NOT NULL,
	method     TEXT NOT NULL,
	tier       INTEGER NOT NULL,
	key_path   TEXT
);

CREATE TABLE IF NOT EXISTS billing_entries (
	ts                   DATETIME NOT NULL,
	month                TEXT NOT NULL,
	day                  TEXT NOT NULL,
	provider             TEXT NOT NULL,
	model                TEXT NOT NULL,
	category             TEXT NOT NULL,
	product_id           TEXT NOT NULL,
	run_id               TEXT NOT NULL,
	round                INTEGER NOT NULL,
	prompt_tokens        INTEGER NOT NULL,
	completion_tokens    INTEGER NOT NULL,
	cached_prompt_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd             REAL NOT NULL,
	reason               TEXT NOT NULL,
	host                 TEXT,
	evidence_chars       INTEGER,
	estimated_usage      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS llm_route_matrix (
	category                     TEXT NOT NULL,
	scope                        TEXT NOT NULL,
	required_level               TEXT NOT NULL,
	difficulty                   TEXT,
	availability                 TEXT,
	effort                       INTEGER NOT NULL,
	model_ladder                 TEXT NOT NULL,
	all_source_data              INTEGER NOT NULL DEFAULT 0,
	enable_websearch             INTEGER NOT NULL DEFAULT 0,
	max_tokens                   INTEGER NOT NULL,
	send_packet                  TEXT NOT NULL,
	min_evidence_refs_required   INTEGER NOT NULL DEFAULT 1,
	insufficient_evidence_action TEXT NOT NULL DEFAULT 'skip'
);

CREATE INDEX IF NOT EXISTS idx_source_registry_product ON source_registry(category, product_id);
CREATE INDEX IF NOT EXISTS idx_candidates_run ON candidates(run_id, field);
CREATE INDEX IF NOT EXISTS idx_assertions_run ON source_assertions(run_id);
CREATE INDEX IF NOT EXISTS idx_evidence_refs_run ON source_evidence_refs(run_id, field);
CREATE INDEX IF NOT EXISTS idx_billing_month ON billing_entries(month);
CREATE INDEX IF NOT EXISTS idx_billing_product ON billing_entries(category, product_id);
CREATE INDEX IF NOT EXISTS idx_route_matrix_category ON llm_route_matrix(category);
`

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "specdb: migrate sqlite")
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) InsertSource(ctx context.Context, category, productID string, src model.Source) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_registry
		 (source_id, category, product_id, url, final_url, host, root_domain, tier, role, seed, fetched_at, http_status, fetch_method, content_hash, text_hash, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET
		   final_url = excluded.final_url,
		   fetched_at = excluded.fetched_at,
		   http_status = excluded.http_status,
		   fetch_method = excluded.fetch_method,
		   content_hash = excluded.content_hash,
		   text_hash = excluded.text_hash,
		   outcome = excluded.outcome`,
		src.SourceID, category, productID, src.URL, src.FinalURL, src.Host, src.RootDomain,
		int(src.Tier), string(src.Role), boolToInt(src.Seed), nullTime(src), src.HTTPStatus,
		string(src.FetchMethod), src.ContentHash, src.TextHash, string(src.Outcome),
	)
	return eris.Wrapf(err, "specdb: insert source %s", src.SourceID)
}

func (s *SQLiteDB) InsertCandidates(ctx context.Context, runID string, round int, cands []model.Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "specdb: begin candidates tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO candidates
		 (candidate_id, run_id, round, source_id, field, value, method, key_path, confidence_base, snippet_ids, drop_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "specdb: prepare candidates insert")
	}
	defer stmt.Close()

	for _, c := range cands {
		valueJSON, err := json.Marshal(c.Value)
		if err != nil {
			return eris.Wrapf(err, "specdb: marshal candidate value %s", c.CandidateID)
		}
		refsJSON, err := json.Marshal(c.EvidenceRefs)
		if err != nil {
			return eris.Wrapf(err, "specdb: marshal candidate refs %s", c.CandidateID)
		}
		if _, err := stmt.ExecContext(ctx,
			c.CandidateID, runID, round, c.SourceID, c.Field, string(valueJSON),
			string(c.Method), c.KeyPath, c.ConfidenceBase, string(refsJSON), string(c.DropReason),
		); err != nil {
			return eris.Wrapf(err, "specdb: insert candidate %s", c.CandidateID)
		}
	}
	return eris.Wrap(tx.Commit(), "specdb: commit candidates")
}

func (s *SQLiteDB) InsertAssertions(ctx context.Context, rows []Assertion) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "specdb: begin assertions tx")
	}
	defer tx.Rollback()

	for _, a := range rows {
		valueJSON, err := json.Marshal(a.Value)
		if err != nil {
			return eris.Wrapf(err, "specdb: marshal assertion value %s", a.Field)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO source_assertions
			 (run_id, category, product_id, field, value, confidence, confirmations, approved_confirmations, pass_target, meets_pass_target)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.RunID, a.Category, a.ProductID, a.Field, string(valueJSON),
			a.Confidence, a.Confirmations, a.ApprovedConfirmations, a.PassTarget, boolToInt(a.MeetsPassTarget),
		); err != nil {
			return eris.Wrapf(err, "specdb: insert assertion %s", a.Field)
		}
	}
	return eris.Wrap(tx.Commit(), "specdb: commit assertions")
}

func (s *SQLiteDB) InsertEvidenceRefs(ctx context.Context, rows []EvidenceRef) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "specdb: begin evidence tx")
	}
	defer tx.Rollback()

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_evidence_refs
			 (run_id, field, source_id, snippet_id, url, method, tier, key_path)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, r.Field, r.SourceID, r.SnippetID, r.URL, string(r.Method), int(r.Tier), r.KeyPath,
		); err != nil {
			return eris.Wrapf(err, "specdb: insert evidence ref %s/%s", r.Field, r.SnippetID)
		}
	}
	return eris.Wrap(tx.Commit(), "specdb: commit evidence refs")
}

func (s *SQLiteDB) AppendBilling(ctx context.Context, entry model.BillingEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_entries
		 (ts, month, day, provider, model, category, product_id, run_id, round,
		  prompt_tokens, completion_tokens, cached_prompt_tokens, cost_usd, reason, host, evidence_chars, estimated_usage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TS, entry.Month, entry.Day, entry.Provider, entry.Model,
		entry.Category, entry.ProductID, entry.RunID, entry.Round,
		entry.PromptTokens, entry.CompletionTokens, entry.CachedPromptTokens,
		entry.CostUSD, entry.Reason, entry.Host, entry.EvidenceChars, boolToInt(entry.EstimatedUsage),
	)
	return eris.Wrap(err, "specdb: append billing entry")
}

func (s *SQLiteDB) BillingForMonth(ctx context.Context, month string) ([]model.BillingEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, month, day, provider, model, category, product_id, run_id, round,
		        prompt_tokens, completion_tokens, cached_prompt_tokens, cost_usd, reason,
		        host, evidence_chars, estimated_usage
		 FROM billing_entries WHERE month = ? ORDER BY ts`,
		month,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "specdb: billing for month %s", month)
	}
	defer rows.Close()

	var entries []model.BillingEntry
	for rows.Next() {
		var e model.BillingEntry
		var host sql.NullString
		var evidenceChars sql.NullInt64
		var estimated int
		if err := rows.Scan(
			&e.TS, &e.Month, &e.Day, &e.Provider, &e.Model, &e.Category, &e.ProductID,
			&e.RunID, &e.Round, &e.PromptTokens, &e.CompletionTokens, &e.CachedPromptTokens,
			&e.CostUSD, &e.Reason, &host, &evidenceChars, &estimated,
		); err != nil {
			return nil, eris.Wrap(err, "specdb: scan billing entry")
		}
		e.Host = host.String
		e.EvidenceChars = int(evidenceChars.Int64)
		e.EstimatedUsage = estimated != 0
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "specdb: billing rows iterate")
}

func (s *SQLiteDB) SumCostForMonth(ctx context.Context, month string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM billing_entries WHERE month = ?`, month,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrapf(err, "specdb: sum cost month %s", month)
	}
	return total.Float64, nil
}

func (s *SQLiteDB) SumCostForProduct(ctx context.Context, category, productID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM billing_entries WHERE category = ? AND product_id = ?`,
		category, productID,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrapf(err, "specdb: sum cost product %s/%s", category, productID)
	}
	return total.Float64, nil
}

func (s *SQLiteDB) CountCallsForProduct(ctx context.Context, category, productID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM billing_entries WHERE category = ? AND product_id = ?`,
		category, productID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "specdb: count calls product %s/%s", category, productID)
	}
	return n, nil
}

func (s *SQLiteDB) RouteMatrix(ctx context.Context, category string) ([]model.RouteRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, required_level, difficulty, availability, effort, model_ladder,
		        all_source_data, enable_websearch, max_tokens, send_packet,
		        min_evidence_refs_required, insufficient_evidence_action
		 FROM llm_route_matrix WHERE category = ? ORDER BY effort DESC`,
		category,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "specdb: route matrix %s", category)
	}
	defer rows.Close()

	var out []model.RouteRow
	for rows.Next() {
		var r model.RouteRow
		var difficulty, availability sql.NullString
		var ladderJSON string
		var allData, websearch int
		if err := rows.Scan(
			&r.Scope, &r.RequiredLevel, &difficulty, &availability, &r.Effort, &ladderJSON,
			&allData, &websearch, &r.MaxTokens, &r.SendPacket, &r.MinEvidenceRefs, &r.OnInsufficient,
		); err != nil {
			return nil, eris.Wrap(err, "specdb: scan route row")
		}
		r.Difficulty = difficulty.String
		r.Availability = model.AvailabilityClass(availability.String)
		r.AllSourceData = allData != 0
		r.EnableWebsearch = websearch != 0
		if err := json.Unmarshal([]byte(ladderJSON), &r.ModelLadder); err != nil {
			return nil, eris.Wrap(err, "specdb: unmarshal model ladder")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "specdb: route rows iterate")
}

// helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(src model.Source) any {
	if src.FetchedAt.IsZero() {
		return nil
	}
	return src.FetchedAt.UTC()
}
