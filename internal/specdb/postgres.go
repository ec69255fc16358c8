package specdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/specfactory/internal/db"
	"github.com/sells-group/specfactory/internal/model"
)

// PostgresDB implements DB using pgxpool.
type PostgresDB struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest write paths.
var preparedStatements = map[string]string{
	"append_billing": `INSERT INTO billing_entries
		(ts, month, day, provider, model, category, product_id, run_id, round,
		 prompt_tokens, completion_tokens, cached_prompt_tokens, cost_usd, reason, host, evidence_chars, estimated_usage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
	"sum_cost_month":   `SELECT COALESCE(SUM(cost_usd), 0) FROM billing_entries WHERE month = $1`,
	"sum_cost_product": `SELECT COALESCE(SUM(cost_usd), 0) FROM billing_entries WHERE category = $1 AND product_id = $2`,
	"count_calls_product": `SELECT COUNT(*) FROM billing_entries WHERE category = $1 AND product_id = $2`,
}

// NewPostgres creates a PostgresDB with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresDB, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "specdb: parse postgres config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "specdb: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "specdb: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "specdb: ping")
	}
	return &PostgresDB{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, for callers that share one
// pool across subsystems.
func NewPostgresWithPool(pool db.Pool) *PostgresDB {
	return &PostgresDB{pool: pool}
}

const postgresMigration = `
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
	seed         BOOLEAN NOT NULL DEFAULT false,
	fetched_at   TIMESTAMPTZ,
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
	value           JSONB NOT NULL,
	method          TEXT NOT NULL,
	key_path        TEXT,
	confidence_base DOUBLE PRECISION NOT NULL,
	snippet_ids     JSONB,
	drop_reason     TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, source_id, candidate_id)
);

CREATE TABLE IF NOT EXISTS source_assertions (
	run_id                 TEXT NOT NULL,
	category               TEXT NOT NULL,
	product_id             TEXT NOT NULL,
	field                  TEXT NOT NULL,
	value                  JSONB NOT NULL,
	confidence             DOUBLE PRECISION NOT NULL,
	confirmations          INTEGER NOT NULL,
	approved_confirmations INTEGER NOT NULL,
	pass_target            INTEGER NOT NULL,
	meets_pass_target      BOOLEAN NOT NULL,
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
	ts                   TIMESTAMPTZ NOT NULL,
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
	cost_usd             DOUBLE PRECISION NOT NULL,
	reason               TEXT NOT NULL,
	host                 TEXT,
	evidence_chars       INTEGER,
	estimated_usage      BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS llm_route_matrix (
	category                     TEXT NOT NULL,
	scope                        TEXT NOT NULL,
	required_level               TEXT NOT NULL,
	difficulty                   TEXT,
	availability                 TEXT,
	effort                       INTEGER NOT NULL,
	model_ladder                 JSONB NOT NULL,
	all_source_data              BOOLEAN NOT NULL DEFAULT false,
	enable_websearch             BOOLEAN NOT NULL DEFAULT false,
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

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "specdb: migrate postgres")
}

func (p *PostgresDB) Close() error {
	if p.closeFn != nil {
		p.closeFn()
	}
	return nil
}

func (p *PostgresDB) Ping(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "specdb: ping")
}

func (p *PostgresDB) InsertSource(ctx context.Context, category, productID string, src model.Source) error {
	var fetchedAt any
	if !src.FetchedAt.IsZero() {
		fetchedAt = src.FetchedAt.UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO source_registry
		 (source_id, category, product_id, url, final_url, host, root_domain, tier, role, seed, fetched_at, http_status, fetch_method, content_hash, text_hash, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (source_id) DO UPDATE SET
		   final_url = $5, fetched_at = $11, http_status = $12,
		   fetch_method = $13, content_hash = $14, text_hash = $15, outcome = $16`,
		src.SourceID, category, productID, src.URL, src.FinalURL, src.Host, src.RootDomain,
		int(src.Tier), string(src.Role), src.Seed, fetchedAt, src.HTTPStatus,
		string(src.FetchMethod), src.ContentHash, src.TextHash, string(src.Outcome),
	)
	return eris.Wrapf(err, "specdb: insert source %s", src.SourceID)
}

// candidateColumns matches the column order used by InsertCandidates.
var candidateColumns = []string{
	"candidate_id", "run_id", "round", "source_id", "field", "value",
	"method", "key_path", "confidence_base", "snippet_ids", "drop_reason",
}

func (p *PostgresDB) InsertCandidates(ctx context.Context, runID string, round int, cands []model.Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(cands))
	for _, c := range cands {
		valueJSON, err := json.Marshal(c.Value)
		if err != nil {
			return eris.Wrapf(err, "specdb: marshal candidate value %s", c.CandidateID)
		}
		refsJSON, err := json.Marshal(c.EvidenceRefs)
		if err != nil {
			return eris.Wrapf(err, "specdb: marshal candidate refs %s", c.CandidateID)
		}
		rows = append(rows, []any{
			c.CandidateID, runID, round, c.SourceID, c.Field, valueJSON,
			string(c.Method), c.KeyPath, c.ConfidenceBase, refsJSON, string(c.DropReason),
		})
	}
	// Upsert so a re-extracted source replaces its own rows instead of failing
	// the batch on the (run_id, source_id, candidate_id) key.
	_, err := db.BulkUpsert(ctx, p.pool, db.UpsertConfig{
		Table:        "candidates",
		Columns:      candidateColumns,
		ConflictKeys: []string{"run_id", "source_id", "candidate_id"},
	}, rows)
	return eris.Wrapf(err, "specdb: upsert candidates run %s", runID)
}

func (p *PostgresDB) InsertAssertions(ctx context.Context, rows []Assertion) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "specdb: begin assertions tx")
	}
	defer tx.Rollback(ctx)

	for _, a := range rows {
		valueJSON, err := json.Marshal(a.Value)
		if err != nil {
			return eris.Wrapf(err, "specdb: marshal assertion value %s", a.Field)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO source_assertions
			 (run_id, category, product_id, field, value, confidence, confirmations, approved_confirmations, pass_target, meets_pass_target)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (run_id, field) DO UPDATE SET
			   value = $5, confidence = $6, confirmations = $7,
			   approved_confirmations = $8, pass_target = $9, meets_pass_target = $10`,
			a.RunID, a.Category, a.ProductID, a.Field, valueJSON,
			a.Confidence, a.Confirmations, a.ApprovedConfirmations, a.PassTarget, a.MeetsPassTarget,
		); err != nil {
			return eris.Wrapf(err, "specdb: insert assertion %s", a.Field)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "specdb: commit assertions")
}

func (p *PostgresDB) InsertEvidenceRefs(ctx context.Context, refs []EvidenceRef) error {
	if len(refs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(refs))
	for _, r := range refs {
		rows = append(rows, []any{
			r.RunID, r.Field, r.SourceID, r.SnippetID, r.URL, string(r.Method), int(r.Tier), r.KeyPath,
		})
	}
	columns := []string{"run_id", "field", "source_id", "snippet_id", "url", "method", "tier", "key_path"}
	_, err := db.CopyFrom(ctx, p.pool, "source_evidence_refs", columns, rows)
	return eris.Wrap(err, "specdb: copy evidence refs")
}

func (p *PostgresDB) AppendBilling(ctx context.Context, entry model.BillingEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO billing_entries
		 (ts, month, day, provider, model, category, product_id, run_id, round,
		  prompt_tokens, completion_tokens, cached_prompt_tokens, cost_usd, reason, host, evidence_chars, estimated_usage)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		entry.TS, entry.Month, entry.Day, entry.Provider, entry.Model,
		entry.Category, entry.ProductID, entry.RunID, entry.Round,
		entry.PromptTokens, entry.CompletionTokens, entry.CachedPromptTokens,
		entry.CostUSD, entry.Reason, entry.Host, entry.EvidenceChars, entry.EstimatedUsage,
	)
	return eris.Wrap(err, "specdb: append billing entry")
}

func (p *PostgresDB) BillingForMonth(ctx context.Context, month string) ([]model.BillingEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT ts, month, day, provider, model, category, product_id, run_id, round,
		        prompt_tokens, completion_tokens, cached_prompt_tokens, cost_usd, reason,
		        host, evidence_chars, estimated_usage
		 FROM billing_entries WHERE month = $1 ORDER BY ts`,
		month,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "specdb: billing for month %s", month)
	}
	defer rows.Close()

	var entries []model.BillingEntry
	for rows.Next() {
		var e model.BillingEntry
		var host *string
		var evidenceChars *int
		if err := rows.Scan(
			&e.TS, &e.Month, &e.Day, &e.Provider, &e.Model, &e.Category, &e.ProductID,
			&e.RunID, &e.Round, &e.PromptTokens, &e.CompletionTokens, &e.CachedPromptTokens,
			&e.CostUSD, &e.Reason, &host, &evidenceChars, &e.EstimatedUsage,
		); err != nil {
			return nil, eris.Wrap(err, "specdb: scan billing entry")
		}
		if host != nil {
			e.Host = *host
		}
		if evidenceChars != nil {
			e.EvidenceChars = *evidenceChars
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "specdb: billing rows iterate")
}

func (p *PostgresDB) SumCostForMonth(ctx context.Context, month string) (float64, error) {
	var total float64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM billing_entries WHERE month = $1`, month,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrapf(err, "specdb: sum cost month %s", month)
	}
	return total, nil
}

func (p *PostgresDB) SumCostForProduct(ctx context.Context, category, productID string) (float64, error) {
	var total float64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM billing_entries WHERE category = $1 AND product_id = $2`,
		category, productID,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrapf(err, "specdb: sum cost product %s/%s", category, productID)
	}
	return total, nil
}

func (p *PostgresDB) CountCallsForProduct(ctx context.Context, category, productID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM billing_entries WHERE category = $1 AND product_id = $2`,
		category, productID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "specdb: count calls product %s/%s", category, productID)
	}
	return n, nil
}

func (p *PostgresDB) RouteMatrix(ctx context.Context, category string) ([]model.RouteRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT scope, required_level, difficulty, availability, effort, model_ladder,
		        all_source_data, enable_websearch, max_tokens, send_packet,
		        min_evidence_refs_required, insufficient_evidence_action
		 FROM llm_route_matrix WHERE category = $1 ORDER BY effort DESC`,
		category,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "specdb: route matrix %s", category)
	}
	defer rows.Close()

	var out []model.RouteRow
	for rows.Next() {
		var r model.RouteRow
		var difficulty, availability *string
		var ladderJSON []byte
		if err := rows.Scan(
			&r.Scope, &r.RequiredLevel, &difficulty, &availability, &r.Effort, &ladderJSON,
			&r.AllSourceData, &r.EnableWebsearch, &r.MaxTokens, &r.SendPacket, &r.MinEvidenceRefs, &r.OnInsufficient,
		); err != nil {
			return nil, eris.Wrap(err, "specdb: scan route row")
		}
		if difficulty != nil {
			r.Difficulty = *difficulty
		}
		if availability != nil {
			r.Availability = model.AvailabilityClass(*availability)
		}
		if err := json.Unmarshal(ladderJSON, &r.ModelLadder); err != nil {
			return nil, eris.Wrap(err, "specdb: unmarshal model ladder")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "specdb: route rows iterate")
}
