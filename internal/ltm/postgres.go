package ltm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/recall/internal/embed"
	"github.com/antoniostano/recall/internal/memerr"
	"github.com/antoniostano/recall/internal/similarity"
)

// PostgresStore persists memory records in PostgreSQL. Each scope owns
// its own table (local_memories / global_memories) with a uniqueness
// index over the owner keys plus normalized text, which makes Add
// idempotent even under concurrent writers: the insert loser reads back
// the winner's row.
type PostgresStore struct {
	pool     *pgxpool.Pool
	scope    Scope
	table    string
	embedder embed.Client
}

func NewPostgresStore(ctx context.Context, databaseURL string, scope Scope, embedder embed.Client) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresStore{
		pool:     pool,
		scope:    scope,
		table:    string(scope) + "_memories",
		embedder: embedder,
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	ownerCols := "user_id, session_id, text"
	if s.scope == ScopeGlobal {
		ownerCols = "user_id, text"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			embedding BYTEA NOT NULL,
			meta JSONB,
			emb_version TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			dim INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ
		);`, s.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_owner_text ON %s (%s);`,
			s.table, s.table, ownerCols),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_owner_id ON %s (user_id, session_id, id DESC);`,
			s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: init schema failed on %q: %v", memerr.ErrStorage, stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Scope() Scope { return s.scope }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const recordCols = `id, user_id, session_id, text, embedding, meta, emb_version, model, dim, created_at, updated_at`

func (s *PostgresStore) Add(ctx context.Context, owner OwnerKey, text string, meta map[string]any) (Record, error) {
	if err := validateOwner(s.scope, owner); err != nil {
		return Record{}, err
	}
	text = NormalizeText(text)
	if text == "" {
		return Record{}, errEmptyText()
	}

	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return Record{}, err
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Record{}, memerr.Validation("meta is not serializable")
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (user_id, session_id, text, embedding, meta, emb_version, model, dim, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING
		 RETURNING %s`, s.table, recordCols),
		owner.UserID,
		owner.SessionID,
		text,
		encodeVector(vecs[0]),
		string(metaJSON),
		s.embedder.Version(),
		s.embedder.Model(),
		s.embedder.Dimensions(),
		time.Now().UTC(),
	)

	rec, err := scanRecord(row, s.scope)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: insert memory: %v", memerr.ErrStorage, err)
	}

	// Uniqueness collision: return the pre-existing record.
	row = s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE user_id=$1 AND session_id=$2 AND text=$3`, recordCols, s.table),
		owner.UserID, owner.SessionID, text)
	rec, err = scanRecord(row, s.scope)
	if err != nil {
		return Record{}, fmt.Errorf("%w: read back memory: %v", memerr.ErrStorage, err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, owner OwnerKey, query string, offset, limit int) ([]Record, int, error) {
	if err := validateOwner(s.scope, owner); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	where := `WHERE user_id=$1 AND session_id=$2`
	args := []any{owner.UserID, owner.SessionID}
	if query != "" {
		where += ` AND text ILIKE $3`
		args = append(args, "%"+escapeLike(query)+"%")
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(1) FROM %s %s`, s.table, where), args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count memories: %v", memerr.ErrStorage, err)
	}

	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s %s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		recordCols, s.table, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list memories: %v", memerr.ErrStorage, err)
	}
	defer rows.Close()

	items, err := collectRecords(rows, s.scope)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, s.table), id)
	if err != nil {
		return 0, fmt.Errorf("%w: delete memory: %v", memerr.ErrStorage, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Clear(ctx context.Context, owner OwnerKey) (int, error) {
	if err := validateOwner(s.scope, owner); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE user_id=$1 AND session_id=$2`, s.table),
		owner.UserID, owner.SessionID)
	if err != nil {
		return 0, fmt.Errorf("%w: clear memories: %v", memerr.ErrStorage, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SearchText(ctx context.Context, owner OwnerKey, query string, topk int) ([]Record, int, error) {
	if err := validateOwner(s.scope, owner); err != nil {
		return nil, 0, err
	}
	if topk <= 0 {
		topk = 10
	}
	query = NormalizeText(query)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE user_id=$1 AND session_id=$2 AND text ILIKE $3
		 ORDER BY id DESC LIMIT $4`, recordCols, s.table),
		owner.UserID, owner.SessionID, "%"+escapeLike(query)+"%", topk)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: search memories: %v", memerr.ErrStorage, err)
	}
	defer rows.Close()

	items, err := collectRecords(rows, s.scope)
	if err != nil {
		return nil, 0, err
	}
	return items, len(items), nil
}

func (s *PostgresStore) SearchEmbed(ctx context.Context, owner OwnerKey, queryText string, topk, candidateWindow int) ([]Record, int, error) {
	if err := validateOwner(s.scope, owner); err != nil {
		return nil, 0, err
	}
	if topk <= 0 {
		topk = 10
	}
	if candidateWindow <= 0 {
		candidateWindow = 500
	}

	vecs, err := s.embedder.Embed(ctx, []string{NormalizeText(queryText)})
	if err != nil {
		return nil, 0, err
	}
	queryVec := vecs[0]

	// Brute-force over the most recent candidateWindow rows: correctness
	// within the recency window rather than a full-corpus scan.
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE user_id=$1 AND session_id=$2
		 ORDER BY id DESC LIMIT $3`, recordCols, s.table),
		owner.UserID, owner.SessionID, candidateWindow)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: load candidates: %v", memerr.ErrStorage, err)
	}
	defer rows.Close()

	window, err := collectRecords(rows, s.scope)
	if err != nil {
		return nil, 0, err
	}

	scores := make([]float64, len(window))
	for i, r := range window {
		score, err := similarity.Cosine(queryVec, r.Embedding)
		if err != nil {
			return nil, 0, err
		}
		scores[i] = score
	}

	order := make([]int, len(window))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	if len(order) > topk {
		order = order[:topk]
	}

	out := make([]Record, len(order))
	for i, idx := range order {
		out[i] = window[idx].WithSimilarity(scores[idx])
	}
	return out, len(out), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike neutralizes LIKE metacharacters so user queries match
// literally, the same way the in-memory store's substring match does.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, scope Scope) (Record, error) {
	var (
		r         Record
		embedding []byte
		metaJSON  []byte
		updatedAt *time.Time
	)
	err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Text, &embedding, &metaJSON,
		&r.EmbVersion, &r.Model, &r.Dim, &r.CreatedAt, &updatedAt)
	if err != nil {
		return Record{}, err
	}
	r.Scope = scope
	r.Embedding = decodeVector(embedding)
	if updatedAt != nil {
		r.UpdatedAt = *updatedAt
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &r.Meta); err != nil {
			r.Meta = nil
		}
	}
	return r, nil
}

func collectRecords(rows pgx.Rows, scope Scope) ([]Record, error) {
	var items []Record
	for rows.Next() {
		r, err := scanRecord(rows, scope)
		if err != nil {
			return nil, fmt.Errorf("%w: scan memory row: %v", memerr.ErrStorage, err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate memory rows: %v", memerr.ErrStorage, err)
	}
	return items, nil
}
