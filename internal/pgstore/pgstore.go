// Package pgstore is the PostgreSQL implementation of the relational
// store: applications, vanity codes, grants and tokens, with deletion
// cascades enforced by foreign keys.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/authlink/internal/models"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config captures what is needed to open the store.
type Config struct {
	DSN string
	// Schema, when set, is created if missing and used to qualify every table.
	Schema string
}

// Store persists relational state in PostgreSQL.
type Store struct {
	db  *sql.DB
	cfg Config
	q   *strings.Replacer
}

// New opens a connection pool and checks it with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	s.q = strings.NewReplacer(
		"{applications}", s.fullTableName("applications"),
		"{vanity_codes}", s.fullTableName("vanity_codes"),
		"{grants}", s.fullTableName("grants"),
		"{oauth_tokens}", s.fullTableName("oauth_tokens"),
	)

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

func (s *Store) fullTableName(name string) string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdentifier(name)
	}

	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(name)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}

// expand expands table placeholders in query.
func (s *Store) expand(query string) string {
	return s.q.Replace(query)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS {applications} (
		client_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		icon_hash TEXT NOT NULL DEFAULT '',
		redirect_uris JSONB NOT NULL DEFAULT '[]',
		secret_hash TEXT NOT NULL,
		team_id TEXT NOT NULL DEFAULT '',
		show_linked_server BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS {vanity_codes} (
		code TEXT PRIMARY KEY,
		client_id TEXT NOT NULL UNIQUE REFERENCES {applications} (client_id) ON DELETE CASCADE,
		scopes TEXT NOT NULL DEFAULT '',
		redirect_uri TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		disabled_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS {grants} (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES {applications} (client_id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		scopes TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS grants_user_client_idx ON {grants} (user_id, client_id)`,
	`CREATE TABLE IF NOT EXISTS {oauth_tokens} (
		token_hash TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		pair_id TEXT NOT NULL,
		grant_id TEXT NOT NULL REFERENCES {grants} (id) ON DELETE CASCADE,
		client_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		scopes TEXT NOT NULL,
		expires_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS oauth_tokens_pair_idx ON {oauth_tokens} (pair_id)`,
}

// EnsureSchema creates the required tables (and schema when provided).
func (s *Store) EnsureSchema(ctx context.Context) error {
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, s.expand(stmt)); err != nil {
			return fmt.Errorf("postgres store: ensure schema: %w", err)
		}
	}

	return nil
}

// Scopes are stored space-delimited, the same shape they take on the wire.
func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(s string) []string {
	return strings.Fields(s)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// --- Applications ---

func (s *Store) SaveApplication(ctx context.Context, app models.Application) error {
	uris, err := json.Marshal(app.RedirectURIs)
	if err != nil {
		return fmt.Errorf("postgres store: encode redirect uris: %w", err)
	}

	createdAt := app.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, s.expand(`
		INSERT INTO {applications}
			(client_id, owner_id, name, icon_hash, redirect_uris, secret_hash, team_id, show_linked_server, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (client_id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			icon_hash = EXCLUDED.icon_hash,
			redirect_uris = EXCLUDED.redirect_uris,
			secret_hash = EXCLUDED.secret_hash,
			team_id = EXCLUDED.team_id,
			show_linked_server = EXCLUDED.show_linked_server
	`), app.ClientID, app.OwnerID, app.Name, app.IconHash, string(uris), app.SecretHash, app.TeamID, app.ShowLinkedServer, createdAt)
	if err != nil {
		return fmt.Errorf("postgres store: save application %s: %w", app.ClientID, err)
	}

	return nil
}

const applicationColumns = `client_id, owner_id, name, icon_hash, redirect_uris, secret_hash, team_id, show_linked_server, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (models.Application, error) {
	var (
		app  models.Application
		uris []byte
	)

	err := row.Scan(&app.ClientID, &app.OwnerID, &app.Name, &app.IconHash, &uris,
		&app.SecretHash, &app.TeamID, &app.ShowLinkedServer, &app.CreatedAt)
	if err != nil {
		return app, err
	}

	if err := json.Unmarshal(uris, &app.RedirectURIs); err != nil {
		return app, fmt.Errorf("decode redirect uris: %w", err)
	}

	return app, nil
}

func (s *Store) GetApplication(ctx context.Context, clientID string) (*models.Application, error) {
	row := s.db.QueryRowContext(ctx, s.expand(`SELECT `+applicationColumns+` FROM {applications} WHERE client_id = $1`), clientID)

	app, err := scanApplication(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("postgres store: get application %s: %w", clientID, err)
	}

	return &app, nil
}

func (s *Store) AllApplications(ctx context.Context) ([]models.Application, error) {
	rows, err := s.db.QueryContext(ctx, s.expand(`SELECT `+applicationColumns+` FROM {applications} ORDER BY created_at`))
	if err != nil {
		return nil, fmt.Errorf("postgres store: list applications: %w", err)
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: scan application: %w", err)
		}

		apps = append(apps, app)
	}

	return apps, rows.Err()
}

// DeleteApplication removes an application. Its vanity code, grants and
// (through grants) tokens go with it by foreign key cascade.
func (s *Store) DeleteApplication(ctx context.Context, clientID string) error {
	if _, err := s.db.ExecContext(ctx, s.expand(`DELETE FROM {applications} WHERE client_id = $1`), clientID); err != nil {
		return fmt.Errorf("postgres store: delete application %s: %w", clientID, err)
	}

	return nil
}

// --- Vanity codes ---

// SaveVanityCode creates or replaces a vanity code, dropping any other
// code the same client held.
func (s *Store) SaveVanityCode(ctx context.Context, vc models.VanityCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.expand(`DELETE FROM {vanity_codes} WHERE client_id = $1 AND code <> $2`), vc.ClientID, vc.Code); err != nil {
		return fmt.Errorf("postgres store: replace vanity code: %w", err)
	}

	var disabled sql.NullTime
	if vc.DisabledAt != nil {
		disabled = sql.NullTime{Time: *vc.DisabledAt, Valid: true}
	}

	_, err = tx.ExecContext(ctx, s.expand(`
		INSERT INTO {vanity_codes} (code, client_id, scopes, redirect_uri, prompt, disabled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			scopes = EXCLUDED.scopes,
			redirect_uri = EXCLUDED.redirect_uri,
			prompt = EXCLUDED.prompt,
			disabled_at = EXCLUDED.disabled_at
	`), vc.Code, vc.ClientID, joinScopes(vc.Scopes), vc.RedirectURI, vc.Prompt, disabled)
	if err != nil {
		return fmt.Errorf("postgres store: save vanity code %s: %w", vc.Code, err)
	}

	return tx.Commit()
}

const vanityColumns = `code, client_id, scopes, redirect_uri, prompt, disabled_at`

func scanVanityCode(row rowScanner) (models.VanityCode, error) {
	var (
		vc       models.VanityCode
		scopes   string
		disabled sql.NullTime
	)

	if err := row.Scan(&vc.Code, &vc.ClientID, &scopes, &vc.RedirectURI, &vc.Prompt, &disabled); err != nil {
		return vc, err
	}

	vc.Scopes = splitScopes(scopes)
	if disabled.Valid {
		at := disabled.Time
		vc.DisabledAt = &at
	}

	return vc, nil
}

func (s *Store) GetVanityCode(ctx context.Context, code string) (*models.VanityCode, error) {
	row := s.db.QueryRowContext(ctx, s.expand(`SELECT `+vanityColumns+` FROM {vanity_codes} WHERE code = $1`), code)

	vc, err := scanVanityCode(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("postgres store: get vanity code %s: %w", code, err)
	}

	return &vc, nil
}

func (s *Store) AllVanityCodes(ctx context.Context) ([]models.VanityCode, error) {
	rows, err := s.db.QueryContext(ctx, s.expand(`SELECT `+vanityColumns+` FROM {vanity_codes} ORDER BY code`))
	if err != nil {
		return nil, fmt.Errorf("postgres store: list vanity codes: %w", err)
	}
	defer rows.Close()

	var codes []models.VanityCode
	for rows.Next() {
		vc, err := scanVanityCode(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: scan vanity code: %w", err)
		}

		codes = append(codes, vc)
	}

	return codes, rows.Err()
}

func (s *Store) DeleteVanityCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx, s.expand(`DELETE FROM {vanity_codes} WHERE code = $1`), code); err != nil {
		return fmt.Errorf("postgres store: delete vanity code %s: %w", code, err)
	}

	return nil
}

// --- Grants ---

func (s *Store) SaveGrant(ctx context.Context, g models.Grant) error {
	_, err := s.db.ExecContext(ctx, s.expand(`
		INSERT INTO {grants} (id, client_id, user_id, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at
	`), g.ID, g.ClientID, g.UserID, joinScopes(g.Scopes), g.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres store: save grant %s: %w", g.ID, err)
	}

	return nil
}

func scanGrant(row rowScanner) (models.Grant, error) {
	var (
		g      models.Grant
		scopes string
	)

	if err := row.Scan(&g.ID, &g.ClientID, &g.UserID, &scopes, &g.ExpiresAt); err != nil {
		return g, err
	}

	g.Scopes = splitScopes(scopes)

	return g, nil
}

func (s *Store) GetGrant(ctx context.Context, id string) (*models.Grant, error) {
	row := s.db.QueryRowContext(ctx, s.expand(`SELECT id, client_id, user_id, scopes, expires_at FROM {grants} WHERE id = $1`), id)

	g, err := scanGrant(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("postgres store: get grant %s: %w", id, err)
	}

	return &g, nil
}

// ExtendGrant updates the expiry of an existing grant. Returns false
// when no row matched, in which case nothing is written.
func (s *Store) ExtendGrant(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.expand(`UPDATE {grants} SET expires_at = $2 WHERE id = $1`), id, expiresAt)
	if err != nil {
		return false, fmt.Errorf("postgres store: extend grant %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres store: extend grant %s: %w", id, err)
	}

	return n > 0, nil
}

// GrantsFor lists a user's grants for clientID, or for every client when
// clientID is empty.
func (s *Store) GrantsFor(ctx context.Context, clientID, userID string) ([]models.Grant, error) {
	rows, err := s.db.QueryContext(ctx, s.expand(`
		SELECT id, client_id, user_id, scopes, expires_at FROM {grants}
		WHERE user_id = $1 AND ($2 = '' OR client_id = $2)
		ORDER BY expires_at
	`), userID, clientID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list grants: %w", err)
	}
	defer rows.Close()

	var grants []models.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: scan grant: %w", err)
		}

		grants = append(grants, g)
	}

	return grants, rows.Err()
}

// DeleteGrants removes a user's grants for a client. Tokens issued under
// them cascade.
func (s *Store) DeleteGrants(ctx context.Context, clientID, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.expand(`DELETE FROM {grants} WHERE client_id = $1 AND user_id = $2`), clientID, userID)
	if err != nil {
		return 0, fmt.Errorf("postgres store: delete grants: %w", err)
	}

	n, err := res.RowsAffected()

	return int(n), err
}

// --- Tokens ---

func (s *Store) SaveToken(ctx context.Context, t models.OAuthToken) error {
	if t.TokenHash == "" {
		return fmt.Errorf("token hash is required for persistence")
	}

	_, err := s.db.ExecContext(ctx, s.expand(`
		INSERT INTO {oauth_tokens} (token_hash, kind, pair_id, grant_id, client_id, user_id, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`), t.TokenHash, string(t.Kind), t.PairID, t.GrantID, t.ClientID, t.UserID, joinScopes(t.Scopes), nullTime(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("postgres store: save token: %w", err)
	}

	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenHash string) (*models.OAuthToken, error) {
	var (
		t       models.OAuthToken
		kind    string
		scopes  string
		expires sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, s.expand(`
		SELECT token_hash, kind, pair_id, grant_id, client_id, user_id, scopes, expires_at
		FROM {oauth_tokens} WHERE token_hash = $1
	`), tokenHash).Scan(&t.TokenHash, &kind, &t.PairID, &t.GrantID, &t.ClientID, &t.UserID, &scopes, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("postgres store: get token: %w", err)
	}

	t.Kind = models.TokenKind(kind)
	t.Scopes = splitScopes(scopes)
	if expires.Valid {
		t.ExpiresAt = expires.Time
	}

	return &t, nil
}

func (s *Store) DeleteTokenPair(ctx context.Context, pairID string) error {
	if _, err := s.db.ExecContext(ctx, s.expand(`DELETE FROM {oauth_tokens} WHERE pair_id = $1`), pairID); err != nil {
		return fmt.Errorf("postgres store: delete token pair: %w", err)
	}

	return nil
}

// PruneExpired removes expired grants with their tokens and access
// tokens past their own expiry.
func (s *Store) PruneExpired(ctx context.Context, now time.Time) (grants, tokens int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.expand(`
		DELETE FROM {oauth_tokens}
		WHERE (expires_at IS NOT NULL AND expires_at <= $1)
		   OR grant_id IN (SELECT id FROM {grants} WHERE expires_at <= $1)
	`), now)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres store: prune tokens: %w", err)
	}

	nt, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, s.expand(`DELETE FROM {grants} WHERE expires_at <= $1`), now)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres store: prune grants: %w", err)
	}

	ng, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("postgres store: commit prune: %w", err)
	}

	return int(ng), int(nt), nil
}
