package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/facematch"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint violation.
const uniqueViolation = "23505"

// IdentityRepository provides PostgreSQL-backed identity storage. Reference
// embeddings live in a pgvector column, one row per reference.
type IdentityRepository struct {
	pool *Pool
	now  func() time.Time
}

// NewIdentityRepository creates a new PostgreSQL identity repository.
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool, now: time.Now}
}

// Get retrieves an identity by face id, returns nil if not found.
func (r *IdentityRepository) Get(ctx context.Context, faceID string) (*database.StoredIdentity, error) {
	var (
		rowID    int64
		identity database.StoredIdentity
		email    sql.NullString
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, face_id, name, email, password_hash, model, created_at, updated_at
		FROM identities
		WHERE face_id = $1
	`, faceID).Scan(&rowID, &identity.FaceID, &identity.Name, &email, &identity.PasswordHash,
		&identity.Model, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query identity: %w", err)
	}
	identity.Email = email.String

	rows, err := r.pool.Query(ctx,
		"SELECT embedding FROM face_references WHERE identity_id = $1 ORDER BY idx", rowID)
	if err != nil {
		return nil, fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		identity.Embeddings = append(identity.Embeddings, facematch.Embedding(vec.Slice()))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return &identity, nil
}

// ExistsByEmail checks whether any identity carries the email (case-insensitive).
func (r *IdentityRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	if email == "" {
		return false, nil
	}
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM identities WHERE LOWER(email) = LOWER($1))", email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check email exists: %w", err)
	}
	return exists, nil
}

// References returns a snapshot of all reference sets in enrollment order.
// The whole snapshot is read by a single statement.
func (r *IdentityRepository) References(ctx context.Context) ([]facematch.Reference, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.face_id, r.embedding
		FROM identities i
		JOIN face_references r ON r.identity_id = i.id
		ORDER BY i.id, r.idx
	`)
	if err != nil {
		return nil, fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()

	return scanReferences(rows)
}

// ReferencesFor returns the reference sets of the given identities in enrollment order.
func (r *IdentityRepository) ReferencesFor(ctx context.Context, faceIDs []string) ([]facematch.Reference, error) {
	if len(faceIDs) == 0 {
		return []facematch.Reference{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT i.face_id, r.embedding
		FROM identities i
		JOIN face_references r ON r.identity_id = i.id
		WHERE i.face_id = ANY($1)
		ORDER BY i.id, r.idx
	`, pq.Array(faceIDs))
	if err != nil {
		return nil, fmt.Errorf("query references by face ids: %w", err)
	}
	defer rows.Close()

	return scanReferences(rows)
}

// scanReferences groups consecutive rows of the same identity.
func scanReferences(rows *sql.Rows) ([]facematch.Reference, error) {
	refs := []facematch.Reference{}
	for rows.Next() {
		var (
			faceID string
			vec    pgvector.Vector
		)
		if err := rows.Scan(&faceID, &vec); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		if n := len(refs); n == 0 || refs[n-1].Identity != faceID {
			refs = append(refs, facematch.Reference{Identity: faceID})
		}
		last := &refs[len(refs)-1]
		last.Embeddings = append(last.Embeddings, facematch.Embedding(vec.Slice()))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return refs, nil
}

// Count returns the number of enrolled identities.
func (r *IdentityRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// List returns all identities in enrollment order.
func (r *IdentityRepository) List(ctx context.Context) ([]database.IdentitySummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.face_id, i.name, COALESCE(i.email, ''), i.model, i.created_at, i.updated_at,
		       (SELECT COUNT(*) FROM face_references r WHERE r.identity_id = i.id)
		FROM identities i
		ORDER BY i.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	out := []database.IdentitySummary{}
	for rows.Next() {
		var s database.IdentitySummary
		if err := rows.Scan(&s.FaceID, &s.Name, &s.Email, &s.Model, &s.CreatedAt, &s.UpdatedAt, &s.References); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// Put stores the identity and replaces its reference set in one transaction.
// The upsert locks the identity row, so concurrent writers of the same face id
// are serialized and the last one wins.
func (r *IdentityRepository) Put(ctx context.Context, identity *database.StoredIdentity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	now := r.now().UTC()
	created := identity.CreatedAt
	if created.IsZero() {
		created = now
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var rowID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO identities (face_id, name, email, password_hash, model, dim, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
		ON CONFLICT (face_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			password_hash = EXCLUDED.password_hash,
			model = EXCLUDED.model,
			dim = EXCLUDED.dim,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, identity.FaceID, identity.Name, identity.Email, identity.PasswordHash, identity.Model,
		identity.Dim(), created, now).Scan(&rowID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", database.ErrEmailTaken, identity.Email)
		}
		return fmt.Errorf("upsert identity: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM face_references WHERE identity_id = $1", rowID); err != nil {
		return fmt.Errorf("delete old references: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO face_references (identity_id, idx, embedding) VALUES ($1, $2, $3)")
	if err != nil {
		return fmt.Errorf("prepare reference insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range identity.Embeddings {
		if _, err := stmt.ExecContext(ctx, rowID, i, pgvector.NewVector(e)); err != nil {
			return fmt.Errorf("insert reference %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit identity: %w", err)
	}
	return nil
}

// Delete removes an identity and its references, reports whether it existed.
func (r *IdentityRepository) Delete(ctx context.Context, faceID string) (bool, error) {
	result, err := r.pool.Exec(ctx, "DELETE FROM identities WHERE face_id = $1", faceID)
	if err != nil {
		return false, fmt.Errorf("delete identity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// NextFaceID reserves a new sequential face id, skipping ids stored under
// explicitly chosen face ids.
func (r *IdentityRepository) NextFaceID(ctx context.Context) (string, error) {
	for {
		var seq int64
		if err := r.pool.QueryRow(ctx, "SELECT nextval('face_id_seq')").Scan(&seq); err != nil {
			return "", fmt.Errorf("next face id: %w", err)
		}
		faceID := database.FormatFaceID(seq)

		var taken bool
		err := r.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM identities WHERE face_id = $1)", faceID).Scan(&taken)
		if err != nil {
			return "", fmt.Errorf("check face id: %w", err)
		}
		if !taken {
			return faceID, nil
		}
	}
}

// NearestIdentities returns up to k identities ordered by the distance of
// their closest reference, computed by pgvector. Any stored identity with a
// different embedding dimension fails the search with ErrDimensionMismatch.
func (r *IdentityRepository) NearestIdentities(ctx context.Context, embedding facematch.Embedding, k int) ([]string, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	var otherDim int
	err := r.pool.QueryRow(ctx, `SELECT dim FROM identities WHERE dim <> $1 LIMIT 1`, len(embedding)).Scan(&otherDim)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: directory holds %d-dimensional embeddings, candidate has %d",
			facematch.ErrDimensionMismatch, otherDim, len(embedding))
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check embedding dimensions: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT i.face_id
		FROM face_references r
		JOIN identities i ON i.id = r.identity_id
		GROUP BY i.id, i.face_id
		ORDER BY MIN(r.embedding <-> $1), i.id
		LIMIT $2
	`, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("query nearest identities: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var faceID string
		if err := rows.Scan(&faceID); err != nil {
			return nil, fmt.Errorf("scan face id: %w", err)
		}
		out = append(out, faceID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest identities: %w", err)
	}
	return out, nil
}

// Verify interface compliance.
var (
	_ database.IdentityWriter  = (*IdentityRepository)(nil)
	_ database.CandidateFinder = (*IdentityRepository)(nil)
)
