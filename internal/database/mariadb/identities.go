package mariadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/facematch"
)

// duplicateEntry is the MySQL/MariaDB error number for a unique key violation.
const duplicateEntry = 1062

// IdentityRepository stores each identity in one row, the reference set as a
// JSON array of arrays, so a reference set is replaced by a single row write.
// The email collation is case-insensitive.
type IdentityRepository struct {
	pool *Pool
	now  func() time.Time
}

// NewIdentityRepository creates a new MariaDB identity repository.
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool, now: time.Now}
}

const identityColumns = "face_id, name, email, password_hash, model, embeddings, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*database.StoredIdentity, error) {
	var (
		identity database.StoredIdentity
		email    sql.NullString
		raw      string
	)
	if err := row.Scan(&identity.FaceID, &identity.Name, &email, &identity.PasswordHash,
		&identity.Model, &raw, &identity.CreatedAt, &identity.UpdatedAt); err != nil {
		return nil, err
	}
	identity.Email = email.String
	if err := json.Unmarshal([]byte(raw), &identity.Embeddings); err != nil {
		return nil, fmt.Errorf("decode embeddings of %s: %w", identity.FaceID, err)
	}
	return &identity, nil
}

// Get retrieves an identity by face id, returns nil if not found.
func (r *IdentityRepository) Get(ctx context.Context, faceID string) (*database.StoredIdentity, error) {
	row := r.pool.db.QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM identities WHERE face_id = ?", faceID)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query identity: %w", err)
	}
	return identity, nil
}

// ExistsByEmail checks whether any identity carries the email.
func (r *IdentityRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	if email == "" {
		return false, nil
	}
	var exists bool
	err := r.pool.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM identities WHERE email = ?)", email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check email exists: %w", err)
	}
	return exists, nil
}

// References returns a snapshot of all reference sets in enrollment order.
func (r *IdentityRepository) References(ctx context.Context) ([]facematch.Reference, error) {
	rows, err := r.pool.db.QueryContext(ctx,
		"SELECT "+identityColumns+" FROM identities ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()

	refs := []facematch.Reference{}
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		refs = append(refs, identity.Reference())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return refs, nil
}

// ReferencesFor returns the reference sets of the given identities in enrollment order.
func (r *IdentityRepository) ReferencesFor(ctx context.Context, faceIDs []string) ([]facematch.Reference, error) {
	if len(faceIDs) == 0 {
		return []facematch.Reference{}, nil
	}
	refs, err := r.References(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(faceIDs))
	for _, id := range faceIDs {
		wanted[id] = struct{}{}
	}
	out := refs[:0]
	for _, ref := range refs {
		if _, ok := wanted[ref.Identity]; ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Count returns the number of enrolled identities.
func (r *IdentityRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// List returns all identities in enrollment order.
func (r *IdentityRepository) List(ctx context.Context) ([]database.IdentitySummary, error) {
	rows, err := r.pool.db.QueryContext(ctx,
		"SELECT "+identityColumns+" FROM identities ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	out := []database.IdentitySummary{}
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, identity.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// Put inserts or replaces the identity. The existing row is locked first so
// concurrent writers of the same face id are serialized; the last one wins.
func (r *IdentityRepository) Put(ctx context.Context, identity *database.StoredIdentity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(identity.Embeddings)
	if err != nil {
		return fmt.Errorf("marshal embeddings: %w", err)
	}

	now := r.now().UTC()
	created := identity.CreatedAt
	if created.IsZero() {
		created = now
	}
	var email sql.NullString
	if identity.Email != "" {
		email = sql.NullString{String: identity.Email, Valid: true}
	}

	tx, err := r.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rowID uint64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM identities WHERE face_id = ? FOR UPDATE", identity.FaceID).Scan(&rowID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO identities (face_id, name, email, password_hash, model, dim, embeddings, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, identity.FaceID, identity.Name, email, identity.PasswordHash, identity.Model,
			identity.Dim(), string(data), created, now)
	case err != nil:
		return fmt.Errorf("lock identity: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE identities
			SET name = ?, email = ?, password_hash = ?, model = ?, dim = ?, embeddings = ?, updated_at = ?
			WHERE id = ?
		`, identity.Name, email, identity.PasswordHash, identity.Model,
			identity.Dim(), string(data), now, rowID)
	}
	if err != nil {
		return mapWriteError(identity, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit identity: %w", err)
	}
	return nil
}

// mapWriteError turns a unique key violation on the email into ErrEmailTaken.
func mapWriteError(identity *database.StoredIdentity, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == duplicateEntry && strings.Contains(myErr.Message, "email") {
		return fmt.Errorf("%w: %s", database.ErrEmailTaken, identity.Email)
	}
	return fmt.Errorf("write identity: %w", err)
}

// Delete removes an identity, reports whether it existed.
func (r *IdentityRepository) Delete(ctx context.Context, faceID string) (bool, error) {
	result, err := r.pool.db.ExecContext(ctx, "DELETE FROM identities WHERE face_id = ?", faceID)
	if err != nil {
		return false, fmt.Errorf("delete identity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// NextFaceID reserves a new sequential face id, skipping taken ids.
func (r *IdentityRepository) NextFaceID(ctx context.Context) (string, error) {
	for {
		var seq int64
		if err := r.pool.db.QueryRowContext(ctx, "SELECT NEXTVAL(face_id_seq)").Scan(&seq); err != nil {
			return "", fmt.Errorf("next face id: %w", err)
		}
		faceID := database.FormatFaceID(seq)

		var taken bool
		err := r.pool.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM identities WHERE face_id = ?)", faceID).Scan(&taken)
		if err != nil {
			return "", fmt.Errorf("check face id: %w", err)
		}
		if !taken {
			return faceID, nil
		}
	}
}

// Verify interface compliance.
var _ database.IdentityWriter = (*IdentityRepository)(nil)
