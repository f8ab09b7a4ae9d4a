package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, password_hash, role)
		VALUES ($1, LOWER($2), $3, $4)
		RETURNING id, created_at
	`, user.Name, user.Email, user.PasswordHash, user.Role).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, created_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateDocument inserts the document, its membership rows, and the
// initial revision in one transaction.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc *Document, rev *Revision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO documents (title, content, owner_id, owner_name, owner_email, last_edited_by, is_public)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, doc.Title, doc.Content, doc.OwnerID, doc.OwnerName, doc.OwnerEmail, doc.LastEditedBy, doc.IsPublic).
		Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	if err := replaceMembers(ctx, tx, doc.ID, doc.Editors, doc.Viewers); err != nil {
		return err
	}

	rev.DocumentID = doc.ID
	if err := insertRevision(ctx, tx, rev); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create document: %w", err)
	}
	return nil
}

// UpdateDocument applies the mutated document fields and appends one
// revision; both commit together or not at all.
func (s *PostgresStore) UpdateDocument(ctx context.Context, doc *Document, rev *Revision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		UPDATE documents
		SET title=$2, content=$3, last_edited_by=$4, updated_at=NOW()
		WHERE id=$1
		RETURNING updated_at
	`, doc.ID, doc.Title, doc.Content, doc.LastEditedBy).Scan(&doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("update document: %w", err)
	}

	rev.DocumentID = doc.ID
	if err := insertRevision(ctx, tx, rev); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update document: %w", err)
	}
	return nil
}

// SetMembers replaces the editor and viewer sets of a document.
func (s *PostgresStore) SetMembers(ctx context.Context, documentID int64, editors, viewers []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set members: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_members WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	if err := replaceMembers(ctx, tx, documentID, editors, viewers); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set members: %w", err)
	}
	return nil
}

// DeleteDocument removes the document and all owned rows: revisions and
// memberships first, then the document, in one transaction.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM revisions WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("delete revisions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_members WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("delete members: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID int64) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, owner_id, owner_name, owner_email, last_edited_by, is_public, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(
		&doc.ID,
		&doc.Title,
		&doc.Content,
		&doc.OwnerID,
		&doc.OwnerName,
		&doc.OwnerEmail,
		&doc.LastEditedBy,
		&doc.IsPublic,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	if err := s.loadMembers(ctx, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) loadMembers(ctx context.Context, doc *Document) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, member_role
		FROM document_members
		WHERE document_id=$1
		ORDER BY user_id ASC
	`, doc.ID)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	defer rows.Close()

	doc.Editors = make([]int64, 0)
	doc.Viewers = make([]int64, 0)
	for rows.Next() {
		var userID int64
		var memberRole string
		if err := rows.Scan(&userID, &memberRole); err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		if memberRole == "viewer" {
			doc.Viewers = append(doc.Viewers, userID)
		} else {
			doc.Editors = append(doc.Editors, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate members: %w", err)
	}
	return nil
}

// ListAccessible returns the documents visible to the actor, newest
// updated first. Admins see everything; everyone else sees documents
// they own, documents they are a member of, and public documents.
// Membership is a real set lookup against document_members, never a
// substring match over a serialized id list.
func (s *PostgresStore) ListAccessible(ctx context.Context, actorID int64, isAdmin bool) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.content, d.owner_id, d.owner_name, d.owner_email,
			d.last_edited_by, d.is_public, d.created_at, d.updated_at,
			(SELECT COUNT(*) FROM revisions r WHERE r.document_id = d.id)::int AS revision_count
		FROM documents d
		WHERE $2::boolean
			OR d.owner_id = $1
			OR d.is_public
			OR EXISTS (
				SELECT 1 FROM document_members m
				WHERE m.document_id = d.id AND m.user_id = $1
			)
		ORDER BY d.updated_at DESC
	`, actorID, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("list accessible documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(
			&doc.ID,
			&doc.Title,
			&doc.Content,
			&doc.OwnerID,
			&doc.OwnerName,
			&doc.OwnerEmail,
			&doc.LastEditedBy,
			&doc.IsPublic,
			&doc.CreatedAt,
			&doc.UpdatedAt,
			&doc.RevisionCount,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	for i := range items {
		if err := s.loadMembers(ctx, &items[i]); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, documentID int64) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, title, content, author_id, author_name, author_email,
			changes, added_lines, removed_lines, modified_lines, total_lines,
			restored_from_id, created_at
		FROM revisions
		WHERE document_id=$1
		ORDER BY created_at ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var rev Revision
		if err := rows.Scan(
			&rev.ID,
			&rev.DocumentID,
			&rev.Title,
			&rev.Content,
			&rev.AuthorID,
			&rev.AuthorName,
			&rev.AuthorEmail,
			&rev.Changes,
			&rev.AddedLines,
			&rev.RemovedLines,
			&rev.ModifiedLines,
			&rev.TotalLines,
			&rev.RestoredFromID,
			&rev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRevision(ctx context.Context, revisionID int64) (Revision, error) {
	var rev Revision
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, title, content, author_id, author_name, author_email,
			changes, added_lines, removed_lines, modified_lines, total_lines,
			restored_from_id, created_at
		FROM revisions
		WHERE id=$1
	`, revisionID).Scan(
		&rev.ID,
		&rev.DocumentID,
		&rev.Title,
		&rev.Content,
		&rev.AuthorID,
		&rev.AuthorName,
		&rev.AuthorEmail,
		&rev.Changes,
		&rev.AddedLines,
		&rev.RemovedLines,
		&rev.ModifiedLines,
		&rev.TotalLines,
		&rev.RestoredFromID,
		&rev.CreatedAt,
	)
	if err != nil {
		return Revision{}, err
	}
	return rev, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Name, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func replaceMembers(ctx context.Context, tx *sql.Tx, documentID int64, editors, viewers []int64) error {
	for _, userID := range editors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_members (document_id, user_id, member_role)
			VALUES ($1, $2, 'editor')
			ON CONFLICT (document_id, user_id) DO UPDATE SET member_role='editor'
		`, documentID, userID); err != nil {
			return fmt.Errorf("insert editor member: %w", err)
		}
	}
	for _, userID := range viewers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_members (document_id, user_id, member_role)
			VALUES ($1, $2, 'viewer')
			ON CONFLICT (document_id, user_id) DO NOTHING
		`, documentID, userID); err != nil {
			return fmt.Errorf("insert viewer member: %w", err)
		}
	}
	return nil
}

func insertRevision(ctx context.Context, tx *sql.Tx, rev *Revision) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO revisions (document_id, title, content, author_id, author_name, author_email,
			changes, added_lines, removed_lines, modified_lines, total_lines, restored_from_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`, rev.DocumentID, rev.Title, rev.Content, rev.AuthorID, rev.AuthorName, rev.AuthorEmail,
		rev.Changes, rev.AddedLines, rev.RemovedLines, rev.ModifiedLines, rev.TotalLines, rev.RestoredFromID).
		Scan(&rev.ID, &rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}
