package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when an insert violates a unique constraint
// (duplicate email, username or share hash).
var ErrConflict = errors.New("conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.Email, user.PasswordHash)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetUserByEmail matches the email exactly, case-sensitive.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Tags

// EnsureTag resolves a normalized title to its canonical tag, creating it
// with the candidate id when absent. The unique title column is the source
// of truth: a concurrent create loses the insert and re-reads the winner.
func (s *PostgresStore) EnsureTag(ctx context.Context, candidateID, title string) (Tag, error) {
	var tag Tag
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tags (id, title)
		VALUES ($1, $2)
		ON CONFLICT (title) DO NOTHING
		RETURNING id, title
	`, candidateID, title).Scan(&tag.ID, &tag.Title)
	if err == nil {
		return tag, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Tag{}, fmt.Errorf("insert tag: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT id, title FROM tags WHERE title=$1`, title).Scan(&tag.ID, &tag.Title)
	if err != nil {
		return Tag{}, fmt.Errorf("lookup tag: %w", err)
	}
	return tag, nil
}

func (s *PostgresStore) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title FROM tags ORDER BY title ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.ID, &tag.Title); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// Content

func (s *PostgresStore) InsertContent(ctx context.Context, item Content) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert content: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contents (id, user_id, title, content_type, link, file_name, file_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.UserID, item.Title, item.ContentType, item.Link, nullString(item.FileName), nullInt(item.FileSize))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert content: %w", err)
	}

	for _, tag := range item.Tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO content_tags (content_id, tag_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, item.ID, tag.ID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert content tag: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetContent(ctx context.Context, contentID string) (Content, error) {
	items, err := s.queryContents(ctx, `WHERE c.id=$1`, contentID)
	if err != nil {
		return Content{}, err
	}
	if len(items) == 0 {
		return Content{}, sql.ErrNoRows
	}
	return items[0], nil
}

func (s *PostgresStore) ListContentByUser(ctx context.Context, userID string) ([]Content, error) {
	return s.queryContents(ctx, `WHERE c.user_id=$1`, userID)
}

func (s *PostgresStore) DeleteContent(ctx context.Context, contentID string) error {
	// content_tags rows go with it via ON DELETE CASCADE
	_, err := s.db.ExecContext(ctx, `DELETE FROM contents WHERE id=$1`, contentID)
	if err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	return nil
}

// queryContents fetches content rows with tags populated in one pass.
func (s *PostgresStore) queryContents(ctx context.Context, where string, args ...any) ([]Content, error) {
	query := `
		SELECT c.id, c.user_id, c.title, c.content_type, c.link,
			COALESCE(c.file_name, ''), COALESCE(c.file_size, 0), c.created_at,
			t.id, t.title
		FROM contents c
		LEFT JOIN content_tags ct ON ct.content_id = c.id
		LEFT JOIN tags t ON t.id = ct.tag_id
		` + where + `
		ORDER BY c.created_at DESC, c.id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contents: %w", err)
	}
	defer rows.Close()

	var items []Content
	index := map[string]int{}
	for rows.Next() {
		var item Content
		var tagID, tagTitle sql.NullString
		if err := rows.Scan(
			&item.ID, &item.UserID, &item.Title, &item.ContentType, &item.Link,
			&item.FileName, &item.FileSize, &item.CreatedAt,
			&tagID, &tagTitle,
		); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}

		pos, seen := index[item.ID]
		if !seen {
			item.Tags = []Tag{}
			items = append(items, item)
			pos = len(items) - 1
			index[item.ID] = pos
		}
		if tagID.Valid {
			items[pos].Tags = append(items[pos].Tags, Tag{ID: tagID.String, Title: tagTitle.String})
		}
	}
	return items, rows.Err()
}

// Share links

// UpsertShareLink installs a fresh hash for the owner in a single
// statement, so rotation can never leave zero or two live links.
func (s *PostgresStore) UpsertShareLink(ctx context.Context, userID, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (user_id, hash)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET hash=EXCLUDED.hash, created_at=NOW()
	`, userID, hash)
	if isUniqueViolation(err) {
		// hash collided with another user's link
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("upsert share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteShareLink(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM share_links WHERE user_id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShareLinkByHash(ctx context.Context, hash string) (ShareLink, error) {
	var link ShareLink
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, hash, created_at FROM share_links WHERE hash=$1
	`, hash).Scan(&link.UserID, &link.Hash, &link.CreatedAt)
	if err != nil {
		return ShareLink{}, err
	}
	return link, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
