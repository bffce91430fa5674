package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"post_pipeline/internal/domain"
)

// Postgres caps bind parameters at 65535 per statement.
const (
	postColumns      = 9
	upsertChunkSize  = 500
	insertPostPrefix = `INSERT INTO posts (
			post_pk, username, published_at, media_num, like_count,
			comment_count, caption, media_url, batch_tag
		) VALUES `
	// tipo is never touched here: a re-scrape must not erase a category.
	upsertPostSuffix = `
		ON CONFLICT (post_pk) DO UPDATE SET
			username = EXCLUDED.username,
			published_at = EXCLUDED.published_at,
			media_num = EXCLUDED.media_num,
			like_count = EXCLUDED.like_count,
			comment_count = EXCLUDED.comment_count,
			caption = EXCLUDED.caption,
			media_url = EXCLUDED.media_url,
			batch_tag = COALESCE(EXCLUDED.batch_tag, posts.batch_tag),
			updated_at = NOW()`
)

type postRow struct {
	PostPK       string         `db:"post_pk"`
	Username     string         `db:"username"`
	PublishedAt  time.Time      `db:"published_at"`
	MediaNum     int            `db:"media_num"`
	LikeCount    int64          `db:"like_count"`
	CommentCount int64          `db:"comment_count"`
	Caption      string         `db:"caption"`
	MediaURL     string         `db:"media_url"`
	Tipo         sql.NullString `db:"tipo"`
	BatchTag     sql.NullInt64  `db:"batch_tag"`
}

func (r *postRow) toDomain() domain.Post {
	post := domain.Post{
		ID:           r.PostPK,
		OwnerHandle:  r.Username,
		PublishedAt:  r.PublishedAt.UTC(),
		MediaKind:    domain.MediaKind(r.MediaNum),
		LikeCount:    r.LikeCount,
		CommentCount: r.CommentCount,
		Caption:      r.Caption,
		Permalink:    r.MediaURL,
	}
	if r.Tipo.Valid {
		// Legacy labels are mapped here; anything unrecognised reads as Other.
		category, ok := domain.ParseCategory(r.Tipo.String)
		if !ok {
			category = domain.CategoryOther
		}
		post.Category = category
	}
	if r.BatchTag.Valid {
		tag := int(r.BatchTag.Int64)
		post.BatchTag = &tag
	}
	return post
}

type PostStore struct {
	db *sqlx.DB
}

func NewPostStore(db *sqlx.DB) *PostStore {
	return &PostStore{db: db}
}

// UpsertPosts inserts new posts and refreshes the mutable fields of known
// ones. Every post is stored under owner. An existing category is kept.
func (s *PostStore) UpsertPosts(ctx context.Context, owner string, posts []domain.Post) error {
	posts = dedupePosts(posts)
	if len(posts) == 0 {
		return nil
	}

	exec := GetExecutor(ctx, s.db)
	for start := 0; start < len(posts); start += upsertChunkSize {
		end := min(start+upsertChunkSize, len(posts))
		query, args := buildUpsert(owner, posts[start:end])
		if _, err := exec.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert posts: %w", err)
		}
	}
	return nil
}

func buildUpsert(owner string, posts []domain.Post) (string, []any) {
	var sb strings.Builder
	sb.WriteString(insertPostPrefix)
	args := make([]any, 0, len(posts)*postColumns)

	for i := range posts {
		p := &posts[i]
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for col := 1; col <= postColumns; col++ {
			if col > 1 {
				sb.WriteString(", ")
			}
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(i*postColumns + col))
		}
		sb.WriteString(")")

		var batchTag sql.NullInt64
		if p.BatchTag != nil {
			batchTag = sql.NullInt64{Int64: int64(*p.BatchTag), Valid: true}
		}
		args = append(args,
			p.ID,
			owner,
			p.PublishedAt,
			int(p.MediaKind),
			p.LikeCount,
			p.CommentCount,
			p.Caption,
			p.Permalink,
			batchTag,
		)
	}
	sb.WriteString(upsertPostSuffix)
	return sb.String(), args
}

// dedupePosts keeps the last occurrence of each id. A single INSERT may not
// touch the same conflict key twice.
func dedupePosts(posts []domain.Post) []domain.Post {
	index := make(map[string]int, len(posts))
	out := make([]domain.Post, 0, len(posts))
	for _, p := range posts {
		if i, ok := index[p.ID]; ok {
			out[i] = p
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}

// FetchPosts returns the owner's posts, most recent first. limit <= 0
// means no limit.
func (s *PostStore) FetchPosts(ctx context.Context, owner string, limit int) ([]domain.Post, error) {
	query := `
		SELECT post_pk, username, published_at, media_num, like_count,
			comment_count, caption, media_url, tipo, batch_tag
		FROM posts
		WHERE username = $1
		ORDER BY published_at DESC, post_pk DESC`
	args := []any{owner}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	var rows []postRow
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("fetch posts: %w", err)
	}

	posts := make([]domain.Post, len(rows))
	for i := range rows {
		posts[i] = rows[i].toDomain()
	}
	return posts, nil
}

// ApplyClassifications writes each category onto its post in one
// statement. Ids with no stored row are returned in missing instead of
// failing the batch.
func (s *PostStore) ApplyClassifications(ctx context.Context, classifications []domain.Classification) (int, []string, error) {
	if len(classifications) == 0 {
		return 0, nil, nil
	}

	latest := make(map[string]domain.Category, len(classifications))
	ids := make([]string, 0, len(classifications))
	for _, c := range classifications {
		if c.Category == domain.CategoryUnset || !c.Category.Valid() {
			return 0, nil, fmt.Errorf("post %s: invalid category %q", c.PostID, c.Category)
		}
		if _, seen := latest[c.PostID]; !seen {
			ids = append(ids, c.PostID)
		}
		latest[c.PostID] = c.Category
	}

	categories := make([]string, len(ids))
	for i, id := range ids {
		categories[i] = string(latest[id])
	}

	query := `
		UPDATE posts AS p
		SET tipo = v.tipo, updated_at = NOW()
		FROM unnest($1::text[], $2::text[]) AS v(post_pk, tipo)
		WHERE p.post_pk = v.post_pk
		RETURNING p.post_pk`

	var updated []string
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &updated, query, pq.Array(ids), pq.Array(categories))
	if err != nil {
		return 0, nil, fmt.Errorf("apply classifications: %w", err)
	}

	found := make(map[string]struct{}, len(updated))
	for _, id := range updated {
		found[id] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}

	return len(found), missing, nil
}
