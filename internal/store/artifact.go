package store

import (
	"context"
	"encoding/hex"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/zeebo/blake3"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	"github.com/lexlapax/llmspell-storage/internal/config"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// ArtifactStore implements capability.ContentAddressed (spec §3.8, §4.12):
// content is deduplicated by BLAKE3 hash with a ref_count, laid out inline or
// as a large object depending on size relative to config.Artifact's
// threshold.
type ArtifactStore struct {
	pool *pool.Pool
	cfg  config.Artifact
}

var _ capability.ContentAddressed = (*ArtifactStore)(nil)

func NewArtifactStore(p *pool.Pool, cfg config.Artifact) *ArtifactStore {
	return &ArtifactStore{pool: p, cfg: cfg}
}

// PutContent hashes data, inserts it if the hash is new (incrementing an
// existing row's ref_count on conflict), and rejects anything over
// MaxArtifactBytes.
func (s *ArtifactStore) PutContent(ctx context.Context, tenant models.Tenant, data []byte) ([32]byte, error) {
	if int64(len(data)) > s.cfg.MaxArtifactBytes {
		return [32]byte{}, storerrors.Permanent("artifact.put_content", "too_large", nil)
	}
	hash := blake3.Sum256(data)

	layout := models.LayoutInline
	var inlineBytes []byte
	var largeObjectID int64
	if int64(len(data)) > s.cfg.InlineThresholdBytes {
		layout = models.LayoutLargeObject
	} else {
		inlineBytes = data
	}

	err := withTenantTx(ctx, s.pool, tenant, func(tx pgx.Tx) error {
		if layout == models.LayoutLargeObject {
			loID, loErr := createLargeObject(ctx, tx, data)
			if loErr != nil {
				return storerrors.Permanent("artifact.put_content", "large_object_write", loErr)
			}
			largeObjectID = loID
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO llmspell.artifact_content
				(tenant_id, content_hash, inline_bytes, large_object_id, ref_count, original_size, size, last_accessed)
			VALUES ($1, $2, $3, $4, 1, $5, $5, now())
			ON CONFLICT (tenant_id, content_hash) DO UPDATE SET
				ref_count = llmspell.artifact_content.ref_count + 1,
				last_accessed = now()
		`, string(tenant), hash[:], inlineBytes, nullableLargeObjectID(layout, largeObjectID), len(data))
		return classifyWriteErr("artifact.put_content", err)
	})
	if err != nil {
		return [32]byte{}, err
	}
	return hash, nil
}

func (s *ArtifactStore) GetContent(ctx context.Context, tenant models.Tenant, hash [32]byte) ([]byte, bool, error) {
	var content models.ArtifactContent
	var loID *int64
	found := false

	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `
			SELECT inline_bytes, large_object_id, size
			FROM llmspell.artifact_content WHERE content_hash = $1
		`, hash[:])
		scanErr := row.Scan(&content.InlineBytes, &loID, &content.Size)
		if scanErr == pgx.ErrNoRows {
			return nil
		}
		if scanErr != nil {
			return storerrors.Transient("artifact.get_content", scanErr)
		}
		found = true
		if loID != nil {
			data, loErr := readLargeObject(ctx, conn, *loID)
			if loErr != nil {
				return storerrors.Permanent("artifact.get_content", "large_object_read", loErr)
			}
			content.InlineBytes = data
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return content.InlineBytes, true, nil
}

// PutMetadata stores an artifact's metadata envelope and increments the
// owning session's artifact_count (spec §4.12, §4.11). If ArtifactID is
// empty it is derived as "<session_id>:<sequence>:<content_hash>".
func (s *ArtifactStore) PutMetadata(ctx context.Context, meta models.ArtifactMetadata) (string, error) {
	if meta.ArtifactID == "" {
		meta.ArtifactID = artifactID(meta.SessionID, meta.Sequence, meta.ContentHash)
	}
	err := withTenantTx(ctx, s.pool, meta.Tenant, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO llmspell.artifact_metadata
				(tenant_id, artifact_id, session_id, sequence, content_hash, name, mime_type, created_by, version, parent_artifact_id, tags, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		`, string(meta.Tenant), meta.ArtifactID, meta.SessionID, meta.Sequence, meta.ContentHash[:],
			meta.Name, meta.MimeType, meta.CreatedBy, meta.Version, meta.ParentID, meta.Tags, jsonOrNil(meta.Metadata))
		if err != nil {
			return classifyWriteErr("artifact.put_metadata", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE llmspell.sessions SET artifact_count = artifact_count + 1 WHERE session_id = $1
		`, meta.SessionID)
		return classifyWriteErr("artifact.put_metadata", err)
	})
	if err != nil {
		return "", err
	}
	return meta.ArtifactID, nil
}

func (s *ArtifactStore) GetMetadata(ctx context.Context, tenant models.Tenant, artifactID string) (*models.ArtifactMetadata, error) {
	var m models.ArtifactMetadata
	var hashBytes []byte
	var metaJSON []byte

	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `
			SELECT tenant_id, artifact_id, session_id, sequence, content_hash, name, mime_type, created_by, version, parent_artifact_id, tags, metadata, created_at
			FROM llmspell.artifact_metadata WHERE artifact_id = $1
		`, artifactID)
		scanErr := row.Scan((*string)(&m.Tenant), &m.ArtifactID, &m.SessionID, &m.Sequence, &hashBytes,
			&m.Name, &m.MimeType, &m.CreatedBy, &m.Version, &m.ParentID, &m.Tags, &metaJSON, &m.CreatedAt)
		if scanErr == pgx.ErrNoRows {
			return storerrors.NotFound("artifact.get_metadata", artifactID)
		}
		if scanErr != nil {
			return storerrors.Transient("artifact.get_metadata", scanErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(hashBytes) == 32 {
		m.ContentHash = [32]byte(hashBytes)
	}
	_ = unmarshalOrNil(metaJSON, &m.Metadata)
	return &m, nil
}

// DeleteMetadata removes the metadata row and decrements its content's
// ref_count, refusing to remove content still referenced elsewhere (spec
// §4.12's dedup invariant — enforced here by simply never deleting content
// rows with ref_count > 0 after the decrement).
func (s *ArtifactStore) DeleteMetadata(ctx context.Context, tenant models.Tenant, artifactID string) error {
	return withTenantTx(ctx, s.pool, tenant, func(tx pgx.Tx) error {
		var hashBytes []byte
		var sessionID string
		err := tx.QueryRow(ctx, `
			SELECT content_hash, session_id FROM llmspell.artifact_metadata WHERE artifact_id = $1
		`, artifactID).Scan(&hashBytes, &sessionID)
		if err == pgx.ErrNoRows {
			return storerrors.NotFound("artifact.delete_metadata", artifactID)
		}
		if err != nil {
			return storerrors.Transient("artifact.delete_metadata", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM llmspell.artifact_metadata WHERE artifact_id = $1`, artifactID); err != nil {
			return classifyWriteErr("artifact.delete_metadata", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE llmspell.artifact_content SET ref_count = ref_count - 1 WHERE content_hash = $1
		`, hashBytes); err != nil {
			return classifyWriteErr("artifact.delete_metadata", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE llmspell.sessions SET artifact_count = artifact_count - 1 WHERE session_id = $1
		`, sessionID)
		return classifyWriteErr("artifact.delete_metadata", err)
	})
}

// GarbageCollectContent deletes artifact_content rows with ref_count = 0, in
// batches of batchSize. A row reaches ref_count 0 once DeleteMetadata has
// removed its last referencing artifact_metadata row; the delete itself is
// a separate sweep rather than immediate, mirroring SessionStore.ExpireSweep
// (spec §4.12, spec.md:154).
func (s *ArtifactStore) GarbageCollectContent(ctx context.Context, tenant models.Tenant, batchSize int) (int64, error) {
	var affected int64
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `
			DELETE FROM llmspell.artifact_content
			WHERE content_hash IN (
				SELECT content_hash FROM llmspell.artifact_content
				WHERE ref_count <= 0
				LIMIT $1
			)
		`, batchSize)
		if err != nil {
			return classifyWriteErr("artifact.garbage_collect_content", err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

func nullableLargeObjectID(layout models.StorageLayout, id int64) any {
	if layout != models.LayoutLargeObject {
		return nil
	}
	return id
}

// Content and Metadata wrap ArtifactStore for migration, since content and
// metadata are two distinct record types sharing one backing store (spec
// §4.17 ordering: content before metadata, mirroring PutContent/PutMetadata).
func (s *ArtifactStore) Content() *ArtifactContentMigration   { return &ArtifactContentMigration{store: s} }
func (s *ArtifactStore) Metadata() *ArtifactMetadataMigration { return &ArtifactMetadataMigration{store: s} }

type ArtifactContentMigration struct {
	store *ArtifactStore
}

var (
	_ capability.MigrationSource[models.ArtifactContent] = (*ArtifactContentMigration)(nil)
	_ capability.MigrationTarget[models.ArtifactContent]  = (*ArtifactContentMigration)(nil)
)

func (m *ArtifactContentMigration) Count(ctx context.Context, t models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, m.store.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.artifact_content`).Scan(&n)
	})
	return n, err
}

func (m *ArtifactContentMigration) Bounds(ctx context.Context, t models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, m.store.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT coalesce(min(encode(content_hash, 'hex')), ''), coalesce(max(encode(content_hash, 'hex')), '')
			FROM llmspell.artifact_content
		`).Scan(&min, &max)
	})
	return min, max, err
}

func (m *ArtifactContentMigration) NextBatch(ctx context.Context, t models.Tenant, cursor string, size int) (capability.Batch[models.ArtifactContent], error) {
	builder := sq.Select("content_hash", "inline_bytes", "large_object_id", "ref_count",
		"original_size", "size", "last_accessed").
		From("llmspell.artifact_content").OrderBy("content_hash ASC").Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		hashBytes, err := hex.DecodeString(cursor)
		if err != nil {
			return capability.Batch[models.ArtifactContent]{}, storerrors.Permanent("artifact.content.next_batch", "invalid_cursor", err)
		}
		builder = builder.Where(sq.Gt{"content_hash": hashBytes})
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return capability.Batch[models.ArtifactContent]{}, storerrors.Permanent("artifact.content.next_batch", "build_query", err)
	}

	var recs []models.ArtifactContent
	err = withTenantConn(ctx, m.store.pool, t, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("artifact.content.next_batch", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c models.ArtifactContent
			var hashBytes []byte
			var loID *int64
			if err := rows.Scan(&hashBytes, &c.InlineBytes, &loID, &c.RefCount,
				&c.OriginalSize, &c.Size, &c.LastAccessed); err != nil {
				return storerrors.Permanent("artifact.content.next_batch", "scan", err)
			}
			if len(hashBytes) == 32 {
				c.ContentHash = [32]byte(hashBytes)
			}
			if loID != nil {
				c.Layout = models.LayoutLargeObject
			} else {
				c.Layout = models.LayoutInline
			}
			if loID != nil {
				c.LargeObjectID = *loID
				data, err := readLargeObject(ctx, conn, *loID)
				if err != nil {
					return storerrors.Permanent("artifact.content.next_batch", "large_object_read", err)
				}
				c.InlineBytes = data
			}
			recs = append(recs, c)
		}
		return rows.Err()
	})
	if err != nil {
		return capability.Batch[models.ArtifactContent]{}, err
	}

	var batch capability.Batch[models.ArtifactContent]
	if len(recs) > size {
		batch.Records = recs[:size]
		batch.Cursor = hex.EncodeToString(batch.Records[size-1].ContentHash[:])
	} else {
		batch.Records = recs
		batch.Done = true
		if len(recs) > 0 {
			batch.Cursor = hex.EncodeToString(recs[len(recs)-1].ContentHash[:])
		}
	}
	return batch, nil
}

// WriteBatch re-derives layout from each record's byte payload rather than
// trusting the source's Layout field, since a target with a different
// InlineThresholdBytes may lay the same content out differently (spec §4.12).
func (m *ArtifactContentMigration) WriteBatch(ctx context.Context, t models.Tenant, records []models.ArtifactContent) error {
	return withTenantTx(ctx, m.store.pool, t, func(tx pgx.Tx) error {
		for _, c := range records {
			layout := models.LayoutInline
			var inlineBytes []byte
			var largeObjectID int64
			if int64(len(c.InlineBytes)) > m.store.cfg.InlineThresholdBytes {
				layout = models.LayoutLargeObject
				loID, err := createLargeObject(ctx, tx, c.InlineBytes)
				if err != nil {
					return storerrors.Permanent("artifact.content.write_batch", "large_object_write", err)
				}
				largeObjectID = loID
			} else {
				inlineBytes = c.InlineBytes
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO llmspell.artifact_content
					(tenant_id, content_hash, inline_bytes, large_object_id, ref_count, original_size, size, last_accessed)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (tenant_id, content_hash) DO UPDATE SET ref_count = EXCLUDED.ref_count, last_accessed = EXCLUDED.last_accessed
			`, string(t), c.ContentHash[:], inlineBytes, nullableLargeObjectID(layout, largeObjectID),
				c.RefCount, c.OriginalSize, c.Size, c.LastAccessed)
			if err != nil {
				return classifyWriteErr("artifact.content.write_batch", err)
			}
		}
		return nil
	})
}

type ArtifactMetadataMigration struct {
	store *ArtifactStore
}

var (
	_ capability.MigrationSource[models.ArtifactMetadata] = (*ArtifactMetadataMigration)(nil)
	_ capability.MigrationTarget[models.ArtifactMetadata]  = (*ArtifactMetadataMigration)(nil)
)

func (m *ArtifactMetadataMigration) Count(ctx context.Context, t models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, m.store.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.artifact_metadata`).Scan(&n)
	})
	return n, err
}

func (m *ArtifactMetadataMigration) Bounds(ctx context.Context, t models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, m.store.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT coalesce(min(artifact_id), ''), coalesce(max(artifact_id), '') FROM llmspell.artifact_metadata`).Scan(&min, &max)
	})
	return min, max, err
}

func (m *ArtifactMetadataMigration) NextBatch(ctx context.Context, t models.Tenant, cursor string, size int) (capability.Batch[models.ArtifactMetadata], error) {
	builder := sq.Select("tenant_id", "artifact_id", "session_id", "sequence", "content_hash", "name", "mime_type",
		"created_by", "version", "parent_artifact_id", "tags", "metadata", "created_at").
		From("llmspell.artifact_metadata").OrderBy("artifact_id ASC").Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		builder = builder.Where(sq.Gt{"artifact_id": cursor})
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return capability.Batch[models.ArtifactMetadata]{}, storerrors.Permanent("artifact.metadata.next_batch", "build_query", err)
	}

	var recs []models.ArtifactMetadata
	err = withTenantConn(ctx, m.store.pool, t, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("artifact.metadata.next_batch", err)
		}
		defer rows.Close()
		for rows.Next() {
			var a models.ArtifactMetadata
			var hashBytes []byte
			var metaJSON []byte
			if err := rows.Scan((*string)(&a.Tenant), &a.ArtifactID, &a.SessionID, &a.Sequence, &hashBytes,
				&a.Name, &a.MimeType, &a.CreatedBy, &a.Version, &a.ParentID, &a.Tags, &metaJSON, &a.CreatedAt); err != nil {
				return storerrors.Permanent("artifact.metadata.next_batch", "scan", err)
			}
			if len(hashBytes) == 32 {
				a.ContentHash = [32]byte(hashBytes)
			}
			_ = unmarshalOrNil(metaJSON, &a.Metadata)
			recs = append(recs, a)
		}
		return rows.Err()
	})
	if err != nil {
		return capability.Batch[models.ArtifactMetadata]{}, err
	}

	var batch capability.Batch[models.ArtifactMetadata]
	if len(recs) > size {
		batch.Records = recs[:size]
		batch.Cursor = batch.Records[size-1].ArtifactID
	} else {
		batch.Records = recs
		batch.Done = true
		if len(recs) > 0 {
			batch.Cursor = recs[len(recs)-1].ArtifactID
		}
	}
	return batch, nil
}

// WriteBatch inserts metadata rows directly, without bumping the owning
// session's artifact_count a second time — migration's session records
// already carry their final artifact_count (spec §4.17 ordering: sessions
// and artifact content before artifact metadata).
func (m *ArtifactMetadataMigration) WriteBatch(ctx context.Context, t models.Tenant, records []models.ArtifactMetadata) error {
	return withTenantTx(ctx, m.store.pool, t, func(tx pgx.Tx) error {
		for _, a := range records {
			_, err := tx.Exec(ctx, `
				INSERT INTO llmspell.artifact_metadata
					(tenant_id, artifact_id, session_id, sequence, content_hash, name, mime_type, created_by, version, parent_artifact_id, tags, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				ON CONFLICT (tenant_id, artifact_id) DO NOTHING
			`, string(a.Tenant), a.ArtifactID, a.SessionID, a.Sequence, a.ContentHash[:], a.Name, a.MimeType,
				a.CreatedBy, a.Version, a.ParentID, a.Tags, jsonOrNil(a.Metadata), a.CreatedAt)
			if err != nil {
				return classifyWriteErr("artifact.metadata.write_batch", err)
			}
		}
		return nil
	})
}
