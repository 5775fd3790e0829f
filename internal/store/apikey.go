package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// APIKeyStore implements the encrypted API-key sub-store (spec §3.11,
// §4.15). Keys are AES-256-GCM encrypted with a key derived from a
// caller-supplied passphrase that is never itself persisted.
type APIKeyStore struct {
	pool *pool.Pool
}

func NewAPIKeyStore(p *pool.Pool) *APIKeyStore {
	return &APIKeyStore{pool: p}
}

// Insert encrypts plaintext with passphrase and upserts the row, enforcing
// at most one active key per (tenant, service): any existing active key
// for the service is deactivated and recorded as rotated_from (spec §4.15).
func (s *APIKeyStore) Insert(ctx context.Context, tenant models.Tenant, keyID, service, passphrase, plaintext string, meta map[string]any) error {
	encrypted, err := encryptAPIKey(passphrase, plaintext)
	if err != nil {
		return storerrors.Permanent("api_key.insert", "encrypt", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return storerrors.Permanent("api_key.insert", "marshal_metadata", err)
	}

	return withTenantTx(ctx, s.pool, tenant, func(tx pgx.Tx) error {
		var predecessor *string
		err := tx.QueryRow(ctx, `
			SELECT key_id FROM llmspell.api_keys WHERE service = $1 AND active
		`, service).Scan(&predecessor)
		if err != nil && err != pgx.ErrNoRows {
			return storerrors.Transient("api_key.insert", err)
		}
		if predecessor != nil {
			_, err := tx.Exec(ctx, `
				UPDATE llmspell.api_keys SET active = false, deactivated_at = now() WHERE key_id = $1
			`, *predecessor)
			if err != nil {
				return classifyWriteErr("api_key.insert", err)
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO llmspell.api_keys
				(key_id, tenant_id, service, encrypted_key, metadata, created_at, active, usage_count, rotated_from)
			VALUES ($1, $2, $3, $4, $5, now(), true, 0, $6)
		`, keyID, string(tenant), service, encrypted, metaJSON, predecessor)
		return classifyWriteErr("api_key.insert", err)
	})
}

// Read decrypts the stored key with passphrase and bumps usage_count and
// last_used_at. Decryption failure (wrong passphrase, tampered ciphertext)
// fails Permanent("decrypt") (spec §4.15).
func (s *APIKeyStore) Read(ctx context.Context, tenant models.Tenant, keyID, passphrase string) (string, error) {
	var encrypted []byte

	err := withTenantTx(ctx, s.pool, tenant, func(tx pgx.Tx) error {
		scanErr := tx.QueryRow(ctx, `
			SELECT encrypted_key FROM llmspell.api_keys WHERE key_id = $1
		`, keyID).Scan(&encrypted)
		if scanErr == pgx.ErrNoRows {
			return storerrors.NotFound("api_key.read", keyID)
		}
		if scanErr != nil {
			return storerrors.Transient("api_key.read", scanErr)
		}
		_, err := tx.Exec(ctx, `
			UPDATE llmspell.api_keys SET usage_count = usage_count + 1, last_used_at = now() WHERE key_id = $1
		`, keyID)
		return classifyWriteErr("api_key.read", err)
	})
	if err != nil {
		return "", err
	}

	plaintext, err := decryptAPIKey(passphrase, encrypted)
	if err != nil {
		return "", storerrors.Permanent("api_key.read", "decrypt", err)
	}
	return plaintext, nil
}

// MigrationSource / MigrationTarget move rows by their encrypted_key bytes
// directly — migration never needs the passphrase, since it replays
// ciphertext rather than re-encrypting plaintext (spec §4.17, §4.15).
var _ capability.MigrationSource[models.APIKey] = (*APIKeyStore)(nil)
var _ capability.MigrationTarget[models.APIKey] = (*APIKeyStore)(nil)

func (s *APIKeyStore) Count(ctx context.Context, tenant models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.api_keys`).Scan(&n)
	})
	return n, err
}

func (s *APIKeyStore) Bounds(ctx context.Context, tenant models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT coalesce(min(key_id), ''), coalesce(max(key_id), '') FROM llmspell.api_keys`).Scan(&min, &max)
	})
	return min, max, err
}

func (s *APIKeyStore) NextBatch(ctx context.Context, tenant models.Tenant, cursor string, size int) (capability.Batch[models.APIKey], error) {
	builder := sq.Select("key_id", "tenant_id", "service", "encrypted_key", "metadata", "created_at",
		"last_used_at", "expires_at", "active", "usage_count", "rotated_from", "deactivated_at").
		From("llmspell.api_keys").OrderBy("key_id ASC").Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		builder = builder.Where(sq.Gt{"key_id": cursor})
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return capability.Batch[models.APIKey]{}, storerrors.Permanent("api_key.next_batch", "build_query", err)
	}

	var recs []models.APIKey
	err = withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("api_key.next_batch", err)
		}
		defer rows.Close()
		for rows.Next() {
			var k models.APIKey
			var metaJSON []byte
			if err := rows.Scan(&k.KeyID, (*string)(&k.Tenant), &k.Service, &k.EncryptedKey, &metaJSON,
				&k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.Active, &k.UsageCount, &k.RotatedFrom, &k.DeactivatedAt); err != nil {
				return storerrors.Permanent("api_key.next_batch", "scan", err)
			}
			_ = json.Unmarshal(metaJSON, &k.Metadata)
			recs = append(recs, k)
		}
		return rows.Err()
	})
	if err != nil {
		return capability.Batch[models.APIKey]{}, err
	}

	var batch capability.Batch[models.APIKey]
	if len(recs) > size {
		batch.Records = recs[:size]
		batch.Cursor = batch.Records[size-1].KeyID
	} else {
		batch.Records = recs
		batch.Done = true
		if len(recs) > 0 {
			batch.Cursor = recs[len(recs)-1].KeyID
		}
	}
	return batch, nil
}

func (s *APIKeyStore) WriteBatch(ctx context.Context, tenant models.Tenant, records []models.APIKey) error {
	return withTenantTx(ctx, s.pool, tenant, func(tx pgx.Tx) error {
		for _, k := range records {
			metaJSON, err := json.Marshal(k.Metadata)
			if err != nil {
				return storerrors.Permanent("api_key.write_batch", "marshal_metadata", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO llmspell.api_keys
					(key_id, tenant_id, service, encrypted_key, metadata, created_at, last_used_at, expires_at,
					 active, usage_count, rotated_from, deactivated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (key_id) DO UPDATE SET
					service = EXCLUDED.service, encrypted_key = EXCLUDED.encrypted_key, metadata = EXCLUDED.metadata,
					last_used_at = EXCLUDED.last_used_at, expires_at = EXCLUDED.expires_at, active = EXCLUDED.active,
					usage_count = EXCLUDED.usage_count, rotated_from = EXCLUDED.rotated_from, deactivated_at = EXCLUDED.deactivated_at
			`, k.KeyID, string(k.Tenant), k.Service, k.EncryptedKey, metaJSON, k.CreatedAt, k.LastUsedAt,
				k.ExpiresAt, k.Active, k.UsageCount, k.RotatedFrom, k.DeactivatedAt)
			if err != nil {
				return classifyWriteErr("api_key.write_batch", err)
			}
		}
		return nil
	})
}

func deriveAESKey(passphrase string) [32]byte {
	return sha256.Sum256([]byte(passphrase))
}

func encryptAPIKey(passphrase, plaintext string) ([]byte, error) {
	key := deriveAESKey(passphrase)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func decryptAPIKey(passphrase string, ciphertext []byte) (string, error) {
	key := deriveAESKey(passphrase)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return "", storerrors.Permanent("api_key.decrypt", "ciphertext_too_short", nil)
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
