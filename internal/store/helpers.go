package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
)

// artifactID builds the canonical "<session_id>:<sequence>:<content_hash>"
// identifier (spec §3.8).
func artifactID(sessionID string, sequence int64, hash [32]byte) string {
	return fmt.Sprintf("%s:%d:%s", sessionID, sequence, hex.EncodeToString(hash[:]))
}

// createLargeObject writes data through PostgreSQL's large-object interface
// and returns its OID, used for artifact content above the inline threshold
// (spec §4.12).
func createLargeObject(ctx context.Context, tx pgx.Tx, data []byte) (int64, error) {
	los := tx.LargeObjects()
	oid, err := los.Create(ctx, 0)
	if err != nil {
		return 0, err
	}
	obj, err := los.Open(ctx, oid, pgx.LargeObjectModeWrite)
	if err != nil {
		return 0, err
	}
	if _, err := obj.Write(data); err != nil {
		return 0, err
	}
	return int64(oid), nil
}

// readLargeObject reads a whole large object back into memory inside a
// transaction it opens on conn, since large objects are only accessible
// within one.
func readLargeObject(ctx context.Context, conn *pgx.Conn, oid int64) ([]byte, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	los := tx.LargeObjects()
	obj, err := los.Open(ctx, uint32(oid), pgx.LargeObjectModeRead)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	return data, tx.Commit(ctx)
}

func jsonOrNil(v map[string]any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalOrNil(b []byte, out *map[string]any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}
