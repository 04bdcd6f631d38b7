package docstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// scanFieldRows groups rows of (collection, doc_id, field, value, revision,
// updated_at) into documents.
func scanFieldRows(rows *sql.Rows) ([]Document, error) {
	docs := map[Key]Document{}
	for rows.Next() {
		var (
			key       Key
			name      string
			value     string
			revision  int64
			updatedAt fieldTime
		)
		if err := rows.Scan(&key.Collection, &key.ID, &name, &value, &revision, &updatedAt); err != nil {
			return nil, err
		}
		doc, ok := docs[key]
		if !ok {
			doc = Document{Collection: key.Collection, ID: key.ID, Fields: map[string]Field{}}
		}
		doc.Fields[name] = Field{Value: json.RawMessage(value), Revision: revision, UpdatedAt: updatedAt.Time}
		doc.Revision = max(doc.Revision, revision)
		docs[key] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortedDocuments(docs), nil
}

// fieldTime scans the updated_at column, which Postgres returns as a
// timestamp and SQLite as RFC 3339 text.
type fieldTime struct {
	Time time.Time
}

func (t *fieldTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = v.UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported updated_at type %T", src)
	}
	return nil
}

func (t *fieldTime) parse(value string) error {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}
