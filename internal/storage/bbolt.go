package storage

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"telechat/internal/backend"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketTables  = []byte("tables")
	bucketObjects = []byte("objects")
	bucketUsers   = []byte("users")
)

// BboltStorage is a row store with one nested bucket per table.
type BboltStorage struct {
	db     *bbolt.DB
	tables map[string]Table
	now    func() time.Time
}

func NewBboltStorage(path string, tables ...Table) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	s := &BboltStorage{
		db:     db,
		tables: make(map[string]Table, len(tables)),
		now:    time.Now,
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucketTables)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketObjects, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		for _, t := range tables {
			if t.Name == "" || len(t.Key) == 0 {
				return fmt.Errorf("table %q needs a name and a key", t.Name)
			}
			if _, err := root.CreateBucketIfNotExists([]byte(t.Name)); err != nil {
				return err
			}
			s.tables[t.Name] = t
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return s, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func (s *BboltStorage) table(tx *bbolt.Tx, name string) (Table, *bbolt.Bucket, error) {
	t, ok := s.tables[name]
	if !ok {
		return Table{}, nil, fmt.Errorf("%w: unknown table %q", backend.ErrInvalidQuery, name)
	}
	return t, tx.Bucket(bucketTables).Bucket([]byte(name)), nil
}

func (s *BboltStorage) scan(b *bbolt.Bucket, q backend.Query) ([]*DBRow, error) {
	var rows []*DBRow
	err := b.ForEach(func(k, v []byte) error {
		r := &DBRow{key: bytes.Clone(k)}
		if err := r.UnmarshalBinary(v); err != nil {
			return fmt.Errorf("corrupt row %q in %s: %w", k, q.Table, err)
		}
		if q.Match(r.Data) {
			rows = append(rows, r)
		}
		return nil
	})
	return rows, err
}

// Select returns rows matching q, ordered by q.OrderBy (insertion order on
// ties) and cut to q.Max when set.
func (s *BboltStorage) Select(q backend.Query) ([]backend.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var result []backend.Row
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, b, err := s.table(tx, q.Table)
		if err != nil {
			return err
		}
		rows, err := s.scan(b, q)
		if err != nil {
			return err
		}
		sortRows(rows, q)
		if q.Max > 0 && len(rows) > q.Max {
			rows = rows[:q.Max]
		}
		result = make([]backend.Row, len(rows))
		for i, r := range rows {
			result[i] = r.Data
		}
		return nil
	})
	return result, err
}

func sortRows(rows []*DBRow, q backend.Query) {
	sort.SliceStable(rows, func(i, j int) bool {
		if q.OrderBy != "" {
			c := backend.Compare(rows[i].Data[q.OrderBy], rows[j].Data[q.OrderBy])
			if !q.Ascending {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return rows[i].Seq < rows[j].Seq
	})
}

// Insert writes all rows in one transaction: either every row is stored or
// none is. The stored rows, with defaults applied, are returned.
func (s *BboltStorage) Insert(table string, rows []backend.Row) ([]backend.Row, error) {
	var inserted []backend.Row
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		inserted, err = s.insertTx(tx, table, rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *BboltStorage) insertTx(tx *bbolt.Tx, table string, rows []backend.Row) ([]backend.Row, error) {
	t, b, err := s.table(tx, table)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	inserted := make([]backend.Row, 0, len(rows))
	for _, in := range rows {
		row := in.Clone()
		if t.GenerateID {
			if id, _ := row["id"].(string); id == "" {
				row["id"] = uuid.NewString()
			}
		}
		if t.Timestamp != "" {
			if ts, ok := row[t.Timestamp].(time.Time); !ok || ts.IsZero() {
				row[t.Timestamp] = now
			}
		}

		key, err := t.rowKey(row)
		if err != nil {
			return nil, err
		}
		if b.Get(key) != nil {
			return nil, fmt.Errorf("%w: duplicate key in %s", backend.ErrConflict, t.Name)
		}
		if err := s.checkUnique(t, b, key, row); err != nil {
			return nil, err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return nil, err
		}
		if err := s.put(b, key, &DBRow{Seq: seq, UpdatedAt: now.Unix(), Data: row}); err != nil {
			return nil, err
		}
		inserted = append(inserted, row)
	}
	return inserted, nil
}

func (s *BboltStorage) put(b *bbolt.Bucket, key []byte, r *DBRow) error {
	data, err := r.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	return b.Put(key, data)
}

func (s *BboltStorage) checkUnique(t Table, b *bbolt.Bucket, key []byte, row backend.Row) error {
	if len(t.Unique) == 0 {
		return nil
	}
	for _, cols := range t.Unique {
		q := backend.From(t.Name)
		for _, c := range cols {
			q = q.Eq(c, row[c])
		}
		existing, err := s.scan(b, q)
		if err != nil {
			return err
		}
		for _, r := range existing {
			if !bytes.Equal(r.key, key) {
				return fmt.Errorf("%w: %s %v must be unique", backend.ErrConflict, t.Name, cols)
			}
		}
	}
	return nil
}

// Update applies patch to every row matching q and returns the rows before
// and after the change. Key columns cannot be patched.
func (s *BboltStorage) Update(q backend.Query, patch backend.Row) (before, after []backend.Row, err error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		t, b, err := s.table(tx, q.Table)
		if err != nil {
			return err
		}
		for col := range patch {
			if t.isKey(col) {
				return fmt.Errorf("%w: key column %s.%s cannot be updated", backend.ErrInvalidQuery, t.Name, col)
			}
		}
		rows, err := s.scan(b, q)
		if err != nil {
			return err
		}
		sortRows(rows, q)
		now := s.now().UTC()
		for _, r := range rows {
			old := r.Data.Clone()
			for col, v := range patch {
				r.Data[col] = v
			}
			if err := s.checkUnique(t, b, r.key, r.Data); err != nil {
				return err
			}
			r.UpdatedAt = now.Unix()
			if err := s.put(b, r.key, r); err != nil {
				return err
			}
			before = append(before, old)
			after = append(after, r.Data)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// Delete removes every row matching q and returns the removed rows.
func (s *BboltStorage) Delete(q backend.Query) ([]backend.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var removed []backend.Row
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, b, err := s.table(tx, q.Table)
		if err != nil {
			return err
		}
		rows, err := s.scan(b, q)
		if err != nil {
			return err
		}
		sortRows(rows, q)
		for _, r := range rows {
			if err := b.Delete(r.key); err != nil {
				return err
			}
			removed = append(removed, r.Data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Toggle deletes the rows matching q or, when there are none, inserts row.
// Both branches run in the same transaction. inserted reports which branch
// was taken; rows holds the deleted or inserted rows.
func (s *BboltStorage) Toggle(q backend.Query, row backend.Row) (inserted bool, rows []backend.Row, err error) {
	if err := q.Validate(); err != nil {
		return false, nil, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		_, b, err := s.table(tx, q.Table)
		if err != nil {
			return err
		}
		existing, err := s.scan(b, q)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			for _, r := range existing {
				if err := b.Delete(r.key); err != nil {
					return err
				}
				rows = append(rows, r.Data)
			}
			return nil
		}
		inserted = true
		rows, err = s.insertTx(tx, q.Table, []backend.Row{row})
		return err
	})
	if err != nil {
		return false, nil, err
	}
	return inserted, rows, nil
}

func (s *BboltStorage) UpsertObjectMetadata(meta ObjectMetadata) error {
	if meta.CreatedAt == 0 {
		meta.CreatedAt = s.now().Unix()
	}
	return s.save(bucketObjects, &meta)
}

func (s *BboltStorage) GetObjectMetadata(bucket, path string) (ObjectMetadata, error) {
	var meta ObjectMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get(objectKey(bucket, path))
		if data == nil {
			return fmt.Errorf("object %s/%s: %w", bucket, path, backend.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}

func (s *BboltStorage) DeleteObjectMetadata(bucket, path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		key := objectKey(bucket, path)
		if b.Get(key) == nil {
			return fmt.Errorf("object %s/%s: %w", bucket, path, backend.ErrNotFound)
		}
		return b.Delete(key)
	})
}

func (s *BboltStorage) save(bucket []byte, item Storeable) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := item.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal %T: %w", item, err)
		}
		return tx.Bucket(bucket).Put(item.Key(), data)
	})
}

func (s *BboltStorage) UpsertCredentials(c Credentials) error {
	if c.Email == "" {
		return fmt.Errorf("%w: credentials need an email", backend.ErrInvalidQuery)
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = s.now().Unix()
	}
	return s.save(bucketUsers, &c)
}

func (s *BboltStorage) GetCredentials(email string) (Credentials, error) {
	var c Credentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(email))
		if data == nil {
			return fmt.Errorf("user %s: %w", email, backend.ErrNotFound)
		}
		return c.UnmarshalBinary(data)
	})
	return c, err
}

func (s *BboltStorage) DeleteCredentials(email string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(email))
	})
}

// ListCredentials returns every stored account.
func (s *BboltStorage) ListCredentials() ([]Credentials, error) {
	var users []Credentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var c Credentials
			if err := c.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt user %q: %w", k, err)
			}
			users = append(users, c)
			return nil
		})
	})
	return users, err
}
