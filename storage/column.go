package storage

// Column is a namespaced view over a DB, implemented as a key prefix.
// goleveldb exposes a single flat keyspace; Column gives callers the
// illusion of separate tables (identity, pow chain, state chain, ...)
// without a second storage engine.
type Column struct {
	db     DB
	prefix []byte
}

// NewColumn returns a Column over db namespaced by name.
func NewColumn(db DB, name string) Column {
	return Column{db: db, prefix: append([]byte(name), ':')}
}

func (c Column) key(k []byte) []byte {
	full := make([]byte, 0, len(c.prefix)+len(k))
	full = append(full, c.prefix...)
	full = append(full, k...)
	return full
}

func (c Column) Get(k []byte) ([]byte, error) {
	return c.db.Get(c.key(k))
}

func (c Column) Set(k, v []byte) error {
	return c.db.Set(c.key(k), v)
}

func (c Column) Delete(k []byte) error {
	return c.db.Delete(c.key(k))
}

// NewIterator walks this column's keys whose suffix matches subPrefix.
// Keys and values returned by the iterator have the column prefix stripped.
func (c Column) NewIterator(subPrefix []byte) Iterator {
	return &columnIterator{inner: c.db.NewIterator(c.key(subPrefix)), stripLen: len(c.prefix)}
}

// NewBatch returns a batch pre-scoped to this column's prefix.
func (c Column) NewBatch() ColumnBatch {
	return ColumnBatch{batch: c.db.NewBatch(), col: c}
}

type columnIterator struct {
	inner    Iterator
	stripLen int
}

func (it *columnIterator) Next() bool    { return it.inner.Next() }
func (it *columnIterator) Key() []byte   { return it.inner.Key()[it.stripLen:] }
func (it *columnIterator) Value() []byte { return it.inner.Value() }
func (it *columnIterator) Release()      { it.inner.Release() }
func (it *columnIterator) Error() error  { return it.inner.Error() }

// ColumnBatch accumulates writes scoped to a single column, then commits
// them atomically against the shared underlying DB.
type ColumnBatch struct {
	batch Batch
	col   Column
}

func (b ColumnBatch) Set(k, v []byte) {
	b.batch.Set(b.col.key(k), v)
}

func (b ColumnBatch) Delete(k []byte) {
	b.batch.Delete(b.col.key(k))
}

func (b ColumnBatch) Write() error {
	return b.batch.Write()
}

func (b ColumnBatch) Reset() {
	b.batch.Reset()
}
