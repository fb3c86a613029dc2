package storage

// batchOp is one staged write.
type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Batch stages sets and deletes for a single atomic Apply.
// Stores use it to stage every write of one engine call so that a rejected
// call leaves no partial state behind.
type Batch struct {
	ops []batchOp
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set stages a key-value write. Key and value are copied.
func (b *Batch) Set(key, value []byte) {
	b.ops = append(b.ops, batchOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

// Delete stages a key removal.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{
		key:    append([]byte(nil), key...),
		delete: true,
	})
}

// Len returns the number of staged operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset drops all staged operations.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}
