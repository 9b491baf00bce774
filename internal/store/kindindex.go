package store

// kindBucket is one tracked kind's slice of the kind index: the
// namespaced-name → content-hash mapping for objects currently live, i.e.
// applied and not yet deleted. Every access is serialized by the owning
// Store's mutex (the store's single mutation point), so the bucket itself
// carries no lock.
type kindBucket struct {
	hashes map[string]uint64
}

func newKindBucket() *kindBucket {
	return &kindBucket{hashes: make(map[string]uint64)}
}

// Set records the content hash of nsName's last applied form.
func (b *kindBucket) Set(nsName string, hash uint64) {
	b.hashes[nsName] = hash
}

// Get returns the content hash of nsName's last applied form, if live.
func (b *kindBucket) Get(nsName string) (uint64, bool) {
	h, ok := b.hashes[nsName]
	return h, ok
}

// Delete marks nsName as no longer live. No-op if it was never applied.
func (b *kindBucket) Delete(nsName string) {
	delete(b.hashes, nsName)
}

// Len returns the number of live objects of this kind.
func (b *kindBucket) Len() int {
	return len(b.hashes)
}

// Snapshot returns a copy of the bucket, safe to hold outside the store
// lock; used when assembling the exported Kind Index.
func (b *kindBucket) Snapshot() map[string]uint64 {
	cp := make(map[string]uint64, len(b.hashes))
	for k, v := range b.hashes {
		cp[k] = v
	}
	return cp
}
