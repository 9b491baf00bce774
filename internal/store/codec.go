package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/kubeadapt/clustersim/internal/k8sutil"
)

// kindIndexEntry flattens one (gvk, names) pair of a KindIndexSnapshot into
// a tuple, so the wire form never asks CBOR to use a struct as a map key.
type kindIndexEntry struct {
	Kind  string            `cbor:"kind"`
	Names map[string]uint64 `cbor:"names"`
}

// MarshalCBOR flattens the GVK-keyed snapshot to a slice of entries ordered
// by nothing in particular — the decoder rebuilds the map regardless of
// order, so this is safe without a stable sort.
func (k KindIndexSnapshot) MarshalCBOR() ([]byte, error) {
	entries := make([]kindIndexEntry, 0, len(k))
	for gvk, names := range k {
		entries = append(entries, kindIndexEntry{Kind: k8sutil.FormatGVK(gvk), Names: names})
	}
	return cbor.Marshal(entries)
}

// UnmarshalCBOR reverses MarshalCBOR.
func (k *KindIndexSnapshot) UnmarshalCBOR(data []byte) error {
	var entries []kindIndexEntry
	if err := cbor.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("unmarshal kind index: %w", err)
	}
	out := make(KindIndexSnapshot, len(entries))
	for _, e := range entries {
		gvk, err := k8sutil.ParseGVK(e.Kind)
		if err != nil {
			return fmt.Errorf("unmarshal kind index: %w", err)
		}
		out[gvk] = e.Names
	}
	*k = out
	return nil
}

// podLifecycleEntry flattens one owner's full hash->intervals bucket map
// into a single tuple entry, since OwnerKey is a struct and per-hash
// interval lists are themselves uint64-keyed — neither is a safe CBOR map
// key without an explicit schema.
type podLifecycleEntry struct {
	Kind   string               `cbor:"kind"`
	NSName string               `cbor:"ns_name"`
	ByHash []podLifecycleByHash `cbor:"by_hash"`
}

type podLifecycleByHash struct {
	Hash      uint64     `cbor:"hash"`
	Intervals []Interval `cbor:"intervals"`
}

// MarshalCBOR flattens the (OwnerKey -> (hash -> intervals)) snapshot into a
// slice of self-contained entries.
func (p PodLifecycleSnapshot) MarshalCBOR() ([]byte, error) {
	entries := make([]podLifecycleEntry, 0, len(p))
	for owner, byHash := range p {
		entry := podLifecycleEntry{
			Kind:   k8sutil.FormatGVK(owner.GVK),
			NSName: owner.NSName,
			ByHash: make([]podLifecycleByHash, 0, len(byHash)),
		}
		for hash, intervals := range byHash {
			entry.ByHash = append(entry.ByHash, podLifecycleByHash{Hash: hash, Intervals: intervals})
		}
		entries = append(entries, entry)
	}
	return cbor.Marshal(entries)
}

// UnmarshalCBOR reverses MarshalCBOR.
func (p *PodLifecycleSnapshot) UnmarshalCBOR(data []byte) error {
	var entries []podLifecycleEntry
	if err := cbor.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("unmarshal pod lifecycles: %w", err)
	}
	out := make(PodLifecycleSnapshot, len(entries))
	for _, e := range entries {
		gvk, err := k8sutil.ParseGVK(e.Kind)
		if err != nil {
			return fmt.Errorf("unmarshal pod lifecycles: %w", err)
		}
		byHash := make(map[uint64][]Interval, len(e.ByHash))
		for _, h := range e.ByHash {
			byHash[h.Hash] = h.Intervals
		}
		out[OwnerKey{GVK: gvk, NSName: e.NSName}] = byHash
	}
	*p = out
	return nil
}
