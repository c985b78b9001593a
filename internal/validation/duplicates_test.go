package validation

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestDuplicateSet(t *testing.T) {
	s := newDuplicateSet(20)

	key := func(i int) shareKey {
		return shareKey{hash: chainhash.DoubleHashH([]byte{byte(i)}), nonce: uint32(i)}
	}

	if s.seenOrAdd(key(0)) {
		t.Fatal("first sighting reported as seen")
	}
	if !s.seenOrAdd(key(0)) {
		t.Fatal("second sighting not reported")
	}

	for i := 1; i < 20; i++ {
		s.seenOrAdd(key(i))
	}
	if s.len() != 20 {
		t.Fatalf("len = %d, want 20", s.len())
	}

	// full: the oldest tenth goes
	s.seenOrAdd(key(100))
	if s.len() != 19 {
		t.Errorf("len after eviction = %d, want 19", s.len())
	}
	if s.seenOrAdd(key(0)) {
		t.Error("oldest key should have been evicted")
	}
}

func TestDuplicateSet_NonceIsPartOfKey(t *testing.T) {
	s := newDuplicateSet(0)
	k := shareKey{hash: chainhash.DoubleHashH([]byte("share")), nonce: 1}

	s.seenOrAdd(k)
	k.nonce++
	if s.seenOrAdd(k) {
		t.Error("same hash with a different nonce is a different share")
	}
}

func TestDuplicateSet_Forget(t *testing.T) {
	s := newDuplicateSet(0)
	k := shareKey{nonce: 42}

	s.seenOrAdd(k)
	s.forget(k)
	s.forget(k)
	if s.seenOrAdd(k) {
		t.Error("forgotten key reported as seen")
	}
}

func TestDoubleSHA256(t *testing.T) {
	header := make([]byte, 80)
	for i := range header {
		header[i] = byte(i)
	}
	if got, want := DoubleSHA256.Hash(header), chainhash.DoubleHashH(header); got != want {
		t.Errorf("DoubleSHA256 = %s, want %s", got, want)
	}
}
