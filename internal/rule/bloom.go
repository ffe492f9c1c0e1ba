package rule

import (
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/zeebo/xxh3"
)

// bloomBitsPerKey sizes the filter at roughly 1% false positives with
// seven probes per key.
const (
	bloomBitsPerKey = 10
	bloomProbes     = 7
)

// CompileBloom builds a Set with a bloom pre-filter in front of the
// exact structure. Suffix walks over long names skip the hash-set
// probes for the common no-match case; positives are confirmed
// against the exact set, so results never differ from Compile.
func CompileBloom(rules []Rule) Set {
	plain := compilePlain(rules)
	keys := len(plain.exact) + len(plain.suffixes)
	if keys == 0 {
		return plain
	}
	b := &bloomSet{
		plain: plain,
		bits:  bitset.New(uint(keys * bloomBitsPerKey)),
		nbits: uint64(keys * bloomBitsPerKey),
	}
	for v := range plain.exact {
		b.add(v)
	}
	for v := range plain.suffixes {
		b.add(v)
	}
	return b
}

type bloomSet struct {
	plain *plainSet
	bits  *bitset.BitSet
	nbits uint64
}

func (b *bloomSet) Len() int { return b.plain.Len() }

// probe derives the k filter positions from two independent xxh3
// hashes (h1 + i*h2, the standard double-hashing construction).
func (b *bloomSet) probe(key string, fn func(pos uint) bool) bool {
	h1 := xxh3.HashString(key)
	h2 := xxh3.HashStringSeed(key, 0x9e3779b97f4a7c15)
	for i := uint64(0); i < bloomProbes; i++ {
		if !fn(uint((h1 + i*h2) % b.nbits)) {
			return false
		}
	}
	return true
}

func (b *bloomSet) add(key string) {
	b.probe(key, func(pos uint) bool {
		b.bits.Set(pos)
		return true
	})
}

func (b *bloomSet) mayContain(key string) bool {
	return b.probe(key, b.bits.Test)
}

func (b *bloomSet) Contains(name string) bool {
	name = Normalize(name)
	if name == "" {
		return false
	}
	if b.mayContain(name) {
		if _, ok := b.plain.exact[name]; ok {
			return true
		}
	}
	for candidate := name; ; {
		if b.mayContain(candidate) {
			if _, ok := b.plain.suffixes[candidate]; ok {
				return true
			}
		}
		i := strings.IndexByte(candidate, '.')
		if i < 0 {
			break
		}
		candidate = candidate[i+1:]
	}
	for _, kw := range b.plain.keywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}
