package btree

import "bytes"

// Kind identifies the shape of an IndexQuery predicate.
type Kind int

const (
	Equal Kind = iota
	Between
	Prefix
	Negate
)

// IndexQuery describes a predicate over B+-tree keys, used by Tree.Query
// to drive a range or filtered scan.
type IndexQuery struct {
	Kind Kind

	Key  []byte // Equal, Prefix
	Low  []byte // Between, inclusive
	High []byte // Between, inclusive

	Inner *IndexQuery // Negate: matches keys Inner does not match
}

// Match reports whether key satisfies the query.
func (q IndexQuery) Match(key []byte) bool {
	switch q.Kind {
	case Equal:
		return bytes.Equal(key, q.Key)
	case Between:
		return bytes.Compare(key, q.Low) >= 0 && bytes.Compare(key, q.High) <= 0
	case Prefix:
		return bytes.HasPrefix(key, q.Key)
	case Negate:
		if q.Inner == nil {
			return true
		}
		return !q.Inner.Match(key)
	default:
		return false
	}
}

// lowerBound returns the smallest key the query can match, used to
// choose a starting leaf for the scan. A nil result means "scan from
// the very first leaf" (required for Negate, whose matches aren't a
// contiguous range).
func (q IndexQuery) lowerBound() []byte {
	switch q.Kind {
	case Equal:
		return q.Key
	case Between:
		return q.Low
	case Prefix:
		return q.Key
	default:
		return nil
	}
}

// exceeds reports whether key lies past every key the query can match,
// so the scan can stop there. Only Equal and Between have such an upper
// bound here; Prefix and Negate always return false, so their scans run
// to the last leaf.
func (q IndexQuery) exceeds(key []byte) bool {
	switch q.Kind {
	case Equal:
		return bytes.Compare(key, q.Key) > 0
	case Between:
		return bytes.Compare(key, q.High) > 0
	default:
		return false
	}
}
