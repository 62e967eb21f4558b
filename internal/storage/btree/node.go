package btree

import (
	"fmt"
	"hash/crc32"

	"github.com/sushant-115/domstore/internal/storage/addr"
	"github.com/sushant-115/domstore/internal/storage/codec"
	"github.com/sushant-115/domstore/internal/storage/pagefile"
	"github.com/sushant-115/domstore/internal/storage/storeerr"
)

const checksumSize = 4

// noLeaf is the sentinel "no next leaf" page number, stored instead of
// a page number that could legitimately be zero.
const noLeaf uint32 = 0xFFFFFFFF

// node is the in-memory form of one B+-tree page: an inner node
// (separator keys routing to children) or a leaf (keys with values,
// chained to the next leaf for range scans). Values live only in
// leaves; inner nodes never carry a value slice.
type node struct {
	tree     *Tree
	page     *pagefile.Page
	isLeaf   bool
	keys     [][]byte
	values   []addr.Address // leaf only, len(values) == len(keys)
	children []uint32       // inner only, len(children) == len(keys)+1
	nextLeaf uint32         // leaf only, noLeaf if none

	dirty  bool
	pinned bool
}

func (n *node) CacheKey() uint32  { return n.page.Number }
func (n *node) IsDirty() bool     { return n.dirty }
func (n *node) AllowUnload() bool { return !n.pinned }

// Sync serializes the node into its page and writes it through the
// owning tree's page file.
func (n *node) Sync() error {
	if !n.dirty {
		return nil
	}
	if n.tree == nil {
		return fmt.Errorf("%w: node %d has no owning tree", storeerr.ErrBTree, n.page.Number)
	}
	if err := n.serialize(); err != nil {
		return err
	}
	if err := n.tree.pf.WritePage(n.page); err != nil {
		return err
	}
	n.dirty = false
	return nil
}

func (n *node) serialize() error {
	pageSize := len(n.page.Data)
	buf := n.page.Payload()[:0]

	var flags byte
	if n.isLeaf {
		flags |= 1
	}
	buf = append(buf, flags)
	buf = appendU16(buf, uint16(len(n.keys)))
	for _, k := range n.keys {
		buf = appendU16(buf, uint16(len(k)))
		buf = append(buf, k...)
	}
	if n.isLeaf {
		for _, v := range n.values {
			buf = appendU64(buf, uint64(v))
		}
		buf = appendU32(buf, n.nextLeaf)
	} else {
		buf = appendU16(buf, uint16(len(n.children)))
		for _, c := range n.children {
			buf = appendU32(buf, c)
		}
	}

	avail := pageSize - pagefile.PageHeaderSize - checksumSize
	if len(buf) > avail {
		return fmt.Errorf("%w: node %d serialized size %d exceeds page capacity %d", storeerr.ErrSerialization, n.page.Number, len(buf), avail)
	}

	status := pagefile.StatusBTreeInner
	if n.isLeaf {
		status = pagefile.StatusBTreeLeaf
	}
	n.page.SetStatus(status)

	payload := n.page.Payload()
	copy(payload, buf)
	for i := len(buf); i < pageSize-pagefile.PageHeaderSize-checksumSize; i++ {
		payload[i] = 0
	}

	checksum := crc32.ChecksumIEEE(n.page.Data[:pageSize-checksumSize])
	codec.PutU32(n.page.Data[pageSize-checksumSize:], checksum)
	n.page.MarkDirty()
	return nil
}

func deserializeNode(page *pagefile.Page) (*node, error) {
	pageSize := len(page.Data)
	stored := codec.U32(page.Data[pageSize-checksumSize:])
	calculated := crc32.ChecksumIEEE(page.Data[:pageSize-checksumSize])
	if stored != calculated {
		return nil, fmt.Errorf("%w: page %d stored=0x%x calculated=0x%x", storeerr.ErrChecksumMismatch, page.Number, stored, calculated)
	}

	buf := page.Payload()
	off := 0
	flags := buf[off]
	off++
	isLeaf := flags&1 != 0

	numKeys := int(readU16(buf, &off))
	keys := make([][]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		klen := int(readU16(buf, &off))
		keys[i] = append([]byte(nil), buf[off:off+klen]...)
		off += klen
	}

	n := &node{page: page, isLeaf: isLeaf, keys: keys}
	if isLeaf {
		values := make([]addr.Address, numKeys)
		for i := 0; i < numKeys; i++ {
			values[i] = addr.Address(readU64(buf, &off))
		}
		n.values = values
		n.nextLeaf = readU32(buf, &off)
	} else {
		numChildren := int(readU16(buf, &off))
		children := make([]uint32, numChildren)
		for i := 0; i < numChildren; i++ {
			children[i] = readU32(buf, &off)
		}
		n.children = children
	}
	return n, nil
}

func appendU16(b []byte, v uint16) []byte { return append(b, byte(v>>8), byte(v)) }
func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
func appendU64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readU16(b []byte, off *int) uint16 {
	v := uint16(b[*off])<<8 | uint16(b[*off+1])
	*off += 2
	return v
}
func readU32(b []byte, off *int) uint32 {
	v := codec.U32(b[*off : *off+4])
	*off += 4
	return v
}
func readU64(b []byte, off *int) uint64 {
	v := codec.U64(b[*off : *off+8])
	*off += 8
	return v
}
