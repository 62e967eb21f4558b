package domstore

import (
	"github.com/sushant-115/domstore/internal/storage/codec"
	"github.com/sushant-115/domstore/internal/storage/pagefile"
)

// dataPageHeaderSize is the size, in bytes, of the data-page-specific
// header fields that follow the generic pagefile.PageHeaderSize: a
// record_count (u16), data_length (i32), next_data_page (i64),
// prev_data_page (i64), and next_tid (u16).
const dataPageHeaderSize = 2 + 4 + 8 + 8 + 2

// recordHeaderSize is the [tid:u16][len:u16] prefix of every record.
const recordHeaderSize = 4

// noChain is the sentinel "no linked page" value for next/prev links.
const noChain int64 = -1

// DataPage wraps one pagefile.Page holding a chain-linked sequence of
// variable-length records. All header fields live directly in the
// page's bytes; there is no separate in-memory copy to fall out of
// sync with what gets written back.
type DataPage struct {
	store  *Store
	page   *pagefile.Page
	pinned bool
}

func wrapDataPage(store *Store, page *pagefile.Page) *DataPage {
	return &DataPage{store: store, page: page}
}

func (dp *DataPage) Number() uint32 { return dp.page.Number }

func (dp *DataPage) header() []byte { return dp.page.Payload()[:dataPageHeaderSize] }

// records is the fixed-capacity record area following the data-page
// header; its length is the page's work size.
func (dp *DataPage) records() []byte { return dp.page.Payload()[dataPageHeaderSize:] }

func (dp *DataPage) workSize() int { return len(dp.records()) }

func (dp *DataPage) RecordCount() uint16 { return codec.U16(dp.header()[0:2]) }
func (dp *DataPage) SetRecordCount(v uint16) {
	codec.PutU16(dp.header()[0:2], v)
	dp.page.MarkDirty()
}

func (dp *DataPage) DataLength() int32 { return codec.I32(dp.header()[2:6]) }
func (dp *DataPage) SetDataLength(v int32) {
	codec.PutI32(dp.header()[2:6], v)
	dp.page.MarkDirty()
}

func (dp *DataPage) NextDataPage() int64 { return codec.I64(dp.header()[6:14]) }
func (dp *DataPage) SetNextDataPage(v int64) {
	codec.PutI64(dp.header()[6:14], v)
	dp.page.MarkDirty()
}

func (dp *DataPage) PrevDataPage() int64 { return codec.I64(dp.header()[14:22]) }
func (dp *DataPage) SetPrevDataPage(v int64) {
	codec.PutI64(dp.header()[14:22], v)
	dp.page.MarkDirty()
}

func (dp *DataPage) NextTid() uint16 { return codec.U16(dp.header()[22:24]) }
func (dp *DataPage) SetNextTid(v uint16) {
	codec.PutU16(dp.header()[22:24], v)
	dp.page.MarkDirty()
}

// cacheable.Item

func (dp *DataPage) CacheKey() uint32  { return dp.page.Number }
func (dp *DataPage) IsDirty() bool     { return dp.page.IsDirty() }
func (dp *DataPage) AllowUnload() bool { return !dp.pinned }
func (dp *DataPage) Sync() error       { return dp.store.pf.WritePage(dp.page) }

// writeRecordAt writes [tid][len][bytes] at off within the record area
// and does not touch record_count/data_length bookkeeping; callers
// update those separately so the three insertion cases in Store can
// share this helper.
func (dp *DataPage) writeRecordAt(off int, tid uint16, value []byte) {
	buf := dp.records()
	codec.PutU16(buf[off:off+2], tid)
	codec.PutU16(buf[off+2:off+4], uint16(len(value)))
	copy(buf[off+4:off+4+len(value)], value)
	dp.page.MarkDirty()
}

// scanRecordCount recomputes record_count by walking the record area,
// needed after a byte-level split or shift where records have
// variable length and can't be counted arithmetically.
func (dp *DataPage) scanRecordCount() uint16 {
	buf := dp.records()
	off := 0
	count := uint16(0)
	limit := int(dp.DataLength())
	for off < limit {
		length := int(codec.U16(buf[off+2 : off+4]))
		off += recordHeaderSize + length
		count++
	}
	return count
}
