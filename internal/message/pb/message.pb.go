// Package pb holds the wire types for the bitswap protobuf schema shared
// by wire versions 1.0.0, 1.1.0 and 1.2.0 (see internal/message for the
// version-aware codec built on top of these types).
//
// These types are maintained by hand in the style protoc-gen-gogofaster
// would have produced for the historical go-ipfs bitswap schema: plain
// structs plus hand-written Marshal/Unmarshal pairs built on gogo's
// varint helpers, rather than reflection-driven (un)marshaling.
package pb

import (
	"errors"
	"io"

	"github.com/gogo/protobuf/proto"
)

// ErrUnexpectedEOF is returned when a submessage is truncated mid-field.
var ErrUnexpectedEOF = errors.New("pb: unexpected EOF while decoding message")

// Message_Wantlist_WantType mirrors the protobuf enum of the same name.
type Message_Wantlist_WantType int32

const (
	Message_Wantlist_Block Message_Wantlist_WantType = 0
	Message_Wantlist_Have  Message_Wantlist_WantType = 1
)

// Message_BlockPresenceType mirrors the protobuf enum of the same name.
type Message_BlockPresenceType int32

const (
	Message_Have     Message_BlockPresenceType = 0
	Message_DontHave Message_BlockPresenceType = 1
)

// Message is the top-level bitswap wire message.
type Message struct {
	Wantlist *Message_Wantlist
	// Blocks carries raw block data for wire version 1.0.0, which has no
	// prefix and no block presences.
	Blocks         [][]byte
	Payload        []Message_Block
	BlockPresences []Message_BlockPresence
	PendingBytes   int32
}

type Message_Wantlist struct {
	Entries []Message_Wantlist_Entry
	Full    bool
}

type Message_Wantlist_Entry struct {
	Block        []byte // binary CID
	Priority     int32
	Cancel       bool
	WantType     Message_Wantlist_WantType
	SendDontHave bool
}

type Message_Block struct {
	Prefix []byte
	Data   []byte
}

type Message_BlockPresence struct {
	Cid  []byte // binary CID
	Type Message_BlockPresenceType
}

const (
	fieldMessageWantlist       = 1
	fieldMessageBlocks         = 2
	fieldMessagePayload        = 3
	fieldMessageBlockPresences = 4
	fieldMessagePendingBytes   = 5

	fieldWantlistEntries = 1
	fieldWantlistFull    = 2

	fieldEntryBlock        = 1
	fieldEntryPriority     = 2
	fieldEntryCancel       = 3
	fieldEntryWantType     = 4
	fieldEntrySendDontHave = 5

	fieldBlockPrefix = 1
	fieldBlockData   = 2

	fieldPresenceCid  = 1
	fieldPresenceType = 2

	wireVarint = 0
	wireBytes  = 2
)

func tag(field int, wire int) uint64 { return uint64(field)<<3 | uint64(wire) }

func appendVarint(buf []byte, v uint64) []byte {
	return append(buf, proto.EncodeVarint(v)...)
}

func appendTag(buf []byte, field int, wire int) []byte {
	return appendVarint(buf, tag(field, wire))
}

func appendBytesField(buf []byte, field int, b []byte) []byte {
	buf = appendTag(buf, field, wireBytes)
	buf = appendVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendVarintField(buf []byte, field int, v uint64) []byte {
	buf = appendTag(buf, field, wireVarint)
	return appendVarint(buf, v)
}

func appendBoolField(buf []byte, field int, v bool) []byte {
	if !v {
		return buf
	}
	return appendVarintField(buf, field, 1)
}

// Marshal encodes m into the bitswap wire format.
func (m *Message) Marshal() ([]byte, error) {
	var buf []byte
	if m.Wantlist != nil {
		sub, err := m.Wantlist.Marshal()
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, fieldMessageWantlist, sub)
	}
	for _, b := range m.Blocks {
		buf = appendBytesField(buf, fieldMessageBlocks, b)
	}
	for i := range m.Payload {
		sub, err := m.Payload[i].Marshal()
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, fieldMessagePayload, sub)
	}
	for i := range m.BlockPresences {
		sub, err := m.BlockPresences[i].Marshal()
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, fieldMessageBlockPresences, sub)
	}
	if m.PendingBytes != 0 {
		buf = appendVarintField(buf, fieldMessagePendingBytes, uint64(uint32(m.PendingBytes)))
	}
	return buf, nil
}

func (w *Message_Wantlist) Marshal() ([]byte, error) {
	var buf []byte
	for i := range w.Entries {
		sub, err := w.Entries[i].Marshal()
		if err != nil {
			return nil, err
		}
		buf = appendBytesField(buf, fieldWantlistEntries, sub)
	}
	buf = appendBoolField(buf, fieldWantlistFull, w.Full)
	return buf, nil
}

func (e *Message_Wantlist_Entry) Marshal() ([]byte, error) {
	var buf []byte
	buf = appendBytesField(buf, fieldEntryBlock, e.Block)
	if e.Priority != 0 {
		buf = appendVarintField(buf, fieldEntryPriority, uint64(uint32(e.Priority)))
	}
	buf = appendBoolField(buf, fieldEntryCancel, e.Cancel)
	if e.WantType != Message_Wantlist_Block {
		buf = appendVarintField(buf, fieldEntryWantType, uint64(e.WantType))
	}
	buf = appendBoolField(buf, fieldEntrySendDontHave, e.SendDontHave)
	return buf, nil
}

func (b *Message_Block) Marshal() ([]byte, error) {
	var buf []byte
	buf = appendBytesField(buf, fieldBlockPrefix, b.Prefix)
	buf = appendBytesField(buf, fieldBlockData, b.Data)
	return buf, nil
}

func (p *Message_BlockPresence) Marshal() ([]byte, error) {
	var buf []byte
	buf = appendBytesField(buf, fieldPresenceCid, p.Cid)
	if p.Type != Message_Have {
		buf = appendVarintField(buf, fieldPresenceType, uint64(p.Type))
	}
	return buf, nil
}

// reader is a minimal protobuf wire-format cursor over a byte slice.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) done() bool { return r.pos >= len(r.buf) }

func (r *reader) varint() (uint64, error) {
	v, n := proto.DecodeVarint(r.buf[r.pos:])
	if n == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	l, err := r.varint()
	if err != nil {
		return nil, err
	}
	if uint64(r.pos)+l > uint64(len(r.buf)) {
		return nil, ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+int(l)]
	r.pos += int(l)
	return b, nil
}

func (r *reader) skip(wire uint64) error {
	switch wire {
	case wireVarint:
		_, err := r.varint()
		return err
	case wireBytes:
		_, err := r.bytes()
		return err
	default:
		return errors.New("pb: unsupported wire type")
	}
}

// Unmarshal decodes b into m, ignoring unknown fields (forward compat).
func (m *Message) Unmarshal(b []byte) error {
	r := &reader{buf: b}
	for !r.done() {
		t, err := r.varint()
		if err != nil {
			return err
		}
		field, wire := int(t>>3), t&0x7
		switch field {
		case fieldMessageWantlist:
			sub, err := r.bytes()
			if err != nil {
				return err
			}
			wl := &Message_Wantlist{}
			if err := wl.Unmarshal(sub); err != nil {
				return err
			}
			m.Wantlist = wl
		case fieldMessageBlocks:
			sub, err := r.bytes()
			if err != nil {
				return err
			}
			cp := append([]byte(nil), sub...)
			m.Blocks = append(m.Blocks, cp)
		case fieldMessagePayload:
			sub, err := r.bytes()
			if err != nil {
				return err
			}
			var blk Message_Block
			if err := blk.Unmarshal(sub); err != nil {
				return err
			}
			m.Payload = append(m.Payload, blk)
		case fieldMessageBlockPresences:
			sub, err := r.bytes()
			if err != nil {
				return err
			}
			var pr Message_BlockPresence
			if err := pr.Unmarshal(sub); err != nil {
				return err
			}
			m.BlockPresences = append(m.BlockPresences, pr)
		case fieldMessagePendingBytes:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.PendingBytes = int32(uint32(v))
		default:
			if err := r.skip(wire); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Message_Wantlist) Unmarshal(b []byte) error {
	r := &reader{buf: b}
	for !r.done() {
		t, err := r.varint()
		if err != nil {
			return err
		}
		field, wire := int(t>>3), t&0x7
		switch field {
		case fieldWantlistEntries:
			sub, err := r.bytes()
			if err != nil {
				return err
			}
			var e Message_Wantlist_Entry
			if err := e.Unmarshal(sub); err != nil {
				return err
			}
			w.Entries = append(w.Entries, e)
		case fieldWantlistFull:
			v, err := r.varint()
			if err != nil {
				return err
			}
			w.Full = v != 0
		default:
			if err := r.skip(wire); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Message_Wantlist_Entry) Unmarshal(b []byte) error {
	r := &reader{buf: b}
	// defaults per §4.1: priority=1, want_type=Block, send_dont_have=false
	e.Priority = 1
	e.WantType = Message_Wantlist_Block
	for !r.done() {
		t, err := r.varint()
		if err != nil {
			return err
		}
		field, wire := int(t>>3), t&0x7
		switch field {
		case fieldEntryBlock:
			sub, err := r.bytes()
			if err != nil {
				return err
			}
			e.Block = append([]byte(nil), sub...)
		case fieldEntryPriority:
			v, err := r.varint()
			if err != nil {
				return err
			}
			e.Priority = int32(uint32(v))
		case fieldEntryCancel:
			v, err := r.varint()
			if err != nil {
				return err
			}
			e.Cancel = v != 0
		case fieldEntryWantType:
			v, err := r.varint()
			if err != nil {
				return err
			}
			e.WantType = Message_Wantlist_WantType(v)
		case fieldEntrySendDontHave:
			v, err := r.varint()
			if err != nil {
				return err
			}
			e.SendDontHave = v != 0
		default:
			if err := r.skip(wire); err != nil {
				return err
			}
		}
	}
	return nil
}

func (blk *Message_Block) Unmarshal(b []byte) error {
	r := &reader{buf: b}
	for !r.done() {
		t, err := r.varint()
		if err != nil {
			return err
		}
		field, wire := int(t>>3), t&0x7
		switch field {
		case fieldBlockPrefix:
			sub, err := r.bytes()
			if err != nil {
				return err
			}
			blk.Prefix = append([]byte(nil), sub...)
		case fieldBlockData:
			sub, err := r.bytes()
			if err != nil {
				return err
			}
			blk.Data = append([]byte(nil), sub...)
		default:
			if err := r.skip(wire); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Message_BlockPresence) Unmarshal(b []byte) error {
	r := &reader{buf: b}
	for !r.done() {
		t, err := r.varint()
		if err != nil {
			return err
		}
		field, wire := int(t>>3), t&0x7
		switch field {
		case fieldPresenceCid:
			sub, err := r.bytes()
			if err != nil {
				return err
			}
			p.Cid = append([]byte(nil), sub...)
		case fieldPresenceType:
			v, err := r.varint()
			if err != nil {
				return err
			}
			p.Type = Message_BlockPresenceType(v)
		default:
			if err := r.skip(wire); err != nil {
				return err
			}
		}
	}
	return nil
}
