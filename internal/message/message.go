// Package message implements the bitswap wire message (§3 "Bitswap
// Message", §4.1 "Wire codec") across the three protocol versions this
// core supports.
package message

import (
	"errors"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/ipfs/go-bitswap-core/internal/message/pb"
	"github.com/ipfs/go-bitswap-core/internal/wantlist"
)

// Version identifies one of the three wire schema revisions this core
// speaks, in ascending feature order.
type Version string

const (
	V1_0_0 Version = "1.0.0"
	V1_1_0 Version = "1.1.0"
	V1_2_0 Version = "1.2.0"
)

// ErrMessageTooLarge is returned by Decode when a message exceeds the
// configured cap (§4.1 framing contract).
var ErrMessageTooLarge = errors.New("bitswap message exceeds configured size cap")

// BlockPresenceType is the compact reply that replaces a block payload.
type BlockPresenceType int

const (
	Have BlockPresenceType = iota
	DontHave
)

// Entry is a single wantlist record as carried on the wire, keyed by CID
// rather than the peer that owns the wantlist (unlike wantlist.Entry,
// which belongs to one peer's bookkeeping).
type Entry struct {
	Cid          cid.Cid
	Priority     int32
	WantType     wantlist.WantType
	SendDontHave bool
	Cancel       bool
}

// BlockPresence is a compact Have/DontHave reply for one CID.
type BlockPresence struct {
	Cid  cid.Cid
	Type BlockPresenceType
}

// BitSwapMessage is the mutable wire message builder/reader used by the
// client, server, and codec.
type BitSwapMessage interface {
	Full() bool
	SetFull(full bool)

	Wantlist() []Entry
	AddEntry(c cid.Cid, priority int32, wantType wantlist.WantType, sendDontHave bool) Entry
	Cancel(c cid.Cid)

	Blocks() []blocks.Block
	AddBlock(b blocks.Block)
	ClearBlocks()

	BlockPresences() []BlockPresence
	AddBlockPresence(c cid.Cid, typ BlockPresenceType)

	PendingBytes() int32
	SetPendingBytes(n int32)

	Empty() bool
	// Size estimates the wire size of the message. The server's envelope
	// builder does not call it; target_message_size is enforced on the
	// tasks' WorkSize in PeerTaskQueue.PopTasks instead.
	Size() int

	// MinVersion is the lowest wire version that can carry every field
	// currently set on the message without loss (§4.1 encoding contract).
	MinVersion() Version
}

func New(full bool) BitSwapMessage {
	return &impl{full: full}
}

type impl struct {
	full         bool
	wantlist     []Entry
	blocks       []blocks.Block
	presences    []BlockPresence
	pendingBytes int32
}

func (m *impl) Full() bool         { return m.full }
func (m *impl) SetFull(full bool)  { m.full = full }
func (m *impl) Wantlist() []Entry  { return m.wantlist }
func (m *impl) Blocks() []blocks.Block { return m.blocks }
func (m *impl) ClearBlocks()       { m.blocks = nil }
func (m *impl) BlockPresences() []BlockPresence { return m.presences }
func (m *impl) PendingBytes() int32             { return m.pendingBytes }
func (m *impl) SetPendingBytes(n int32)         { m.pendingBytes = n }

func (m *impl) AddEntry(c cid.Cid, priority int32, wantType wantlist.WantType, sendDontHave bool) Entry {
	e := Entry{Cid: c, Priority: priority, WantType: wantType, SendDontHave: sendDontHave}
	for i, existing := range m.wantlist {
		if existing.Cid.Equals(c) {
			m.wantlist[i] = e
			return e
		}
	}
	m.wantlist = append(m.wantlist, e)
	return e
}

func (m *impl) Cancel(c cid.Cid) {
	for i, existing := range m.wantlist {
		if existing.Cid.Equals(c) {
			m.wantlist = append(m.wantlist[:i], m.wantlist[i+1:]...)
			break
		}
	}
	m.wantlist = append(m.wantlist, Entry{Cid: c, Cancel: true})
}

func (m *impl) AddBlock(b blocks.Block) {
	m.blocks = append(m.blocks, b)
}

func (m *impl) AddBlockPresence(c cid.Cid, typ BlockPresenceType) {
	m.presences = append(m.presences, BlockPresence{Cid: c, Type: typ})
}

func (m *impl) Empty() bool {
	return len(m.wantlist) == 0 && len(m.blocks) == 0 && len(m.presences) == 0 && m.pendingBytes == 0
}

func (m *impl) Size() int {
	size := 0
	for _, e := range m.wantlist {
		size += e.Cid.ByteLen() + 8
	}
	for _, b := range m.blocks {
		size += len(b.RawData()) + 8
	}
	for _, p := range m.presences {
		size += p.Cid.ByteLen() + 2
	}
	return size
}

func (m *impl) MinVersion() Version {
	for _, e := range m.wantlist {
		if e.WantType == wantlist.WantHave || e.SendDontHave {
			return V1_2_0
		}
	}
	if len(m.presences) > 0 || m.pendingBytes != 0 {
		return V1_2_0
	}
	if len(m.blocks) > 0 {
		return V1_1_0
	}
	return V1_0_0
}

// ToPB projects m onto the wire schema for the given target version,
// dropping fields that version cannot express. Callers are expected to
// only ever downgrade to a version >= MinVersion(); encoding at a lower
// version is a caller error that silently loses data, matching how a
// peer that only understands an older version would be serviced.
func (m *impl) ToPB(version Version) (*pb.Message, error) {
	out := &pb.Message{}
	if len(m.wantlist) > 0 || m.full {
		wl := &pb.Message_Wantlist{Full: m.full}
		for _, e := range m.wantlist {
			pe := pb.Message_Wantlist_Entry{
				Block:    e.Cid.Bytes(),
				Priority: e.Priority,
				Cancel:   e.Cancel,
			}
			if version == V1_2_0 {
				if e.WantType == wantlist.WantHave {
					pe.WantType = pb.Message_Wantlist_Have
				}
				pe.SendDontHave = e.SendDontHave
			}
			wl.Entries = append(wl.Entries, pe)
		}
		out.Wantlist = wl
	}

	for _, b := range m.blocks {
		if version == V1_0_0 {
			out.Blocks = append(out.Blocks, b.RawData())
			continue
		}
		out.Payload = append(out.Payload, pb.Message_Block{
			Prefix: PrefixFromCid(b.Cid()).Bytes(),
			Data:   b.RawData(),
		})
	}

	if version == V1_2_0 {
		for _, p := range m.presences {
			typ := pb.Message_Have
			if p.Type == DontHave {
				typ = pb.Message_DontHave
			}
			out.BlockPresences = append(out.BlockPresences, pb.Message_BlockPresence{
				Cid:  p.Cid.Bytes(),
				Type: typ,
			})
		}
		out.PendingBytes = m.pendingBytes
	}

	return out, nil
}

// FromPB builds a BitSwapMessage from a decoded wire message. Field
// defaults (priority=1, want_type=Block, send_dont_have=false) are
// already applied by pb.Unmarshal; this is version-agnostic by design
// (§4.1 "Decoding is version-agnostic").
func FromPB(in *pb.Message) (BitSwapMessage, error) {
	out := &impl{pendingBytes: in.PendingBytes}
	if in.Wantlist != nil {
		out.full = in.Wantlist.Full
		for _, e := range in.Wantlist.Entries {
			c, err := cid.Cast(e.Block)
			if err != nil {
				return nil, fmt.Errorf("decoding wantlist entry: %w", err)
			}
			wt := wantlist.WantBlock
			if e.WantType == pb.Message_Wantlist_Have {
				wt = wantlist.WantHave
			}
			out.wantlist = append(out.wantlist, Entry{
				Cid:          c,
				Priority:     e.Priority,
				WantType:     wt,
				SendDontHave: e.SendDontHave,
				Cancel:       e.Cancel,
			})
		}
	}
	for _, raw := range in.Blocks {
		b := blocks.NewBlock(raw)
		out.blocks = append(out.blocks, b)
	}
	for _, p := range in.Payload {
		prefix, err := ParsePrefix(p.Prefix)
		if err != nil {
			return nil, fmt.Errorf("decoding block prefix: %w", err)
		}
		c, err := prefix.ToCid(p.Data)
		if err != nil {
			return nil, fmt.Errorf("reconstructing cid from prefix: %w", err)
		}
		b, err := blocks.NewBlockWithCid(p.Data, c)
		if err != nil {
			return nil, fmt.Errorf("hash mismatch on received block: %w", err)
		}
		out.blocks = append(out.blocks, b)
	}
	for _, p := range in.BlockPresences {
		c, err := cid.Cast(p.Cid)
		if err != nil {
			return nil, fmt.Errorf("decoding block presence: %w", err)
		}
		typ := Have
		if p.Type == pb.Message_DontHave {
			typ = DontHave
		}
		out.presences = append(out.presences, BlockPresence{Cid: c, Type: typ})
	}
	return out, nil
}

// Encode serializes msg at the given wire version and writes it to w
// length-delimited with an unsigned varint prefix, matching libp2p's own
// stream framing convention.
func Encode(msg BitSwapMessage, version Version, w io.Writer) error {
	im, ok := msg.(*impl)
	if !ok {
		return errors.New("message: unsupported BitSwapMessage implementation")
	}
	pbm, err := im.ToPB(version)
	if err != nil {
		return err
	}
	raw, err := pbm.Marshal()
	if err != nil {
		return err
	}
	prefix := varint.ToUvarint(uint64(len(raw)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// Decode reads one length-delimited message from r, rejecting anything
// larger than maxSize (§4.1 "the codec rejects messages larger than a
// configured cap").
func Decode(r io.Reader, maxSize int) (BitSwapMessage, error) {
	l, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && l > uint64(maxSize) {
		return nil, ErrMessageTooLarge
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	var pbm pb.Message
	if err := pbm.Unmarshal(buf); err != nil {
		return nil, err
	}
	return FromPB(&pbm)
}

// byteReader adapts an io.Reader to io.ByteReader for varint.ReadUvarint,
// which (like the libp2p multistream framer) wants byte-at-a-time reads
// to avoid over-buffering past the length prefix.
type byteReader struct{ io.Reader }

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b, buf[:])
	return buf[0], err
}
