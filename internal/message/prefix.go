package message

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// Prefix is the four-field CID prefix carried alongside raw block data in
// wire versions 1.1.0+: (cid version, codec, multihash code, digest
// length). It lets the receiver reconstruct the CID from the bytes
// without shipping the full encoded CID over the wire for every block.
type Prefix struct {
	Version  uint64
	Codec    uint64
	MhType   uint64
	MhLength int
}

// PrefixFromCid extracts the wire prefix for c.
func PrefixFromCid(c cid.Cid) Prefix {
	p := c.Prefix()
	return Prefix{
		Version:  uint64(p.Version),
		Codec:    p.Codec,
		MhType:   uint64(p.MhType),
		MhLength: p.MhLength,
	}
}

// Bytes encodes the prefix as four concatenated unsigned varints, matching
// the historical go-ipfs bitswap wire prefix encoding.
func (p Prefix) Bytes() []byte {
	buf := make([]byte, 0, 4*varint.MaxLenUvarint63)
	buf = varint.ToUvarint(p.Version)
	buf = append(buf, varint.ToUvarint(p.Codec)...)
	buf = append(buf, varint.ToUvarint(p.MhType)...)
	buf = append(buf, varint.ToUvarint(uint64(p.MhLength))...)
	return buf
}

// ParsePrefix decodes a wire prefix produced by Bytes.
func ParsePrefix(b []byte) (Prefix, error) {
	var p Prefix
	var err error
	var n int
	p.Version, n, err = readUvarint(b)
	if err != nil {
		return p, err
	}
	b = b[n:]
	p.Codec, n, err = readUvarint(b)
	if err != nil {
		return p, err
	}
	b = b[n:]
	p.MhType, n, err = readUvarint(b)
	if err != nil {
		return p, err
	}
	b = b[n:]
	mhLen, _, err := readUvarint(b)
	if err != nil {
		return p, err
	}
	p.MhLength = int(mhLen)
	return p, nil
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n, err := varint.FromUvarint(b)
	return v, n, err
}

// ToCid reconstructs the CID for data given its wire prefix, recomputing
// the multihash digest over data. Because the CID is derived from the
// same bytes, it always matches them; HashMismatch detection against
// what a peer was actually asked for happens in the root package's
// Bitswap.dispatchMessage (client.go).
func (p Prefix) ToCid(data []byte) (cid.Cid, error) {
	pfx := cid.Prefix{
		Version:  p.Version,
		Codec:    p.Codec,
		MhType:   p.MhType,
		MhLength: p.MhLength,
	}
	return pfx.Sum(data)
}
