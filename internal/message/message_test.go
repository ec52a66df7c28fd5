package message

import (
	"bytes"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/stretchr/testify/require"

	"github.com/ipfs/go-bitswap-core/internal/wantlist"
)

func TestEncodeDecodeRoundTripV120(t *testing.T) {
	m := New(false)
	blk := blocks.NewBlock([]byte("hello world"))
	m.AddEntry(blk.Cid(), 3, wantlist.WantBlock, true)
	m.AddBlock(blk)
	m.AddBlockPresence(blk.Cid(), Have)

	var buf bytes.Buffer
	require.NoError(t, Encode(m, V1_2_0, &buf))

	decoded, err := Decode(&buf, 0)
	require.NoError(t, err)

	require.Len(t, decoded.Blocks(), 1)
	require.True(t, bytes.Equal(decoded.Blocks()[0].RawData(), blk.RawData()))

	require.Len(t, decoded.Wantlist(), 1)
	require.Equal(t, int32(3), decoded.Wantlist()[0].Priority)

	require.Len(t, decoded.BlockPresences(), 1)
	require.Equal(t, Have, decoded.BlockPresences()[0].Type)
}

func TestV100DropsPresencesAndWantType(t *testing.T) {
	m := New(false)
	c := blocks.NewBlock([]byte("x")).Cid()
	m.AddEntry(c, 1, wantlist.WantHave, true)
	m.AddBlockPresence(c, Have)

	var buf bytes.Buffer
	require.NoError(t, Encode(m, V1_0_0, &buf))

	decoded, err := Decode(&buf, 0)
	require.NoError(t, err)
	require.Empty(t, decoded.BlockPresences(), "v1.0.0 must never carry block presences")
	require.Equal(t, wantlist.WantBlock, decoded.Wantlist()[0].WantType,
		"v1.0.0 has no want-have concept; decoding should default to WantBlock")
}

func TestBlockPayloadV110RoundTripsThroughPrefix(t *testing.T) {
	m := New(false)
	blk := blocks.NewBlock([]byte("payload bytes"))
	m.AddBlock(blk)

	var buf bytes.Buffer
	require.NoError(t, Encode(m, V1_1_0, &buf))

	decoded, err := Decode(&buf, 0)
	require.NoError(t, err)
	require.True(t, decoded.Blocks()[0].Cid().Equals(blk.Cid()))
}

func TestDecodeRejectsOversizedMessage(t *testing.T) {
	m := New(false)
	m.AddBlock(blocks.NewBlock(bytes.Repeat([]byte("x"), 1024)))

	var buf bytes.Buffer
	require.NoError(t, Encode(m, V1_1_0, &buf))

	_, err := Decode(&buf, 10)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestCancelRemovesEntryAndMarksCancel(t *testing.T) {
	m := New(false)
	c := blocks.NewBlock([]byte("x")).Cid()
	m.AddEntry(c, 1, wantlist.WantBlock, false)
	m.Cancel(c)

	entries := m.Wantlist()
	require.Len(t, entries, 1)
	require.True(t, entries[0].Cancel, "expected a single cancel entry for the cid")
}

func TestMinVersion(t *testing.T) {
	plain := New(false)
	plain.AddEntry(blocks.NewBlock([]byte("a")).Cid(), 1, wantlist.WantBlock, false)
	require.Equal(t, V1_0_0, plain.MinVersion(), "a plain want-block entry should be expressible at v1.0.0")

	withBlock := New(false)
	withBlock.AddBlock(blocks.NewBlock([]byte("a")))
	require.Equal(t, V1_1_0, withBlock.MinVersion(), "a block payload requires at least v1.1.0")

	withPresence := New(false)
	withPresence.AddBlockPresence(blocks.NewBlock([]byte("a")).Cid(), DontHave)
	require.Equal(t, V1_2_0, withPresence.MinVersion(), "a block presence requires v1.2.0")
}

func TestEmpty(t *testing.T) {
	m := New(false)
	require.True(t, m.Empty(), "freshly constructed message should be empty")
	m.AddBlock(blocks.NewBlock([]byte("a")))
	require.False(t, m.Empty(), "message with a block should not be empty")
}
