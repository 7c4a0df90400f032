package sdcard

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sdspi/crc"
	"github.com/mklimuk/sdspi/sim"
)

// cancellingBus cancels the caller's context after a number of exchanges. Like
// a bus bound to that context, it refuses to deselect once it is done.
type cancellingBus struct {
	*sim.Card
	after  int
	cancel context.CancelFunc
}

func (b *cancellingBus) Exchange(ctx context.Context, out byte) (byte, error) {
	if b.after == 0 {
		b.cancel()
	}
	if b.after >= 0 {
		b.after--
	}
	return b.Card.Exchange(ctx, out)
}

func (b *cancellingBus) Deselect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Card.Deselect(ctx)
}

func pattern(seed uint64, n int) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x5D))
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(r.Uint32())
	}
	return buf
}

func TestSingleBlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	card, bus := initialized(t)

	for i := range 16 {
		addr := uint64(i*7) * BlockSize
		payload := pattern(uint64(i), BlockSize)

		tr, err := card.BeginTransfer(ctx, addr, Write, SingleBlock)
		require.NoError(t, err)
		n, err := tr.Write(ctx, payload[:100])
		require.NoError(t, err)
		assert.Equal(t, 100, n)
		_, err = tr.Write(ctx, payload[100:])
		require.NoError(t, err)
		sum, err := tr.End(ctx)
		require.NoError(t, err)
		assert.Equal(t, crc.CRC16(0, payload), sum)
		assert.True(t, tr.Last().Response.Accepted())
		assert.Equal(t, 1, tr.Blocks())
		assert.False(t, bus.Selected())

		got := make([]byte, BlockSize)
		tr, err = card.BeginTransfer(ctx, addr, Read, SingleBlock)
		require.NoError(t, err)
		_, err = tr.Read(ctx, got)
		require.NoError(t, err)
		sum, err = tr.End(ctx)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.Equal(t, crc.CRC16(0, payload), sum)
		assert.Equal(t, R1(0x00), tr.Status())
	}
}

func TestBlockHelpers(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		opts []sim.Opt
	}{
		{"standard capacity", nil},
		{"high capacity", []sim.Opt{sim.WithKind(sim.SDHC), sim.WithBlocks(2048)}},
		{"slow card", []sim.Opt{sim.WithReadLatency(40), sim.WithBusyBytes(60)}},
		{"card busy past poll budget", []sim.Opt{sim.WithBusyBytes(300)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card, _ := initialized(t, tt.opts...)

			payload := pattern(1, BlockSize)
			require.NoError(t, card.WriteBlock(ctx, 3*BlockSize, payload))
			got := make([]byte, BlockSize)
			require.NoError(t, card.ReadBlock(ctx, 3*BlockSize, got))
			assert.Equal(t, payload, got)

			multi := pattern(2, 8*BlockSize)
			require.NoError(t, card.WriteBlocks(ctx, 16*BlockSize, multi))
			got = make([]byte, len(multi))
			require.NoError(t, card.ReadBlocks(ctx, 16*BlockSize, got))
			assert.Equal(t, multi, got)

			// blocks land in sequence
			block := make([]byte, BlockSize)
			for i := range 8 {
				require.NoError(t, card.ReadBlock(ctx, uint64(16+i)*BlockSize, block))
				assert.True(t, bytes.Equal(multi[i*BlockSize:(i+1)*BlockSize], block), "block %d", i)
			}
		})
	}
}

func TestMultiBlockTransfer(t *testing.T) {
	ctx := context.Background()
	card, bus := initialized(t)
	data := pattern(3, 3*BlockSize)

	tr, err := card.BeginTransfer(ctx, 0, Write, MultiBlock)
	require.NoError(t, err)
	_, err = tr.Write(ctx, data[:1])
	assert.ErrorIs(t, err, ErrNoSubBlock)
	for i := range 3 {
		require.NoError(t, tr.StartSubBlock(ctx))
		assert.ErrorIs(t, tr.StartSubBlock(ctx), ErrSubBlockOpen)
		block := data[i*BlockSize : (i+1)*BlockSize]
		_, err = tr.Write(ctx, block[:BlockSize-1])
		require.NoError(t, err)
		_, err = tr.StopSubBlock(ctx)
		assert.ErrorIs(t, err, ErrShortBlock)
		_, err = tr.Write(ctx, block[BlockSize-1:])
		require.NoError(t, err)
		trailer, err := tr.StopSubBlock(ctx)
		require.NoError(t, err)
		assert.Equal(t, crc.CRC16(0, block), trailer.CRC)
		assert.Equal(t, DataAccepted, trailer.Response)
	}
	sum, err := tr.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, crc.CRC16(0, data[2*BlockSize:]), sum)
	assert.Equal(t, 3, tr.Blocks())

	tr, err = card.BeginTransfer(ctx, 0, Read, MultiBlock)
	require.NoError(t, err)
	got := make([]byte, BlockSize)
	for i := range 2 {
		require.NoError(t, tr.StartSubBlock(ctx))
		_, err = tr.Read(ctx, got)
		require.NoError(t, err)
		trailer, err := tr.StopSubBlock(ctx)
		require.NoError(t, err)
		assert.Equal(t, data[i*BlockSize:(i+1)*BlockSize], got)
		assert.Equal(t, crc.CRC16(0, got), trailer.CRC)
	}
	_, err = tr.End(ctx)
	require.NoError(t, err)
	assert.False(t, bus.Selected())
	// the stuff byte after CMD12 is not the status
	assert.Equal(t, R1(0x00), tr.Status())

	indexes := bus.Indexes()
	assert.Equal(t, []byte{25, 13, 18, 12}, indexes[len(indexes)-4:])
}

func TestTransferGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("card not initialized", func(t *testing.T) {
		card, bus := newSimCard(t, nil)
		_, err := card.BeginTransfer(ctx, 0, Read, SingleBlock)
		assert.ErrorIs(t, err, ErrNotActive)
		assert.Zero(t, bus.Exchanges())
	})

	t.Run("one transfer at a time", func(t *testing.T) {
		card, _ := initialized(t)
		tr, err := card.BeginTransfer(ctx, 0, Read, SingleBlock)
		require.NoError(t, err)

		_, err = card.BeginTransfer(ctx, BlockSize, Write, SingleBlock)
		assert.ErrorIs(t, err, ErrTransferInProgress)
		assert.ErrorIs(t, card.ReadBlock(ctx, 0, make([]byte, BlockSize)), ErrTransferInProgress)
		_, err = card.Initialize(ctx)
		assert.ErrorIs(t, err, ErrTransferInProgress)
		assert.True(t, card.IsActive())

		_, err = tr.Read(ctx, make([]byte, BlockSize))
		require.NoError(t, err)
		_, err = tr.End(ctx)
		require.NoError(t, err)
		_, err = tr.End(ctx)
		assert.ErrorIs(t, err, ErrTransferClosed)

		assert.NoError(t, card.ReadBlock(ctx, 0, make([]byte, BlockSize)))
	})

	t.Run("direction and granularity", func(t *testing.T) {
		card, _ := initialized(t)
		tr, err := card.BeginTransfer(ctx, 0, Read, SingleBlock)
		require.NoError(t, err)
		_, err = tr.Write(ctx, []byte{1})
		assert.ErrorIs(t, err, ErrWrongDirection)
		assert.ErrorIs(t, tr.StartSubBlock(ctx), ErrNotMultiBlock)
		_, err = tr.StopSubBlock(ctx)
		assert.ErrorIs(t, err, ErrNotMultiBlock)
		_, err = tr.Read(ctx, make([]byte, BlockSize+1))
		assert.ErrorIs(t, err, ErrBlockOverrun)
		_, err = tr.Read(ctx, make([]byte, BlockSize))
		require.NoError(t, err)
		_, err = tr.End(ctx)
		require.NoError(t, err)
	})

	t.Run("short block releases the card", func(t *testing.T) {
		card, bus := initialized(t)
		tr, err := card.BeginTransfer(ctx, 0, Write, SingleBlock)
		require.NoError(t, err)
		_, err = tr.Write(ctx, make([]byte, 100))
		require.NoError(t, err)
		_, err = tr.End(ctx)
		assert.ErrorIs(t, err, ErrShortBlock)
		assert.False(t, bus.Selected())

		assert.NoError(t, card.ReadBlock(ctx, 0, make([]byte, BlockSize)))
	})

	t.Run("buffer sizes", func(t *testing.T) {
		card, _ := initialized(t)
		assert.ErrorIs(t, card.ReadBlock(ctx, 0, make([]byte, 10)), ErrBufferSize)
		assert.ErrorIs(t, card.WriteBlock(ctx, 0, make([]byte, 1024)), ErrBufferSize)
		assert.ErrorIs(t, card.ReadBlocks(ctx, 0, nil), ErrBufferSize)
		assert.ErrorIs(t, card.WriteBlocks(ctx, 0, make([]byte, 700)), ErrBufferSize)
	})
}

func TestTransferFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("address out of range", func(t *testing.T) {
		card, bus := initialized(t, sim.WithBlocks(1024))
		err := card.ReadBlock(ctx, 1024*BlockSize, make([]byte, BlockSize))
		assert.ErrorIs(t, err, ErrUnexpectedResponse)
		var respErr *ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Equal(t, cmdReadSingle, respErr.Command)
		assert.Equal(t, R1AddressError, respErr.R1)
		assert.False(t, bus.Selected())
	})

	t.Run("unaligned address on block addressed card", func(t *testing.T) {
		card, bus := initialized(t, sim.WithKind(sim.SDHC), sim.WithBlocks(1024))
		before := bus.Exchanges()
		err := card.ReadBlock(ctx, 100, make([]byte, BlockSize))
		assert.ErrorIs(t, err, ErrUnalignedAddress)
		assert.Equal(t, before, bus.Exchanges())

		require.NoError(t, card.ReadBlock(ctx, 5*BlockSize, make([]byte, BlockSize)))
		cmds := bus.Commands()
		read := cmds[len(cmds)-2]
		assert.Equal(t, cmdReadSingle, read.Index)
		assert.Equal(t, uint32(5), read.Arg)
	})

	t.Run("rejected writes", func(t *testing.T) {
		card, bus := initialized(t, sim.WithRejectWrites())
		err := card.WriteBlock(ctx, 0, make([]byte, BlockSize))
		assert.ErrorIs(t, err, ErrWriteRejected)
		assert.False(t, bus.Selected())

		err = card.WriteBlocks(ctx, 0, make([]byte, 4*BlockSize))
		assert.ErrorIs(t, err, ErrWriteRejected)
		assert.False(t, bus.Selected())
	})

	t.Run("missing start token", func(t *testing.T) {
		card, bus := initialized(t)
		bus.Inject(sim.WithMissingStartToken())
		err := card.ReadBlock(ctx, 0, make([]byte, BlockSize))
		assert.ErrorIs(t, err, ErrNoStartToken)
		assert.False(t, bus.Selected())

		tr, err := card.BeginTransfer(ctx, 0, Read, MultiBlock)
		require.NoError(t, err)
		assert.ErrorIs(t, tr.StartSubBlock(ctx), ErrNoStartToken)
		assert.False(t, bus.Selected())
		_, err = tr.End(ctx)
		assert.ErrorIs(t, err, ErrTransferClosed)

		assert.NoError(t, card.WriteBlock(ctx, 0, make([]byte, BlockSize)))
	})

	t.Run("data error token", func(t *testing.T) {
		card, bus := initialized(t, sim.WithDataErrorToken(0x08))
		err := card.ReadBlock(ctx, 0, make([]byte, BlockSize))
		assert.ErrorIs(t, err, ErrDataErrorToken)
		assert.ErrorContains(t, err, "0x08")
		assert.False(t, bus.Selected())

		err = card.ReadBlocks(ctx, 0, make([]byte, 2*BlockSize))
		assert.ErrorIs(t, err, ErrDataErrorToken)
		assert.False(t, bus.Selected())
	})

	t.Run("cancelled mid block releases the card", func(t *testing.T) {
		sc, err := sim.New()
		require.NoError(t, err)
		bus := &cancellingBus{Card: sc, after: -1}
		card := New(bus, WithoutDelays())
		_, err = card.Initialize(ctx)
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		bus.after, bus.cancel = 100, cancel
		err = card.ReadBlock(cctx, 0, make([]byte, BlockSize))
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, sc.Selected())

		assert.NoError(t, card.ReadBlock(ctx, 0, make([]byte, BlockSize)))
	})

	t.Run("read CRC verification", func(t *testing.T) {
		card, _ := initialized(t, sim.WithCorruptReadCRC())
		assert.NoError(t, card.ReadBlock(ctx, 0, make([]byte, BlockSize)))

		bus, err := sim.New(sim.WithCorruptReadCRC())
		require.NoError(t, err)
		card = New(bus, WithoutDelays(), WithVerifyReadCRC(true))
		_, err = card.Initialize(ctx)
		require.NoError(t, err)
		assert.ErrorIs(t, card.ReadBlock(ctx, 0, make([]byte, BlockSize)), ErrCRCMismatch)
		assert.ErrorIs(t, card.ReadBlocks(ctx, 0, make([]byte, 2*BlockSize)), ErrCRCMismatch)
		assert.False(t, bus.Selected())
	})
}
