package sim

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sdspi/crc"
	"github.com/mklimuk/sdspi/register"
)

func frame(index byte, arg uint32) []byte {
	f := make([]byte, 6)
	f[0] = 0x40 | index
	binary.BigEndian.PutUint32(f[1:5], arg)
	f[5] = crc.CRC7(0, f[:5])
	return f
}

// send clocks the frame in followed by n idle bytes and returns what the
// card drove during the idle bytes.
func send(t *testing.T, c *Card, f []byte, n int) []byte {
	t.Helper()
	ctx := context.Background()
	for _, b := range f {
		_, err := c.Exchange(ctx, b)
		require.NoError(t, err)
	}
	in := make([]byte, n)
	for i := range in {
		b, err := c.Exchange(ctx, 0xFF)
		require.NoError(t, err)
		in[i] = b
	}
	return in
}

func selected(t *testing.T, opts ...Opt) *Card {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, c.Select(context.Background()))
	return c
}

func TestCommandResponses(t *testing.T) {
	t.Run("crc error", func(t *testing.T) {
		c := selected(t)
		bad := frame(0, 0)
		bad[5] ^= 0x02
		assert.Equal(t, []byte{0xFF, r1CRC, 0xFF}, send(t, c, bad, 3))
		assert.Equal(t, []Command{{Index: 0, Arg: 0, Response: r1CRC}}, c.Commands())
	})

	t.Run("silent before reset", func(t *testing.T) {
		c := selected(t)
		assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, send(t, c, frame(8, 0x1AA), 3))
		assert.Equal(t, []Command{{Index: 8, Arg: 0x1AA, Response: 0xFF}}, c.Commands())
	})

	t.Run("reset latency", func(t *testing.T) {
		c := selected(t, WithResetLatency(1))
		assert.Equal(t, []byte{0xFF, 0xFF}, send(t, c, frame(0, 0), 2))
		assert.Equal(t, []byte{0xFF, r1Idle}, send(t, c, frame(0, 0), 2))
		assert.Equal(t, []byte{0, 0}, c.Indexes())
	})

	t.Run("interface condition echo", func(t *testing.T) {
		c := selected(t, WithKind(SDHC))
		send(t, c, frame(0, 0), 2)
		assert.Equal(t, []byte{0xFF, r1Idle, 0x00, 0x00, 0x01, 0xAA}, send(t, c, frame(8, 0x1AA), 6))
	})

	t.Run("interface condition illegal on sdsc", func(t *testing.T) {
		c := selected(t)
		send(t, c, frame(0, 0), 2)
		assert.Equal(t, []byte{0xFF, r1Idle | r1Illegal}, send(t, c, frame(8, 0x1AA), 2))
	})

	t.Run("ocr", func(t *testing.T) {
		c := selected(t, WithKind(SDHC))
		send(t, c, frame(0, 0), 2)
		assert.Equal(t, []byte{0xFF, r1Idle, 0xC0, 0xFF, 0x80, 0x00}, send(t, c, frame(58, 0), 6))
	})

	t.Run("mmc rejects app commands", func(t *testing.T) {
		c := selected(t, WithKind(MMC))
		send(t, c, frame(0, 0), 2)
		assert.Equal(t, []byte{0xFF, r1Idle | r1Illegal}, send(t, c, frame(55, 0), 2))
		assert.Equal(t, []byte{0xFF, r1Ready}, send(t, c, frame(1, 0), 2))
	})

	t.Run("sdhc needs hcs", func(t *testing.T) {
		c := selected(t, WithKind(SDHC))
		send(t, c, frame(0, 0), 2)
		send(t, c, frame(55, 0), 2)
		assert.Equal(t, []byte{0xFF, r1Idle}, send(t, c, frame(41, 0), 2))
		send(t, c, frame(55, 0), 2)
		assert.Equal(t, []byte{0xFF, r1Ready}, send(t, c, frame(41, 1<<30), 2))
	})

	t.Run("address out of range", func(t *testing.T) {
		c := selected(t, WithBlocks(8))
		send(t, c, frame(0, 0), 2)
		send(t, c, frame(55, 0), 2)
		send(t, c, frame(41, 0), 2)
		assert.Equal(t, []byte{0xFF, r1Address}, send(t, c, frame(17, 8*register.BlockSize), 2))
		assert.Equal(t, []byte{0xFF, r1Address}, send(t, c, frame(17, 1), 2))
	})

	t.Run("bad interface echo", func(t *testing.T) {
		c := selected(t, WithKind(SDHC), WithBadInterfaceEcho())
		send(t, c, frame(0, 0), 2)
		assert.Equal(t, []byte{0xFF, r1Idle, 0x00, 0x00, 0x01, 0x55}, send(t, c, frame(8, 0x1AA), 6))
	})

	t.Run("stop transmission stuff byte", func(t *testing.T) {
		c := selected(t)
		send(t, c, frame(0, 0), 2)
		send(t, c, frame(55, 0), 2)
		send(t, c, frame(41, 0), 2)
		assert.Equal(t, []byte{0xFF, r1Ready, 0xFE}, send(t, c, frame(18, 0), 3))
		assert.Equal(t, []byte{0x7F, r1Ready, 0xFF}, send(t, c, frame(12, 0), 3))
		assert.Equal(t, []byte{0xFF, r1Ready, 0xFF}, send(t, c, frame(12, 0), 3))
		cmds := c.Commands()
		assert.Equal(t, Command{Index: 12, Response: r1Ready}, cmds[len(cmds)-1])
	})

	t.Run("data error token", func(t *testing.T) {
		c := selected(t, WithDataErrorToken(0x08))
		send(t, c, frame(0, 0), 2)
		send(t, c, frame(55, 0), 2)
		send(t, c, frame(41, 0), 2)
		assert.Equal(t, []byte{0xFF, r1Ready, 0x08, 0xFF}, send(t, c, frame(17, 0), 4))
	})

	t.Run("missing start token", func(t *testing.T) {
		c := selected(t)
		send(t, c, frame(0, 0), 2)
		send(t, c, frame(55, 0), 2)
		send(t, c, frame(41, 0), 2)
		c.Inject(WithMissingStartToken())
		assert.Equal(t, []byte{0xFF, r1Ready, 0xFF, 0xFF}, send(t, c, frame(10, 0), 4))
		assert.Equal(t, []byte{0xFF, r1Ready, 0xFF, 0xFF}, send(t, c, frame(18, 0), 4))
	})
}

func TestDeselected(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF}, send(t, c, frame(0, 0), 2))
	assert.Empty(t, c.Commands())
	assert.Equal(t, 8, c.Exchanges())
	assert.False(t, c.Selected())
}

func TestExchangeCancelled(t *testing.T) {
	c := selected(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b, err := c.Exchange(ctx, 0x40)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, byte(0xFF), b)
	assert.Equal(t, 0, c.Exchanges())
}

func TestEncodeCSD(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		blocks  uint32
		version register.CSDVersion
		err     bool
	}{
		{"small sdsc", SDSC, 256, register.CSDVersion1, false},
		{"sdsc", SDSC, 4096, register.CSDVersion1, false},
		{"1GB sdsc", SDSC, 4096 * 512, register.CSDVersion1, false},
		{"mmc", MMC, 8192, register.CSDVersion1, false},
		{"sdhc", SDHC, 2048, register.CSDVersion2, false},
		{"odd sdsc", SDSC, 4097, 0, true},
		{"sdhc not a multiple of 1024", SDHC, 1000, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := encodeCSD(tt.kind, tt.blocks)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			csd, err := register.DecodeCSD(raw[:])
			require.NoError(t, err)
			assert.Equal(t, tt.version, csd.Version())
			assert.Equal(t, uint64(tt.blocks)*register.BlockSize, csd.Capacity())
		})
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory(2)
	buf := make([]byte, register.BlockSize)
	n, err := m.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, register.BlockSize, n)
	assert.Equal(t, byte(0xFF), buf[0])

	n, err = m.WriteAt([]byte{1, 2, 3}, register.BlockSize)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = m.ReadAt(buf, register.BlockSize)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0xFF}, buf[:4])

	_, err = m.ReadAt(buf, 2*register.BlockSize)
	assert.ErrorIs(t, err, io.EOF)
	n, err = m.ReadAt(buf, register.BlockSize+1)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, register.BlockSize-1, n)
	_, err = m.WriteAt(buf, register.BlockSize+1)
	assert.Error(t, err)
}
