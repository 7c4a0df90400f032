package spi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gobot.io/x/gobot/v2/drivers/spi"
)

// loopback echoes every byte inverted, like a card answering on MISO.
type loopback struct {
	spi.Connection
	tx  []byte
	err error
}

func (l *loopback) ReadCommandData(command []byte, data []byte) error {
	if l.err != nil {
		return l.err
	}
	l.tx = append(l.tx, command...)
	for i, b := range command {
		data[i] = ^b
	}
	return nil
}

// MockBoard is a Gobot adaptor with SPI and digital outputs.
type MockBoard struct {
	mock.Mock
	conn *loopback
}

func (m *MockBoard) GetSpiConnection(busNum, chip, mode, bits int, maxSpeed int64) (spi.Connection, error) {
	args := m.Called(busNum, chip, mode, bits, maxSpeed)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return m.conn, nil
}

func (m *MockBoard) SpiDefaultBusNumber() int  { return 1 }
func (m *MockBoard) SpiDefaultChipNumber() int { return 0 }
func (m *MockBoard) SpiDefaultMode() int       { return 3 }
func (m *MockBoard) SpiDefaultBitCount() int   { return 8 }
func (m *MockBoard) SpiDefaultMaxSpeed() int64 { return 500_000 }

func (m *MockBoard) DigitalWrite(pin string, val byte) error {
	return m.Called(pin, val).Error(0)
}

func TestGobotBus(t *testing.T) {
	ctx := context.Background()
	board := &MockBoard{conn: &loopback{}}
	board.On("GetSpiConnection", 1, 0, 0, 8, int64(DefaultSpeed)).Return(nil).Once()
	board.On("DigitalWrite", "CS", byte(1)).Return(nil).Twice()
	board.On("DigitalWrite", "CS", byte(0)).Return(nil).Once()

	bus, err := NewGobotBus(board, "CS")
	require.NoError(t, err)
	require.NoError(t, bus.Select(ctx))
	in, err := bus.Exchange(ctx, 0x40)
	require.NoError(t, err)
	assert.Equal(t, byte(0xBF), in)
	in, err = bus.Exchange(ctx, 0xFF)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), in)
	require.NoError(t, bus.Halt())

	assert.Equal(t, []byte{0x40, 0xFF}, board.conn.tx)
	board.AssertExpectations(t)
}

func TestGobotBusErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("connection refused", func(t *testing.T) {
		board := &MockBoard{}
		board.On("GetSpiConnection", 1, 0, 0, 8, int64(1_000_000)).Return(errors.New("no spidev"))
		_, err := NewGobotBus(board, "CS", WithSpeed(1_000_000))
		assert.ErrorContains(t, err, "no spidev")
	})

	t.Run("transfer failure", func(t *testing.T) {
		board := &MockBoard{conn: &loopback{err: errors.New("ioctl")}}
		board.On("GetSpiConnection", 1, 0, 0, 8, int64(DefaultSpeed)).Return(nil)
		board.On("DigitalWrite", "CS", byte(1)).Return(nil)
		bus, err := NewGobotBus(board, "CS")
		require.NoError(t, err)
		in, err := bus.Exchange(ctx, 0x40)
		assert.ErrorContains(t, err, "ioctl")
		assert.Equal(t, byte(0xFF), in)
	})

	t.Run("cancelled", func(t *testing.T) {
		board := &MockBoard{conn: &loopback{}}
		board.On("GetSpiConnection", 1, 0, 0, 8, int64(DefaultSpeed)).Return(nil)
		board.On("DigitalWrite", "CS", byte(1)).Return(nil)
		bus, err := NewGobotBus(board, "CS")
		require.NoError(t, err)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = bus.Exchange(cctx, 0x40)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, board.conn.tx)
	})
}
