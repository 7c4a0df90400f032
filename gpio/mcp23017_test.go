package gpio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/sdspi"
	"github.com/mklimuk/sdspi/bitbang"
)

// MockI2CBus is a mock implementation of sdspi.I2CBus using testify/mock
type MockI2CBus struct {
	mock.Mock
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok && len(data) <= len(buffer) {
		copy(buffer, data)
	}
	return args.Error(1)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func TestMCP23017Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("busy then ok", func(t *testing.T) {
		bus := &MockI2CBus{}
		bus.On("WriteToAddr", ctx, byte(DefaultMCP23017Address), []byte{0x00, 0x04}).Return(sdspi.ErrBusBusy).Once()
		bus.On("WriteToAddr", ctx, byte(DefaultMCP23017Address), []byte{0x00, 0x04}).Return(nil).Once()
		bus.On("Release", ctx).Return(nil).Once()

		dev := NewMCP23017(bus, DefaultMCP23017Address, WithRetryLimit(2))
		require.NoError(t, dev.InitA(ctx, 0x04))
		bus.AssertExpectations(t)
	})

	t.Run("retry limit reached", func(t *testing.T) {
		bus := &MockI2CBus{}
		bus.On("WriteToAddr", ctx, mock.Anything, mock.Anything).Return(sdspi.ErrBusBusy)
		bus.On("Release", ctx).Return(nil)

		dev := NewMCP23017(bus, DefaultMCP23017Address, WithRetryLimit(3))
		err := dev.PullUpB(ctx, 0xFF)
		assert.ErrorIs(t, err, sdspi.ErrBusBusy)
		assert.Contains(t, err.Error(), "retry limit reached")
		bus.AssertNumberOfCalls(t, "WriteToAddr", 3)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		nak := errors.New("nak")
		bus := &MockI2CBus{}
		bus.On("WriteToAddr", ctx, mock.Anything, mock.Anything).Return(nak)

		dev := NewMCP23017(bus, DefaultMCP23017Address, WithRetryLimit(3))
		_, err := dev.ReadA(ctx)
		assert.ErrorIs(t, err, nak)
		bus.AssertNumberOfCalls(t, "WriteToAddr", 1)
		bus.AssertNotCalled(t, "Release", ctx)
	})
}

func TestMCP23017Bank(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x0A, 0x80}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x09}).Return(nil).Once()
	bus.On("ReadFromAddr", ctx, byte(0x20), mock.Anything).Return([]byte{0x5A}, nil).Once()

	dev := NewMCP23017(bus, 0x20)
	require.NoError(t, dev.WriteSettings(ctx, 0x80))
	v, err := dev.ReadA(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5A), v)
	bus.AssertExpectations(t)
}

func TestPins(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	addr := byte(DefaultMCP23017Address)
	bus.On("WriteToAddr", ctx, addr, []byte{0x14, 0x0A}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, addr, []byte{0x0C, 0x04}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, addr, []byte{0x00, 0x04}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, addr, []byte{0x14, 0x0B}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, addr, []byte{0x14, 0x03}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, addr, []byte{0x12}).Return(nil).Once()
	bus.On("ReadFromAddr", ctx, addr, mock.Anything).Return([]byte{0x04}, nil).Once()

	pins, err := NewPins(ctx, NewMCP23017(bus, addr), DefaultPortPins)
	require.NoError(t, err)
	require.NoError(t, pins.SetSCK(ctx, true))
	// unchanged latch is not written again
	require.NoError(t, pins.SetSCK(ctx, true))
	require.NoError(t, pins.SetMOSI(ctx, true))
	require.NoError(t, pins.SetCS(ctx, false))
	miso, err := pins.MISO(ctx)
	require.NoError(t, err)
	assert.True(t, miso)
	bus.AssertExpectations(t)
}

func TestPinsPortB(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	addr := byte(DefaultMCP23017Address)
	pins := PortPins{Port: PortB, SCK: 7, MOSI: 6, MISO: 5, CS: 4}
	bus.On("WriteToAddr", ctx, addr, []byte{0x15, 0x50}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, addr, []byte{0x0D, 0x20}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, addr, []byte{0x01, 0x20}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, addr, []byte{0x15, 0x40}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, addr, []byte{0x13}).Return(nil).Once()
	bus.On("ReadFromAddr", ctx, addr, mock.Anything).Return([]byte{0xDF}, nil).Once()

	p, err := NewPins(ctx, NewMCP23017(bus, addr), pins)
	require.NoError(t, err)
	require.NoError(t, p.SetCS(ctx, false))
	miso, err := p.MISO(ctx)
	require.NoError(t, err)
	assert.False(t, miso)
	bus.AssertExpectations(t)
}

func TestParsePort(t *testing.T) {
	port, err := ParsePort("b")
	require.NoError(t, err)
	assert.Equal(t, PortB, port)
	port, err = ParsePort("A")
	require.NoError(t, err)
	assert.Equal(t, PortA, port)
	_, err = ParsePort("C")
	assert.Error(t, err)
}

func TestPinsDriveBitbangBus(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", ctx, mock.Anything, mock.Anything).Return(nil)
	// MISO held high: the card is idle
	bus.On("ReadFromAddr", ctx, mock.Anything, mock.Anything).Return([]byte{0x04}, nil)

	pins, err := NewPins(ctx, NewMCP23017(bus, DefaultMCP23017Address), DefaultPortPins)
	require.NoError(t, err)
	spi := bitbang.New(pins)
	require.NoError(t, spi.Select(ctx))
	in, err := spi.Exchange(ctx, 0xFF)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), in)
	bus.AssertNumberOfCalls(t, "ReadFromAddr", 8)
}

func TestPinsInvalidBit(t *testing.T) {
	_, err := NewPins(context.Background(), NewMCP23017(&MockI2CBus{}, 0x20), PortPins{SCK: 8})
	assert.Error(t, err)
	_, err = NewPins(context.Background(), NewMCP23017(&MockI2CBus{}, 0x20), PortPins{Port: 2})
	assert.Error(t, err)
}
