// Package sim emulates an SD card on the far side of an SPI link. It
// implements sdspi.Bus so the driver can run without hardware, and lets tests
// script the card's latencies and failures.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mklimuk/sdspi/crc"
	"github.com/mklimuk/sdspi/register"
)

type Kind int

const (
	// SDSC is a version 1 standard capacity card: byte addressed, rejects CMD8.
	SDSC Kind = iota
	// SDHC is a version 2 high capacity card: block addressed.
	SDHC
	// MMC only knows CMD1 for initialization.
	MMC
)

func (k Kind) String() string {
	switch k {
	case SDHC:
		return "sdhc"
	case MMC:
		return "mmc"
	}
	return "sdsc"
}

// Store backs the card's blocks. *os.File satisfies it.
type Store interface {
	io.ReaderAt
	io.WriterAt
}

type Opts struct {
	Kind Kind
	// Blocks is the card size in 512 byte blocks.
	Blocks uint32
	Store  Store
	CID    register.CID
	// ResetLatency reset commands stay unanswered before the card goes idle.
	ResetLatency int
	// NeverIdle makes the card ignore every reset.
	NeverIdle bool
	// SilentAppCmds application command prefixes go unanswered.
	SilentAppCmds int
	// InitLatency initialization commands answer idle before the card is ready.
	InitLatency int
	// BlockLengthRejections block length commands fail before one succeeds.
	BlockLengthRejections int
	// ReadLatency idle bytes precede every data start token.
	ReadLatency int
	// BusyBytes busy bytes follow every written block.
	BusyBytes int
	// RejectWrites answers every data block with a write error token.
	RejectWrites bool
	// CorruptReadCRC flips the CRC of every block read.
	CorruptReadCRC bool
	// CorruptRegisterCRC flips the CRC of the CID and CSD packets.
	CorruptRegisterCRC bool
	// MissingStartToken keeps the card silent where a data packet is due.
	MissingStartToken bool
	// DataErrorToken, when set, answers block reads with this error token.
	DataErrorToken byte
	// BadInterfaceEcho corrupts the check pattern echoed to CMD8.
	BadInterfaceEcho bool
	Logger           *slog.Logger
}

type Opt func(*Opts)

func WithKind(kind Kind) Opt {
	return func(o *Opts) {
		o.Kind = kind
	}
}

func WithBlocks(blocks uint32) Opt {
	return func(o *Opts) {
		o.Blocks = blocks
	}
}

func WithStore(store Store) Opt {
	return func(o *Opts) {
		o.Store = store
	}
}

func WithCID(cid register.CID) Opt {
	return func(o *Opts) {
		o.CID = cid
	}
}

func WithResetLatency(attempts int) Opt {
	return func(o *Opts) {
		o.ResetLatency = attempts
	}
}

func WithNeverIdle() Opt {
	return func(o *Opts) {
		o.NeverIdle = true
	}
}

func WithInitLatency(attempts int) Opt {
	return func(o *Opts) {
		o.InitLatency = attempts
	}
}

func WithSilentAppCmds(n int) Opt {
	return func(o *Opts) {
		o.SilentAppCmds = n
	}
}

func WithBlockLengthRejections(n int) Opt {
	return func(o *Opts) {
		o.BlockLengthRejections = n
	}
}

func WithReadLatency(n int) Opt {
	return func(o *Opts) {
		o.ReadLatency = n
	}
}

func WithBusyBytes(n int) Opt {
	return func(o *Opts) {
		o.BusyBytes = n
	}
}

func WithRejectWrites() Opt {
	return func(o *Opts) {
		o.RejectWrites = true
	}
}

func WithCorruptReadCRC() Opt {
	return func(o *Opts) {
		o.CorruptReadCRC = true
	}
}

func WithCorruptRegisterCRC() Opt {
	return func(o *Opts) {
		o.CorruptRegisterCRC = true
	}
}

func WithMissingStartToken() Opt {
	return func(o *Opts) {
		o.MissingStartToken = true
	}
}

// WithDataErrorToken makes block reads fail with token, e.g. 0x08 for out of
// range.
func WithDataErrorToken(token byte) Opt {
	return func(o *Opts) {
		o.DataErrorToken = token
	}
}

func WithBadInterfaceEcho() Opt {
	return func(o *Opts) {
		o.BadInterfaceEcho = true
	}
}

func WithLogger(logger *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = logger
	}
}

// Command is one frame the card received.
type Command struct {
	Index    byte
	Arg      uint32
	Response byte
}

type state int

const (
	stateCommand state = iota
	stateReadMulti
	stateWriteToken
	stateWriteData
)

// Card is a simulated card. It is safe for concurrent use but, like a real
// card, only makes sense with one host.
type Card struct {
	mx        sync.Mutex
	config    Opts
	log       *slog.Logger
	cid       [register.Size]byte
	csd       [register.Size]byte
	selected  bool
	spiMode   bool
	idle      bool
	appCmd    bool
	frame     []byte
	out       []byte
	state     state
	multi     bool
	addr      uint64
	block     []byte
	resets    int
	inits     int
	appCmds   int
	blockLens int
	commands  []Command
	exchanges int
}

const (
	sdhcOCR = 0x80FF8000 | 1<<30
	sdscOCR = 0x80FF8000

	r1Ready     = 0x00
	r1Idle      = 0x01
	r1Illegal   = 0x04
	r1CRC       = 0x08
	r1Address   = 0x20
	r1Parameter = 0x40
)

func New(opts ...Opt) (*Card, error) {
	config := Opts{
		Kind:   SDSC,
		Blocks: 4096,
		CID: register.CID{
			ManufacturerID: 0x1D,
			OEMID:          "AD",
			ProductName:    "SDSIM",
			HardwareRev:    1,
			Serial:         0x5D5D0001,
			Year:           2024,
			Month:          6,
		},
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	csd, err := encodeCSD(config.Kind, config.Blocks)
	if err != nil {
		return nil, err
	}
	if config.Store == nil {
		config.Store = NewMemory(config.Blocks)
	}
	return &Card{
		config: config,
		log:    config.Logger,
		cid:    config.CID.Bytes(),
		csd:    csd,
	}, nil
}

// Inject applies fault options to a running card. Options changing the card's
// geometry have no effect on its registers.
func (c *Card) Inject(opts ...Opt) {
	c.mx.Lock()
	defer c.mx.Unlock()
	for _, opt := range opts {
		opt(&c.config)
	}
}

// encodeCSD describes a card of the given size.
func encodeCSD(kind Kind, blocks uint32) ([register.Size]byte, error) {
	common := register.CSDCommon{
		TAAC:       0x0E,
		TranSpeed:  0x32,
		CCC:        0x5B5,
		ReadBlLen:  9,
		EraseBlkEn: true,
		SectorSize: 0x7F,
		R2WFactor:  2,
		WriteBlLen: 9,
	}
	if kind == SDHC {
		if blocks == 0 || blocks%1024 != 0 {
			return [register.Size]byte{}, fmt.Errorf("sim: sdhc size must be a multiple of 1024 blocks, got %d", blocks)
		}
		return register.CSDv2{CSDCommon: common, CSize: blocks/1024 - 1}.Bytes(), nil
	}
	for mult := byte(0); mult < 8; mult++ {
		unit := uint32(1) << (mult + 2)
		if blocks%unit == 0 && blocks/unit >= 1 && blocks/unit <= 4096 {
			return register.CSDv1{
				CSDCommon: common,
				CSize:     uint16(blocks/unit - 1),
				CSizeMult: mult,
			}.Bytes(), nil
		}
	}
	return [register.Size]byte{}, fmt.Errorf("sim: %d blocks cannot be described by a version 1 CSD", blocks)
}

// Select asserts chip-select.
func (c *Card) Select(_ context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.selected = true
	return nil
}

// Deselect releases chip-select. A partially received frame or data block is
// dropped.
func (c *Card) Deselect(_ context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.selected = false
	c.frame = c.frame[:0]
	if c.state == stateWriteData {
		c.state = stateCommand
	}
	return nil
}

// Exchange returns the byte the card drives on MISO while consuming out from MOSI.
func (c *Card) Exchange(ctx context.Context, out byte) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0xFF, err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	c.exchanges++
	if !c.selected {
		return 0xFF, nil
	}
	in := c.next()
	c.receive(out)
	return in, nil
}

func (c *Card) next() byte {
	if len(c.out) == 0 && c.state == stateReadMulti {
		c.queueBlock()
	}
	if len(c.out) == 0 {
		return 0xFF
	}
	b := c.out[0]
	c.out = c.out[1:]
	return b
}

func (c *Card) receive(b byte) {
	switch c.state {
	case stateWriteToken:
		c.receiveToken(b)
		return
	case stateWriteData:
		c.receiveData(b)
		return
	}
	if len(c.frame) == 0 && b&0xC0 != 0x40 {
		return
	}
	c.frame = append(c.frame, b)
	if len(c.frame) < 6 {
		return
	}
	frame := c.frame
	c.frame = c.frame[:0]
	c.handle(frame)
}

func (c *Card) receiveToken(b byte) {
	switch {
	case !c.multi && b == 0xFE, c.multi && b == 0xFC:
		c.block = c.block[:0]
		c.state = stateWriteData
	case c.multi && b == 0xFD:
		c.state = stateCommand
		c.out = append(c.out, 0xFF)
		c.busy()
	case b&0xC0 == 0x40:
		// a command instead of data ends the transfer
		c.state = stateCommand
		c.receive(b)
	}
}

func (c *Card) receiveData(b byte) {
	c.block = append(c.block, b)
	if len(c.block) < register.BlockSize+2 {
		return
	}
	data := c.block[:register.BlockSize]
	sum := binary.BigEndian.Uint16(c.block[register.BlockSize:])
	token := byte(0xE5)
	switch {
	case c.config.RejectWrites:
		token = 0xED
	case sum != crc.CRC16(0, data):
		token = 0xEB
	default:
		if _, err := c.config.Store.WriteAt(data, int64(c.addr)); err != nil {
			c.log.Error("sim: write failed", "addr", c.addr, "error", err)
			token = 0xED
		}
	}
	c.out = append(c.out[:0], token)
	c.busy()
	c.addr += register.BlockSize
	if c.multi {
		c.state = stateWriteToken
	} else {
		c.state = stateCommand
	}
}

func (c *Card) busy() {
	for i := 0; i < c.config.BusyBytes; i++ {
		c.out = append(c.out, 0x00)
	}
}

func (c *Card) handle(frame []byte) {
	index := frame[0] & 0x3F
	arg := binary.BigEndian.Uint32(frame[1:5])
	resp, ok := c.respond(index, arg, frame)
	if !ok {
		c.commands = append(c.commands, Command{Index: index, Arg: arg, Response: 0xFF})
		return
	}
	if index == 12 {
		// the stuff byte takes the place of the response latency
		c.commands = append(c.commands, Command{Index: index, Arg: arg, Response: resp[len(resp)-1]})
		c.out = resp
		return
	}
	r1 := resp[0]
	if r1 == 0xFF && len(resp) > 1 {
		r1 = resp[1]
	}
	c.commands = append(c.commands, Command{Index: index, Arg: arg, Response: r1})
	// one byte of command response latency
	c.out = append([]byte{0xFF}, resp...)
}

// respond returns the bytes answering a command, or false when the card stays silent.
func (c *Card) respond(index byte, arg uint32, frame []byte) ([]byte, bool) {
	if frame[5] != crc.CRC7(0, frame[:5]) {
		return []byte{c.status() | r1CRC}, true
	}
	if index == 0 {
		return c.reset()
	}
	if !c.spiMode {
		return nil, false
	}
	app := c.appCmd
	c.appCmd = false
	switch index {
	case 1:
		if c.config.Kind != MMC {
			return []byte{c.status() | r1Illegal}, true
		}
		return []byte{c.initialize()}, true
	case 8:
		if c.config.Kind != SDHC {
			return []byte{c.status() | r1Illegal}, true
		}
		pattern := byte(arg)
		if c.config.BadInterfaceEcho {
			pattern = ^pattern
		}
		return []byte{c.status(), 0x00, 0x00, byte(arg>>8) & 0x0F, pattern}, true
	case 9:
		return c.register(c.csd), true
	case 10:
		return c.register(c.cid), true
	case 12:
		// a stopped read still shifts out one byte of the stream
		stuff := byte(0xFF)
		if c.state == stateReadMulti {
			stuff = 0x7F
		}
		c.state = stateCommand
		c.out = c.out[:0]
		return []byte{stuff, c.status()}, true
	case 13:
		return []byte{c.status(), 0x00}, true
	case 16:
		c.blockLens++
		if c.blockLens <= c.config.BlockLengthRejections || arg != register.BlockSize {
			return []byte{c.status() | r1Parameter}, true
		}
		return []byte{c.status()}, true
	case 17, 18, 24, 25:
		return c.data(index, arg), true
	case 41:
		if !app || c.config.Kind == MMC {
			return []byte{c.status() | r1Illegal}, true
		}
		if c.config.Kind == SDHC && arg&(1<<30) == 0 {
			c.inits++
			return []byte{r1Idle}, true
		}
		return []byte{c.initialize()}, true
	case 55:
		if c.config.Kind == MMC {
			return []byte{c.status() | r1Illegal}, true
		}
		c.appCmds++
		if c.appCmds <= c.config.SilentAppCmds {
			return nil, false
		}
		c.appCmd = true
		return []byte{c.status()}, true
	case 58:
		ocr := uint32(sdscOCR)
		if c.config.Kind == SDHC {
			ocr = sdhcOCR
		}
		resp := []byte{c.status(), 0, 0, 0, 0}
		binary.BigEndian.PutUint32(resp[1:], ocr)
		return resp, true
	}
	return []byte{c.status() | r1Illegal}, true
}

func (c *Card) status() byte {
	if c.idle {
		return r1Idle
	}
	return r1Ready
}

func (c *Card) reset() ([]byte, bool) {
	c.resets++
	if c.config.NeverIdle || c.resets <= c.config.ResetLatency {
		return nil, false
	}
	c.spiMode = true
	c.idle = true
	c.appCmd = false
	c.inits = 0
	c.blockLens = 0
	c.state = stateCommand
	return []byte{r1Idle}, true
}

func (c *Card) initialize() byte {
	c.inits++
	if c.inits <= c.config.InitLatency {
		return r1Idle
	}
	c.idle = false
	return r1Ready
}

func (c *Card) register(raw [register.Size]byte) []byte {
	if c.idle {
		return []byte{r1Idle | r1Illegal}
	}
	resp := []byte{r1Ready}
	return append(resp, c.packet(raw[:], c.config.CorruptRegisterCRC)...)
}

func (c *Card) packet(data []byte, corrupt bool) []byte {
	if c.config.MissingStartToken {
		return nil
	}
	var pkt []byte
	for i := 0; i < c.config.ReadLatency; i++ {
		pkt = append(pkt, 0xFF)
	}
	pkt = append(pkt, 0xFE)
	pkt = append(pkt, data...)
	sum := crc.CRC16(0, data)
	if corrupt {
		sum ^= 0xFFFF
	}
	return append(pkt, byte(sum>>8), byte(sum))
}

func (c *Card) data(index byte, arg uint32) []byte {
	if c.idle {
		return []byte{r1Idle | r1Illegal}
	}
	addr := uint64(arg)
	if c.config.Kind == SDHC {
		addr *= register.BlockSize
	}
	if addr%register.BlockSize != 0 || addr >= uint64(c.config.Blocks)*register.BlockSize {
		return []byte{r1Address}
	}
	c.addr = addr
	switch index {
	case 17:
		if c.config.DataErrorToken != 0 {
			return []byte{r1Ready, c.config.DataErrorToken}
		}
		block, err := c.readBlock()
		if err != nil {
			return []byte{r1Parameter}
		}
		return append([]byte{r1Ready}, c.packet(block, c.config.CorruptReadCRC)...)
	case 18:
		c.state = stateReadMulti
	case 24:
		c.multi = false
		c.state = stateWriteToken
	case 25:
		c.multi = true
		c.state = stateWriteToken
	}
	return []byte{r1Ready}
}

func (c *Card) queueBlock() {
	if c.config.MissingStartToken {
		return
	}
	if c.config.DataErrorToken != 0 {
		c.out = append(c.out, c.config.DataErrorToken)
		c.state = stateCommand
		return
	}
	if c.addr >= uint64(c.config.Blocks)*register.BlockSize {
		// out of range error token
		c.out = append(c.out, 0x08)
		c.state = stateCommand
		return
	}
	block, err := c.readBlock()
	if err != nil {
		c.out = append(c.out, 0x01)
		c.state = stateCommand
		return
	}
	c.out = append(c.out, c.packet(block, c.config.CorruptReadCRC)...)
	c.addr += register.BlockSize
}

func (c *Card) readBlock() ([]byte, error) {
	block := make([]byte, register.BlockSize)
	n, err := c.config.Store.ReadAt(block, int64(c.addr))
	if err != nil && !(err == io.EOF && n == len(block)) {
		c.log.Error("sim: read failed", "addr", c.addr, "error", err)
		return nil, err
	}
	return block, nil
}

// Commands returns every command frame received so far.
func (c *Card) Commands() []Command {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]Command(nil), c.commands...)
}

// Indexes returns the command indexes received so far, in order.
func (c *Card) Indexes() []byte {
	c.mx.Lock()
	defer c.mx.Unlock()
	out := make([]byte, len(c.commands))
	for i, cmd := range c.commands {
		out[i] = cmd.Index
	}
	return out
}

// Exchanges is the number of bytes clocked so far.
func (c *Card) Exchanges() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.exchanges
}

// Selected reports the chip-select state.
func (c *Card) Selected() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.selected
}

func (c *Card) Kind() Kind { return c.config.Kind }

func (c *Card) Blocks() uint32 { return c.config.Blocks }
