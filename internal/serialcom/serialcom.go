// Package serialcom implements SC, the process-wide Modbus-RTU multiplexer
// of spec.md §3/§4.3: a single serial port shared by the VFD and several
// sensors, arbitrated by one coarse transaction mutex so that at most one
// Modbus exchange is ever in flight on the bus.
package serialcom

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/sioux-steel-solutions/pressure-rig-core/internal/config"
)

// Function codes, named per spec.md §4.3's read_register(..., fc) parameter.
const (
	FuncReadCoils            = 1
	FuncReadDiscreteInputs   = 2
	FuncReadHoldingRegisters = 3
	FuncReadInputRegisters   = 4
	FuncWriteSingleCoil      = 5
	FuncWriteSingleRegister  = 6
	FuncWriteMultiple        = 16
)

// SerialError wraps a failed Modbus exchange with the operation and address
// that failed, per spec.md §4.3 "Failure on the bus surfaces to the caller
// as SerialError".
type SerialError struct {
	Op       string
	Slave    byte
	Register uint16
	Err      error
}

func (e *SerialError) Error() string {
	return fmt.Sprintf("serialcom: %s slave=%d reg=%d: %v", e.Op, e.Slave, e.Register, e.Err)
}

func (e *SerialError) Unwrap() error { return e.Err }

// handlerTransport is the slave-addressing and connection-lifecycle slice of
// modbus.RTUClientHandler that SC needs beyond the framed request/response
// surface already captured by modbus.Client: setting the target slave before
// a transaction, and recycling the handle after a transport-level failure.
// Kept as its own interface (rather than the concrete handler type) so tests
// can substitute a fake in place of the real RS-485 handle.
type handlerTransport interface {
	SetSlave(slave byte)
	Connect() error
	Close() error
}

// rtuHandler adapts *modbus.RTUClientHandler to handlerTransport: the real
// library exposes the slave ID as a plain field (via its embedded rtuPackager)
// rather than a setter method.
type rtuHandler struct {
	h *modbus.RTUClientHandler
}

func (r rtuHandler) SetSlave(slave byte) { r.h.SlaveId = slave }
func (r rtuHandler) Connect() error      { return r.h.Connect() }
func (r rtuHandler) Close() error        { return r.h.Close() }

// SerialCom is the singleton owner of the RS-485 port. Every exported method
// acquires the transaction mutex, sets the target slave address, performs
// the framed request, logs, and releases the mutex on every exit path
// (spec.md §4.3).
type SerialCom struct {
	mu      sync.Mutex
	handler handlerTransport
	client  modbus.Client
	log     zerolog.Logger
	cfg     config.Serial

	// reopenOnError implements the reopen-on-transport-error policy from
	// original_source's later serial_com.py revision (SPEC_FULL.md §C.5):
	// transient errors are logged and swallowed by the caller (spec.md §7),
	// but the handle itself is recycled so a stuck port doesn't wedge every
	// subsequent call.
	reopenOnError bool
}

// New opens the serial port described by cfg in RTU mode and returns the
// owning SerialCom. The port is held open for the life of the process
// (spec.md §5 "Resource policy").
func New(cfg config.Serial, log zerolog.Logger) (*SerialCom, error) {
	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.ByteSize
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.Timeout = cfg.Timeout()

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("serialcom: open %s: %w", cfg.Port, err)
	}

	return &SerialCom{
		handler:       rtuHandler{handler},
		client:        modbus.NewClient(handler),
		log:           log,
		cfg:           cfg,
		reopenOnError: true,
	}, nil
}

// Close releases the serial port. Call once at process shutdown.
func (s *SerialCom) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler.Close()
}

// reopen is called with the mutex already held, after a transport-level
// failure, to recycle a possibly wedged handle.
func (s *SerialCom) reopen() {
	if !s.reopenOnError {
		return
	}
	_ = s.handler.Close()
	if err := s.handler.Connect(); err != nil {
		s.log.Warn().Err(err).Msg("serialcom: reopen after error failed")
	}
}

func (s *SerialCom) fail(op string, slave byte, reg uint16, err error) error {
	s.log.Warn().Str("op", op).Uint8("slave", slave).Uint16("reg", reg).Err(err).Msg("serialcom: transaction failed")
	s.reopen()
	return &SerialError{Op: op, Slave: slave, Register: reg, Err: err}
}

// ReadRegisters performs a generic register read with the given function
// code, returning the raw register bytes (big-endian, 2 bytes per
// register), matching spec.md's read_registers(slave, reg, n, fc).
func (s *SerialCom) ReadRegisters(slave byte, reg, n uint16, fc int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handler.SetSlave(slave)
	var raw []byte
	var err error
	switch fc {
	case FuncReadHoldingRegisters:
		raw, err = s.client.ReadHoldingRegisters(reg, n)
	case FuncReadInputRegisters:
		raw, err = s.client.ReadInputRegisters(reg, n)
	case FuncReadCoils:
		raw, err = s.client.ReadCoils(reg, n)
	case FuncReadDiscreteInputs:
		raw, err = s.client.ReadDiscreteInputs(reg, n)
	default:
		return nil, &SerialError{Op: "read_registers", Slave: slave, Register: reg, Err: fmt.Errorf("unsupported function code %d", fc)}
	}
	if err != nil {
		return nil, s.fail("read_registers", slave, reg, err)
	}
	s.log.Debug().Str("op", "read_registers").Uint8("slave", slave).Uint16("reg", reg).Uint16("n", n).Msg("ok")
	return raw, nil
}

// ReadRegister is the single-register convenience form used by the VFD
// driver. Unlike spec.md's read_register(slave, reg, n, fc=1) signature,
// fc has no default here: every caller passes it explicitly (in this system,
// function code 3, holding registers).
func (s *SerialCom) ReadRegister(slave byte, reg uint16, fc int) (uint16, error) {
	raw, err := s.ReadRegisters(slave, reg, 1, fc)
	if err != nil {
		return 0, err
	}
	if len(raw) < 2 {
		return 0, &SerialError{Op: "read_register", Slave: slave, Register: reg, Err: fmt.Errorf("short read: %d bytes", len(raw))}
	}
	return binary.BigEndian.Uint16(raw), nil
}

// ReadFloat reads n registers (conventionally 2) at reg and interprets them
// as a big-endian IEEE-754 float, per spec.md §3's pressure-sensor register
// policy (register 1028, fc 3).
func (s *SerialCom) ReadFloat(slave byte, reg, n uint16) (float64, error) {
	raw, err := s.ReadRegisters(slave, reg, n, FuncReadHoldingRegisters)
	if err != nil {
		return 0, err
	}
	if len(raw) < 4 {
		return 0, &SerialError{Op: "read_float", Slave: slave, Register: reg, Err: fmt.Errorf("short read: %d bytes", len(raw))}
	}
	bits := binary.BigEndian.Uint32(raw[:4])
	return float64(math.Float32frombits(bits)), nil
}

// ReadInt reads n registers and interprets them as a big-endian unsigned
// integer (32-bit when n==2), per spec.md §3's flow-sensor register policy
// (2 registers at 0x0424, raw u32).
func (s *SerialCom) ReadInt(slave byte, reg, n uint16) (uint64, error) {
	raw, err := s.ReadRegisters(slave, reg, n, FuncReadHoldingRegisters)
	if err != nil {
		return 0, err
	}
	switch len(raw) {
	case 2:
		return uint64(binary.BigEndian.Uint16(raw)), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(raw)), nil
	case 8:
		return binary.BigEndian.Uint64(raw), nil
	default:
		return 0, &SerialError{Op: "read_int", Slave: slave, Register: reg, Err: fmt.Errorf("unsupported register width: %d bytes", len(raw))}
	}
}

// ReadString reads n registers and decodes them as ASCII, trimming trailing
// NUL padding. Modbus devices on this bus don't currently expose string
// registers, but the primitive is part of SC's documented surface
// (spec.md §4.3).
func (s *SerialCom) ReadString(slave byte, reg, n uint16) (string, error) {
	raw, err := s.ReadRegisters(slave, reg, n, FuncReadHoldingRegisters)
	if err != nil {
		return "", err
	}
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end]), nil
}

// ReadBlock reads a contiguous block of n holding registers and returns the
// raw bytes without interpretation, for callers that need custom decoding.
func (s *SerialCom) ReadBlock(slave byte, reg, n uint16) ([]byte, error) {
	return s.ReadRegisters(slave, reg, n, FuncReadHoldingRegisters)
}

// WriteRegister writes value to reg using function code fc (6 for a single
// register, 16 for multiple), optionally scaling by 10^decimals and
// interpreting value as signed, per spec.md's
// write_register(slave, reg, value, decimals=0, fc=16, signed=false).
func (s *SerialCom) WriteRegister(slave byte, reg uint16, value float64, decimals int, fc int, signed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handler.SetSlave(slave)

	scaled := value
	for i := 0; i < decimals; i++ {
		scaled *= 10
	}
	var raw uint16
	if signed {
		raw = uint16(int16(math.Round(scaled)))
	} else {
		raw = uint16(math.Round(scaled))
	}

	var err error
	switch fc {
	case FuncWriteSingleRegister:
		_, err = s.client.WriteSingleRegister(reg, raw)
	case FuncWriteMultiple:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, raw)
		_, err = s.client.WriteMultipleRegisters(reg, 1, buf)
	case FuncWriteSingleCoil:
		coil := uint16(0x0000)
		if raw != 0 {
			coil = 0xFF00
		}
		_, err = s.client.WriteSingleCoil(reg, coil)
	default:
		return &SerialError{Op: "write_register", Slave: slave, Register: reg, Err: fmt.Errorf("unsupported function code %d", fc)}
	}
	if err != nil {
		return s.fail("write_register", slave, reg, err)
	}
	s.log.Debug().Str("op", "write_register").Uint8("slave", slave).Uint16("reg", reg).Float64("value", value).Msg("ok")
	return nil
}

// WriteFloat writes a big-endian IEEE-754 float across two consecutive
// registers.
func (s *SerialCom) WriteFloat(slave byte, reg uint16, value float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handler.SetSlave(slave)
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(value))
	if _, err := s.client.WriteMultipleRegisters(reg, 2, buf); err != nil {
		return s.fail("write_float", slave, reg, err)
	}
	s.log.Debug().Str("op", "write_float").Uint8("slave", slave).Uint16("reg", reg).Msg("ok")
	return nil
}

// WriteInt writes an unsigned integer across n registers (1, 2, or 4).
func (s *SerialCom) WriteInt(slave byte, reg uint16, value uint64, n uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handler.SetSlave(slave)
	buf := make([]byte, n*2)
	switch n {
	case 1:
		binary.BigEndian.PutUint16(buf, uint16(value))
	case 2:
		binary.BigEndian.PutUint32(buf, uint32(value))
	case 4:
		binary.BigEndian.PutUint64(buf, value)
	default:
		return &SerialError{Op: "write_int", Slave: slave, Register: reg, Err: fmt.Errorf("unsupported register width n=%d", n)}
	}
	if _, err := s.client.WriteMultipleRegisters(reg, n, buf); err != nil {
		return s.fail("write_int", slave, reg, err)
	}
	s.log.Debug().Str("op", "write_int").Uint8("slave", slave).Uint16("reg", reg).Msg("ok")
	return nil
}

// WriteString writes an ASCII string across n registers, NUL-padded.
func (s *SerialCom) WriteString(slave byte, reg uint16, value string, n uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handler.SetSlave(slave)
	buf := make([]byte, n*2)
	copy(buf, value)
	if _, err := s.client.WriteMultipleRegisters(reg, n, buf); err != nil {
		return s.fail("write_string", slave, reg, err)
	}
	s.log.Debug().Str("op", "write_string").Uint8("slave", slave).Uint16("reg", reg).Msg("ok")
	return nil
}
