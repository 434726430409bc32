// messages.go
//
// Packet codec for the nub protocol. Every packet starts with a one-byte
// type header; all integers are little-endian.
//
//	ConnectionSetup    type | session u32 | caps u32 | len u16 | connect string
//	KeyExchange0       type | session u32 | public [32]
//	KeyExchange1       type | session u32 | public [32] | confirm [16]
//	AlreadyConnecting  type | session u32
//	Disconnect         type | session u32 | cause u8 | len u8 | reason
//	DisconnectAck      type | session u32
//	TransportData      type | session u32 | counter u64 | ciphertext + tag
//	PingQuery          type | flag u8 | unix nanos i64
//	LanQuery           type | flag u8 | payload

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// PacketType is the first byte of every packet.
type PacketType uint8

const (
	TypeLanQuery          PacketType = 1
	TypePingQuery         PacketType = 2
	TypeConnectionSetup   PacketType = 3
	TypeKeyExchange0      PacketType = 4
	TypeKeyExchange1      PacketType = 5
	TypeAlreadyConnecting PacketType = 6
	TypeDisconnect        PacketType = 7
	TypeDisconnectAck     PacketType = 8
	TypeTransportData     PacketType = 9
)

func (t PacketType) String() string {
	switch t {
	case TypeLanQuery:
		return "LanQuery"
	case TypePingQuery:
		return "PingQuery"
	case TypeConnectionSetup:
		return "ConnectionSetup"
	case TypeKeyExchange0:
		return "KeyExchange0"
	case TypeKeyExchange1:
		return "KeyExchange1"
	case TypeAlreadyConnecting:
		return "AlreadyConnecting"
	case TypeDisconnect:
		return "Disconnect"
	case TypeDisconnectAck:
		return "DisconnectAck"
	case TypeTransportData:
		return "TransportData"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

const (
	MaxConnectStringLen = 1024
	MaxReasonLen        = 255

	KeySize     = 32
	ConfirmSize = 16

	headerSize          = 1 + 4
	setupFixedSize      = headerSize + 4 + 2
	keyExchange0Size    = headerSize + KeySize
	keyExchange1Size    = headerSize + KeySize + ConfirmSize
	controlSize         = headerSize
	disconnectFixedSize = headerSize + 1 + 1
	TransportHeaderSize = headerSize + 8
	pingSize            = 1 + 1 + 8
	lanQueryFixedSize   = 1 + 1
)

var (
	ErrShortPacket          = errors.New("packet too short")
	ErrWrongType            = errors.New("unexpected packet type")
	ErrConnectStringTooLong = errors.New("connect string too long")
	ErrLengthMismatch       = errors.New("length field does not match packet size")
)

// TypeOf returns the packet type of data.
func TypeOf(data []byte) (PacketType, error) {
	if len(data) < 1 {
		return 0, ErrShortPacket
	}
	return PacketType(data[0]), nil
}

// SessionOf returns the session id of a session-carrying packet.
func SessionOf(data []byte) (uint32, error) {
	if len(data) < headerSize {
		return 0, ErrShortPacket
	}
	return binary.LittleEndian.Uint32(data[1:5]), nil
}

func checkHeader(data []byte, want PacketType, minSize int) error {
	if len(data) < minSize {
		return fmt.Errorf("%s: %w (%d bytes)", want, ErrShortPacket, len(data))
	}
	if PacketType(data[0]) != want {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongType, PacketType(data[0]), want)
	}
	return nil
}

func putHeader(buf []byte, t PacketType, session uint32) {
	buf[0] = byte(t)
	binary.LittleEndian.PutUint32(buf[1:5], session)
}

// Setup is a ConnectionSetup packet.
type Setup struct {
	Session       uint32
	Caps          uint32
	ConnectString string
}

// Marshal encodes the packet. It fails when the connect string exceeds
// MaxConnectStringLen.
func (m *Setup) Marshal() ([]byte, error) {
	if len(m.ConnectString) > MaxConnectStringLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrConnectStringTooLong, len(m.ConnectString))
	}
	buf := make([]byte, setupFixedSize+len(m.ConnectString))
	putHeader(buf, TypeConnectionSetup, m.Session)
	binary.LittleEndian.PutUint32(buf[5:9], m.Caps)
	binary.LittleEndian.PutUint16(buf[9:11], uint16(len(m.ConnectString)))
	copy(buf[setupFixedSize:], m.ConnectString)
	return buf, nil
}

// Unmarshal decodes a ConnectionSetup packet.
func (m *Setup) Unmarshal(data []byte) error {
	if err := checkHeader(data, TypeConnectionSetup, setupFixedSize); err != nil {
		return err
	}
	n := int(binary.LittleEndian.Uint16(data[9:11]))
	if n > MaxConnectStringLen {
		return fmt.Errorf("%w: %d bytes", ErrConnectStringTooLong, n)
	}
	if len(data) != setupFixedSize+n {
		return ErrLengthMismatch
	}
	m.Session = binary.LittleEndian.Uint32(data[1:5])
	m.Caps = binary.LittleEndian.Uint32(data[5:9])
	m.ConnectString = string(data[setupFixedSize:])
	return nil
}

// KeyExchange0 carries an ephemeral X25519 public key.
type KeyExchange0 struct {
	Session uint32
	Public  [KeySize]byte
}

func (m *KeyExchange0) Marshal() []byte {
	buf := make([]byte, keyExchange0Size)
	putHeader(buf, TypeKeyExchange0, m.Session)
	copy(buf[headerSize:], m.Public[:])
	return buf
}

func (m *KeyExchange0) Unmarshal(data []byte) error {
	if err := checkHeader(data, TypeKeyExchange0, keyExchange0Size); err != nil {
		return err
	}
	if len(data) != keyExchange0Size {
		return ErrLengthMismatch
	}
	m.Session = binary.LittleEndian.Uint32(data[1:5])
	copy(m.Public[:], data[headerSize:])
	return nil
}

// KeyExchange1 carries the sender's ephemeral public key and a MAC proving
// it derived the session keys.
type KeyExchange1 struct {
	Session uint32
	Public  [KeySize]byte
	Confirm [ConfirmSize]byte
}

func (m *KeyExchange1) Marshal() []byte {
	buf := make([]byte, keyExchange1Size)
	putHeader(buf, TypeKeyExchange1, m.Session)
	copy(buf[headerSize:], m.Public[:])
	copy(buf[headerSize+KeySize:], m.Confirm[:])
	return buf
}

func (m *KeyExchange1) Unmarshal(data []byte) error {
	if err := checkHeader(data, TypeKeyExchange1, keyExchange1Size); err != nil {
		return err
	}
	if len(data) != keyExchange1Size {
		return ErrLengthMismatch
	}
	m.Session = binary.LittleEndian.Uint32(data[1:5])
	copy(m.Public[:], data[headerSize:])
	copy(m.Confirm[:], data[headerSize+KeySize:])
	return nil
}

// MarshalControl encodes a header-only packet (AlreadyConnecting,
// DisconnectAck).
func MarshalControl(t PacketType, session uint32) []byte {
	buf := make([]byte, controlSize)
	putHeader(buf, t, session)
	return buf
}

// UnmarshalControl decodes a header-only packet of type t.
func UnmarshalControl(t PacketType, data []byte) (uint32, error) {
	if err := checkHeader(data, t, controlSize); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data[1:5]), nil
}

// Disconnect tells the peer a connection is going away.
type Disconnect struct {
	Session uint32
	Cause   uint8
	Reason  string
}

// Marshal encodes the packet, truncating Reason to MaxReasonLen bytes.
func (m *Disconnect) Marshal() []byte {
	reason := TruncateReason(m.Reason)
	buf := make([]byte, disconnectFixedSize+len(reason))
	putHeader(buf, TypeDisconnect, m.Session)
	buf[5] = m.Cause
	buf[6] = uint8(len(reason))
	copy(buf[disconnectFixedSize:], reason)
	return buf
}

func (m *Disconnect) Unmarshal(data []byte) error {
	if err := checkHeader(data, TypeDisconnect, disconnectFixedSize); err != nil {
		return err
	}
	n := int(data[6])
	if len(data) != disconnectFixedSize+n {
		return ErrLengthMismatch
	}
	m.Session = binary.LittleEndian.Uint32(data[1:5])
	m.Cause = data[5]
	m.Reason = string(data[disconnectFixedSize:])
	return nil
}

// TruncateReason cuts s to at most MaxReasonLen bytes without splitting a
// UTF-8 sequence.
func TruncateReason(s string) string {
	if len(s) <= MaxReasonLen {
		return s
	}
	cut := MaxReasonLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// MarshalTransportData builds a TransportData packet around an already
// sealed payload.
func MarshalTransportData(session uint32, counter uint64, sealed []byte) []byte {
	buf := make([]byte, TransportHeaderSize+len(sealed))
	putHeader(buf, TypeTransportData, session)
	binary.LittleEndian.PutUint64(buf[5:13], counter)
	copy(buf[TransportHeaderSize:], sealed)
	return buf
}

// UnmarshalTransportData splits a TransportData packet. sealed aliases data.
func UnmarshalTransportData(data []byte) (session uint32, counter uint64, sealed []byte, err error) {
	if err := checkHeader(data, TypeTransportData, TransportHeaderSize); err != nil {
		return 0, 0, nil, err
	}
	session = binary.LittleEndian.Uint32(data[1:5])
	counter = binary.LittleEndian.Uint64(data[5:13])
	return session, counter, data[TransportHeaderSize:], nil
}

// Ping is a PingQuery packet. A reply echoes the query's timestamp.
type Ping struct {
	Reply bool
	Nanos int64
}

func (m *Ping) Marshal() []byte {
	buf := make([]byte, pingSize)
	buf[0] = byte(TypePingQuery)
	if m.Reply {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint64(buf[2:10], uint64(m.Nanos))
	return buf
}

func (m *Ping) Unmarshal(data []byte) error {
	if err := checkHeader(data, TypePingQuery, pingSize); err != nil {
		return err
	}
	if len(data) != pingSize || data[1] > 1 {
		return ErrLengthMismatch
	}
	m.Reply = data[1] == 1
	m.Nanos = int64(binary.LittleEndian.Uint64(data[2:10]))
	return nil
}

// LanQuery is a LAN discovery query or reply with an opaque payload.
type LanQuery struct {
	Reply   bool
	Payload []byte
}

func (m *LanQuery) Marshal() []byte {
	buf := make([]byte, lanQueryFixedSize+len(m.Payload))
	buf[0] = byte(TypeLanQuery)
	if m.Reply {
		buf[1] = 1
	}
	copy(buf[lanQueryFixedSize:], m.Payload)
	return buf
}

func (m *LanQuery) Unmarshal(data []byte) error {
	if err := checkHeader(data, TypeLanQuery, lanQueryFixedSize); err != nil {
		return err
	}
	if data[1] > 1 {
		return fmt.Errorf("lan query: invalid flag %d", data[1])
	}
	m.Reply = data[1] == 1
	m.Payload = data[lanQueryFixedSize:]
	return nil
}
