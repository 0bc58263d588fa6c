// Package wire encodes and decodes the advertisement datagram exchanged by
// master discovery processes. The payload is a fixed little schema:
//
//	magic   4 bytes  "MMAD"
//	version 1 byte   schema version (currently 1)
//	flags   1 byte   bit0 = departing
//	caps    4 bytes  capability bitmask, big endian
//	seq     8 bytes  advertisement sequence number, big endian
//	port    2 bytes  big endian
//	guid    16 bytes instance GUID (RFC 4122)
//	addr    1 length byte + bytes
//	name    1 length byte + bytes (may be empty)
//
// Anything that fails validation decodes to a *DecodeError, which callers
// treat as transient: count it, drop the datagram, keep listening.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meshmaster/meshmaster/pkg/peers"
)

const (
	// Version is the schema version this build speaks.
	Version = 1

	// MaxPayloadSize bounds a well-formed advertisement; receive buffers
	// of this size never truncate one.
	MaxPayloadSize = 4 + 1 + 1 + 4 + 8 + 2 + 16 + 1 + 255 + 1 + 255

	flagDeparting = 0x01

	headerSize = 4 + 1 + 1 + 4 + 8 + 2 + 16
)

var magic = [4]byte{'M', 'M', 'A', 'D'}

var (
	ErrTruncated  = errors.New("wire: truncated payload")
	ErrBadMagic   = errors.New("wire: bad magic")
	ErrVersion    = errors.New("wire: unsupported schema version")
	ErrBadAddr    = errors.New("wire: invalid address")
	ErrBadPort    = errors.New("wire: invalid port")
	ErrBadGUID    = errors.New("wire: invalid instance guid")
	ErrOversized  = errors.New("wire: field exceeds payload")
	ErrEncodeAddr = errors.New("wire: address too long to encode")
	ErrEncodeName = errors.New("wire: name too long to encode")
)

// DecodeError wraps the reason a payload was rejected.
type DecodeError struct {
	Reason error
}

func (e *DecodeError) Error() string { return "wire: reject datagram: " + e.Reason.Error() }
func (e *DecodeError) Unwrap() error { return e.Reason }

func reject(reason error) (peers.Announcement, error) {
	return peers.Announcement{}, &DecodeError{Reason: reason}
}

// Encode serializes ann. Fails only on fields the schema cannot carry.
func Encode(ann peers.Announcement) ([]byte, error) {
	if ann.Identity.Addr == "" || len(ann.Identity.Addr) > 255 {
		return nil, ErrEncodeAddr
	}
	if len(ann.Name) > 255 {
		return nil, ErrEncodeName
	}
	if ann.Identity.Port <= 0 || ann.Identity.Port > 65535 {
		return nil, ErrBadPort
	}
	guid, err := uuid.Parse(ann.Identity.GUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadGUID, ann.Identity.GUID)
	}

	buf := make([]byte, 0, headerSize+2+len(ann.Identity.Addr)+len(ann.Name))
	buf = append(buf, magic[:]...)
	buf = append(buf, Version)
	var flags byte
	if ann.Departing {
		flags |= flagDeparting
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(ann.Caps))
	buf = binary.BigEndian.AppendUint64(buf, ann.Seq)
	buf = binary.BigEndian.AppendUint16(buf, uint16(ann.Identity.Port))
	buf = append(buf, guid[:]...)
	buf = append(buf, byte(len(ann.Identity.Addr)))
	buf = append(buf, ann.Identity.Addr...)
	buf = append(buf, byte(len(ann.Name)))
	buf = append(buf, ann.Name...)
	return buf, nil
}

// Decode validates and parses one datagram. Any failure is a *DecodeError.
func Decode(payload []byte) (peers.Announcement, error) {
	if len(payload) < headerSize+2 {
		return reject(ErrTruncated)
	}
	if [4]byte(payload[:4]) != magic {
		return reject(ErrBadMagic)
	}
	if payload[4] != Version {
		return reject(fmt.Errorf("%w: %d", ErrVersion, payload[4]))
	}

	flags := payload[5]
	caps := peers.Capability(binary.BigEndian.Uint32(payload[6:10]))
	seq := binary.BigEndian.Uint64(payload[10:18])
	port := int(binary.BigEndian.Uint16(payload[18:20]))
	guid, err := uuid.FromBytes(payload[20:36])
	if err != nil {
		return reject(ErrBadGUID)
	}

	rest := payload[headerSize:]
	addr, rest, err := takeString(rest)
	if err != nil {
		return reject(err)
	}
	name, rest, err := takeString(rest)
	if err != nil {
		return reject(err)
	}
	if len(rest) != 0 {
		return reject(fmt.Errorf("%w: %d trailing bytes", ErrOversized, len(rest)))
	}
	if addr == "" {
		return reject(ErrBadAddr)
	}
	if port == 0 {
		return reject(ErrBadPort)
	}

	return peers.Announcement{
		Identity: peers.PeerIdentity{
			Addr: addr,
			Port: port,
			GUID: guid.String(),
		},
		Name:      name,
		Seq:       seq,
		Caps:      caps,
		Departing: flags&flagDeparting != 0,
	}, nil
}

func takeString(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, ErrTruncated
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, ErrTruncated
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}
