// Package wire implements the bit-exact binary frame format shared by
// clients and peer processes: a resynchronizable magic number, a short
// type header, a type-specific big-endian payload, and an HMAC-SHA256
// trailer authenticated with one of two keys depending on who the frame
// is addressed to.
package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"github.com/gofrs/uuid"
)

// SectorSize is the fixed payload size of every sector.
const SectorSize = 4096

// Type tags, one byte, placed at header[3].
const (
	TagRead          byte = 0x01
	TagWrite         byte = 0x02
	TagReadProc      byte = 0x03
	TagValue         byte = 0x04
	TagWriteProc     byte = 0x05
	TagAck           byte = 0x06
	TagReadResponse  byte = 0x41
	TagWriteResponse byte = 0x42
)

// Status codes, one byte, used in ReadResponse/WriteResponse.
const (
	StatusOK                  byte = 0x00
	StatusAuthFailure         byte = 0x01
	StatusInvalidSectorIndex  byte = 0x02
	StatusUnknown             byte = 0xff
)

const headerLen = 8 // 4 magic + 4 type header
const hmacLen = 32

// ErrInvalidData is returned when a payload's sector data is not exactly
// SectorSize bytes.
var ErrInvalidData = errors.New("wire: sector data must be exactly 4096 bytes")

// Command is the sum type of every decodable frame body. Exactly one of
// the embedded pointers is non-nil.
type Command struct {
	ProcessIdentifier byte // system sender's 1-based rank, 0 for client frames

	Read          *ReadCmd
	Write         *WriteCmd
	ReadProc      *ReadProcCmd
	Value         *ValueCmd
	WriteProc     *WriteProcCmd
	Ack           *AckCmd
	ReadResponse  *ReadResponseCmd
	WriteResponse *WriteResponseCmd
}

type ReadCmd struct {
	RequestID uint64
	SectorIdx uint64
}

type WriteCmd struct {
	RequestID uint64
	SectorIdx uint64
	Data      [SectorSize]byte
}

type ReadProcCmd struct {
	MsgUUID   uuid.UUID
	ReadIdent uint64
	SectorIdx uint64
}

type AckCmd struct {
	MsgUUID   uuid.UUID
	ReadIdent uint64
	SectorIdx uint64
}

type ValueCmd struct {
	MsgUUID   uuid.UUID
	ReadIdent uint64
	SectorIdx uint64
	Timestamp uint64
	WriteRank byte
	Data      [SectorSize]byte
}

type WriteProcCmd struct {
	MsgUUID   uuid.UUID
	ReadIdent uint64
	SectorIdx uint64
	Timestamp uint64
	WriteRank byte
	Data      [SectorSize]byte
}

type ReadResponseCmd struct {
	Status    byte
	RequestID uint64
	Data      [SectorSize]byte // only meaningful when Status == StatusOK
}

type WriteResponseCmd struct {
	Status    byte
	RequestID uint64
}

// NewMsgUUID returns a fresh random message identifier for a system
// command initiated locally.
func NewMsgUUID() uuid.UUID {
	id, err := uuid.NewV4()
	if err != nil {
		// crypto/rand failure; nothing sane to do but surface it loudly.
		panic("wire: failed to generate msg_uuid: " + err.Error())
	}
	return id
}

// Codec serializes and deserializes frames for one magic number and key
// pair. The same magic number must be shared by every process and client
// in a deployment; client and system frames are authenticated with
// different keys.
type Codec struct {
	magic          [4]byte
	hmacSystemKey  []byte // 64 bytes
	hmacClientKey  []byte // 32 bytes
}

// NewCodec builds a Codec. systemKey must be 64 bytes and clientKey 32
// bytes, matching the configured HMAC key sizes.
func NewCodec(magic [4]byte, systemKey, clientKey []byte) *Codec {
	return &Codec{magic: magic, hmacSystemKey: systemKey, hmacClientKey: clientKey}
}

func isSystemTag(tag byte) bool {
	switch tag {
	case TagReadProc, TagValue, TagWriteProc, TagAck:
		return true
	default:
		return false
	}
}

// Serialize encodes cmd into a fully framed, authenticated byte slice.
func (c *Codec) Serialize(cmd Command) ([]byte, error) {
	tag, payload, err := encodePayload(cmd)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(nil)
	buf.Write(c.magic[:])
	buf.Write([]byte{0, 0, cmd.ProcessIdentifier, tag})
	buf.Write(payload)

	key := c.hmacClientKey
	if isSystemTag(tag) {
		key = c.hmacSystemKey
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(buf.Bytes())
	buf.Write(mac.Sum(nil))

	return buf.Bytes(), nil
}

// Deserialize reads one frame from r, resynchronizing past any leading
// garbage that does not contain the magic number. It returns the decoded
// command and whether the frame's HMAC trailer was valid for the key
// appropriate to that frame's type. A malformed (but magic-aligned) frame
// returns an error; callers should drop the frame and keep reading.
func (c *Codec) Deserialize(r io.Reader) (Command, bool, error) {
	if err := resync(r, c.magic); err != nil {
		return Command{}, false, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Command{}, false, err
	}
	procID := header[2]
	tag := header[3]

	payload, cmd, err := decodePayload(r, tag, procID)
	if err != nil {
		return Command{}, false, err
	}

	trailer := make([]byte, hmacLen)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return Command{}, false, err
	}

	key := c.hmacClientKey
	if isSystemTag(tag) {
		key = c.hmacSystemKey
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(c.magic[:])
	mac.Write(header)
	mac.Write(payload)
	authenticated := hmac.Equal(mac.Sum(nil), trailer)

	return cmd, authenticated, nil
}

// resync consumes bytes one at a time from r until the most recently read
// four bytes equal magic, leaving the stream positioned just past it.
func resync(r io.Reader, magic [4]byte) error {
	var window [4]byte
	filled := 0
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return err
		}
		window[0], window[1], window[2], window[3] = window[1], window[2], window[3], b[0]
		if filled < 4 {
			filled++
		}
		if filled == 4 && window == magic {
			return nil
		}
	}
}

func encodePayload(cmd Command) (byte, []byte, error) {
	switch {
	case cmd.Read != nil:
		buf := make([]byte, 16)
		binary.BigEndian.PutUint64(buf[0:8], cmd.Read.RequestID)
		binary.BigEndian.PutUint64(buf[8:16], cmd.Read.SectorIdx)
		return TagRead, buf, nil

	case cmd.Write != nil:
		buf := make([]byte, 16+SectorSize)
		binary.BigEndian.PutUint64(buf[0:8], cmd.Write.RequestID)
		binary.BigEndian.PutUint64(buf[8:16], cmd.Write.SectorIdx)
		copy(buf[16:], cmd.Write.Data[:])
		return TagWrite, buf, nil

	case cmd.ReadProc != nil:
		return TagReadProc, encodeReadProcLike(cmd.ReadProc.MsgUUID, cmd.ReadProc.ReadIdent, cmd.ReadProc.SectorIdx), nil

	case cmd.Ack != nil:
		return TagAck, encodeReadProcLike(cmd.Ack.MsgUUID, cmd.Ack.ReadIdent, cmd.Ack.SectorIdx), nil

	case cmd.Value != nil:
		buf, err := encodeValueLike(cmd.Value.MsgUUID, cmd.Value.ReadIdent, cmd.Value.SectorIdx, cmd.Value.Timestamp, cmd.Value.WriteRank, cmd.Value.Data)
		return TagValue, buf, err

	case cmd.WriteProc != nil:
		buf, err := encodeValueLike(cmd.WriteProc.MsgUUID, cmd.WriteProc.ReadIdent, cmd.WriteProc.SectorIdx, cmd.WriteProc.Timestamp, cmd.WriteProc.WriteRank, cmd.WriteProc.Data)
		return TagWriteProc, buf, err

	case cmd.ReadResponse != nil:
		n := 9
		if cmd.ReadResponse.Status == StatusOK {
			n += SectorSize
		}
		buf := make([]byte, n)
		buf[0] = cmd.ReadResponse.Status
		binary.BigEndian.PutUint64(buf[1:9], cmd.ReadResponse.RequestID)
		if cmd.ReadResponse.Status == StatusOK {
			copy(buf[9:], cmd.ReadResponse.Data[:])
		}
		return TagReadResponse, buf, nil

	case cmd.WriteResponse != nil:
		buf := make([]byte, 9)
		buf[0] = cmd.WriteResponse.Status
		binary.BigEndian.PutUint64(buf[1:9], cmd.WriteResponse.RequestID)
		return TagWriteResponse, buf, nil

	default:
		return 0, nil, errors.New("wire: empty command")
	}
}

func encodeReadProcLike(id uuid.UUID, readIdent, sectorIdx uint64) []byte {
	buf := make([]byte, 32)
	copy(buf[0:16], id.Bytes())
	binary.BigEndian.PutUint64(buf[16:24], readIdent)
	binary.BigEndian.PutUint64(buf[24:32], sectorIdx)
	return buf
}

func encodeValueLike(id uuid.UUID, readIdent, sectorIdx, timestamp uint64, writeRank byte, data [SectorSize]byte) ([]byte, error) {
	buf := make([]byte, 40+SectorSize)
	copy(buf[0:16], id.Bytes())
	binary.BigEndian.PutUint64(buf[16:24], readIdent)
	binary.BigEndian.PutUint64(buf[24:32], sectorIdx)
	binary.BigEndian.PutUint64(buf[32:40], timestamp)
	// bytes 40-46 reserved as zero padding, byte 47 is write_rank
	buf[47] = writeRank
	copy(buf[48:], data[:])
	return buf, nil
}

func decodePayload(r io.Reader, tag, procID byte) ([]byte, Command, error) {
	switch tag {
	case TagRead:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, Command{}, err
		}
		return buf, Command{ProcessIdentifier: procID, Read: &ReadCmd{
			RequestID: binary.BigEndian.Uint64(buf[0:8]),
			SectorIdx: binary.BigEndian.Uint64(buf[8:16]),
		}}, nil

	case TagWrite:
		buf := make([]byte, 16+SectorSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, Command{}, err
		}
		w := &WriteCmd{
			RequestID: binary.BigEndian.Uint64(buf[0:8]),
			SectorIdx: binary.BigEndian.Uint64(buf[8:16]),
		}
		copy(w.Data[:], buf[16:])
		return buf, Command{ProcessIdentifier: procID, Write: w}, nil

	case TagReadProc, TagAck:
		buf := make([]byte, 32)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, Command{}, err
		}
		id, readIdent, sectorIdx := decodeReadProcLike(buf)
		if tag == TagReadProc {
			return buf, Command{ProcessIdentifier: procID, ReadProc: &ReadProcCmd{MsgUUID: id, ReadIdent: readIdent, SectorIdx: sectorIdx}}, nil
		}
		return buf, Command{ProcessIdentifier: procID, Ack: &AckCmd{MsgUUID: id, ReadIdent: readIdent, SectorIdx: sectorIdx}}, nil

	case TagValue, TagWriteProc:
		buf := make([]byte, 40+SectorSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, Command{}, err
		}
		id, readIdent, sectorIdx, ts, wr, data := decodeValueLike(buf)
		if tag == TagValue {
			return buf, Command{ProcessIdentifier: procID, Value: &ValueCmd{MsgUUID: id, ReadIdent: readIdent, SectorIdx: sectorIdx, Timestamp: ts, WriteRank: wr, Data: data}}, nil
		}
		return buf, Command{ProcessIdentifier: procID, WriteProc: &WriteProcCmd{MsgUUID: id, ReadIdent: readIdent, SectorIdx: sectorIdx, Timestamp: ts, WriteRank: wr, Data: data}}, nil

	case TagReadResponse:
		head := make([]byte, 9)
		if _, err := io.ReadFull(r, head); err != nil {
			return nil, Command{}, err
		}
		status := head[0]
		requestID := binary.BigEndian.Uint64(head[1:9])
		resp := &ReadResponseCmd{Status: status, RequestID: requestID}
		full := head
		if status == StatusOK {
			data := make([]byte, SectorSize)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, Command{}, err
			}
			copy(resp.Data[:], data)
			full = append(full, data...)
		}
		return full, Command{ProcessIdentifier: procID, ReadResponse: resp}, nil

	case TagWriteResponse:
		buf := make([]byte, 9)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, Command{}, err
		}
		return buf, Command{ProcessIdentifier: procID, WriteResponse: &WriteResponseCmd{
			Status:    buf[0],
			RequestID: binary.BigEndian.Uint64(buf[1:9]),
		}}, nil

	default:
		return nil, Command{}, errors.New("wire: unknown type tag")
	}
}

func decodeReadProcLike(buf []byte) (uuid.UUID, uint64, uint64) {
	var id uuid.UUID
	copy(id[:], buf[0:16])
	return id, binary.BigEndian.Uint64(buf[16:24]), binary.BigEndian.Uint64(buf[24:32])
}

func decodeValueLike(buf []byte) (uuid.UUID, uint64, uint64, uint64, byte, [SectorSize]byte) {
	var id uuid.UUID
	copy(id[:], buf[0:16])
	readIdent := binary.BigEndian.Uint64(buf[16:24])
	sectorIdx := binary.BigEndian.Uint64(buf[24:32])
	ts := binary.BigEndian.Uint64(buf[32:40])
	wr := buf[47]
	var data [SectorSize]byte
	copy(data[:], buf[48:])
	return id, readIdent, sectorIdx, ts, wr, data
}

// ValidateSectorData returns ErrInvalidData if data is not exactly
// SectorSize bytes long; used by callers building a WriteCmd from a
// client-supplied byte slice before handing it to Serialize.
func ValidateSectorData(data []byte) error {
	if len(data) != SectorSize {
		return ErrInvalidData
	}
	return nil
}
