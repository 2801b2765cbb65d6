package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/klauspost/crc32"

	"github.com/yndnr/undocore/pkg/crypto/adaptive"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type wirePayload struct {
	Timestamp int64      `json:"ts"`
	Info      uint8      `json:"info"`
	Data      []byte     `json:"data,omitempty"`
	Encrypted []byte     `json:"enc,omitempty"`
	Blocks    []BlockRef `json:"blocks,omitempty"`
}

func frameCRC(rmgr byte, payload []byte) uint32 {
	crc := crc32.Update(0, castagnoli, []byte{rmgr})
	return crc32.Update(crc, castagnoli, payload)
}

// encodeFrame builds a frame for a record starting at start. With a cipher
// the data is sealed to start and the rmgr/info header.
func encodeFrame(start LSN, r *Record, cipher *adaptive.Cipher) ([]byte, error) {
	if r.Rmgr == RmgrInvalid {
		return nil, ErrInvalidRmgr
	}

	p := wirePayload{
		Timestamp: r.Timestamp,
		Info:      r.Info,
		Blocks:    r.Blocks,
	}
	if cipher == nil {
		p.Data = r.Data
	} else {
		sealed, err := cipher.SealAt(uint64(start), []byte{byte(r.Rmgr), r.Info}, r.Data)
		if err != nil {
			return nil, fmt.Errorf("wal: seal record: %w", err)
		}
		p.Encrypted = sealed
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("wal: marshal payload: %w", err)
	}

	// Length = CRC(4) + Rmgr(1) + Payload.
	length := uint32(4 + 1 + len(payload))

	out := make([]byte, 4+int(length))
	binary.BigEndian.PutUint32(out[0:4], length)
	binary.BigEndian.PutUint32(out[4:8], frameCRC(byte(r.Rmgr), payload))
	out[8] = byte(r.Rmgr)
	copy(out[9:], payload)
	return out, nil
}

// checkFrame verifies the CRC of a frame body ([crc][rmgr][payload]).
func checkFrame(frame []byte) error {
	if len(frame) < minFrameLen {
		return ErrCorruptedEntry
	}
	if frameCRC(frame[4], frame[5:]) != binary.BigEndian.Uint32(frame[:4]) {
		return ErrChecksumMismatch
	}
	return nil
}

func decodeFrame(start LSN, frame []byte, cipher *adaptive.Cipher) (*Record, error) {
	// Frame layout: [crc32c:4][rmgr:1][payload...]
	if err := checkFrame(frame); err != nil {
		return nil, err
	}

	rmgr := RmgrID(frame[4])
	if rmgr == RmgrInvalid {
		return nil, ErrInvalidRmgr
	}

	var p wirePayload
	if err := json.Unmarshal(frame[5:], &p); err != nil {
		return nil, fmt.Errorf("wal: unmarshal payload: %w", err)
	}

	out := &Record{
		Start:     start,
		Rmgr:      rmgr,
		Info:      p.Info,
		Timestamp: p.Timestamp,
		Data:      p.Data,
		Blocks:    p.Blocks,
	}
	if p.Encrypted != nil {
		if cipher == nil {
			return nil, ErrNeedCipher
		}
		plain, err := cipher.OpenAt(uint64(start), []byte{byte(rmgr), p.Info}, p.Encrypted)
		if err != nil {
			return nil, fmt.Errorf("wal: open record at %s: %w", start, err)
		}
		out.Data = plain
	}
	return out, nil
}
