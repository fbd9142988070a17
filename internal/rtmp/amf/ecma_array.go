package amf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	amferrors "github.com/st-vunguyen/rtmp-publisher/internal/errors"
)

// markerECMAArray is the AMF0 type marker for ECMA Array (0x08).
const markerECMAArray = 0x08

// EncodeECMAArray encodes an AMF0 ECMA Array (marker 0x08): an associative
// array with the same key/value layout as Object, preceded by a 4-byte
// approximate element count and terminated the same way (0x00 0x00 0x09).
// The count is advisory; decoders must still rely on the end marker.
func EncodeECMAArray(w io.Writer, m map[string]interface{}) error {
	var hdr [1 + 4]byte
	hdr[0] = markerECMAArray
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(m)))
	if _, err := w.Write(hdr[:]); err != nil {
		return amferrors.NewAMFError("encode.ecmaarray.header.write", err)
	}
	if err := encodeObjectBody(w, m); err != nil {
		return amferrors.NewAMFError("encode.ecmaarray.body", err)
	}
	return nil
}

// DecodeECMAArray decodes an AMF0 ECMA Array from r into a
// map[string]interface{}, ignoring the advisory count and relying on the
// 0x00 0x00 0x09 terminator, mirroring DecodeObject.
func DecodeECMAArray(r io.Reader) (map[string]interface{}, error) {
	var marker [1]byte
	if _, err := io.ReadFull(r, marker[:]); err != nil {
		return nil, amferrors.NewAMFError("decode.ecmaarray.marker.read", err)
	}
	if marker[0] != markerECMAArray {
		return nil, amferrors.NewAMFError("decode.ecmaarray.marker", fmt.Errorf("expected 0x%02x got 0x%02x", markerECMAArray, marker[0]))
	}
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, amferrors.NewAMFError("decode.ecmaarray.count.read", err)
	}
	_ = binary.BigEndian.Uint32(countBuf[:]) // advisory only
	return decodeObjectBody(r)
}

// roundTripECMAArray is a small helper mirroring roundTripStrictArray, used
// by tests.
func roundTripECMAArray(m map[string]interface{}) (map[string]interface{}, error) {
	var buf bytes.Buffer
	if err := EncodeECMAArray(&buf, m); err != nil {
		return nil, err
	}
	return DecodeECMAArray(&buf)
}
