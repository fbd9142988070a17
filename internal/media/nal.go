// Package media converts the Annex-B H.264 bitstream a hardware video
// encoder emits into the length-prefixed AVCC form FLV/RTMP tags require,
// and pulls the SPS/PPS parameter sets out of it for the AVC decoder
// configuration record.
//
// internal/flv builds the RTMP/FLV tag envelope; this package handles what
// lives inside the tag's NAL payload.
package media

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/st-vunguyen/rtmp-publisher/internal/errors"
)

// NAL unit type values relevant to SPS/PPS/keyframe detection (ITU-T H.264 §7.4.1).
const (
	NALTypeSliceNonIDR = 1
	NALTypeSliceIDR    = 5
	NALTypeSPS         = 7
	NALTypePPS         = 8
)

// NALType returns the nal_unit_type field (low 5 bits of the first byte).
func NALType(nal []byte) uint8 {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// SplitAnnexB splits an Annex-B byte stream (NAL units separated by 3- or
// 4-byte 0x000001 / 0x00000001 start codes) into individual NAL units with
// the start codes stripped. Trailing zero padding after the last start code
// is tolerated.
func SplitAnnexB(data []byte) [][]byte {
	type marker struct{ start, contentStart int }
	var markers []marker
	i := 0
	n := len(data)
	for i+2 < n {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			start := i
			if start > 0 && data[start-1] == 0 {
				start-- // 4-byte start code: back up over its leading zero
			}
			markers = append(markers, marker{start: start, contentStart: i + 3})
			i += 3
			continue
		}
		i++
	}
	if len(markers) == 0 {
		return nil
	}
	nals := make([][]byte, 0, len(markers))
	for idx, m := range markers {
		end := n
		if idx+1 < len(markers) {
			end = markers[idx+1].start
		}
		if end > m.contentStart {
			nals = append(nals, data[m.contentStart:end])
		}
	}
	return nals
}

// ExtractParameterSets scans a slice of Annex-B NAL units (as returned by
// SplitAnnexB) for the most recent SPS and PPS. Returns ok=false if either
// is missing, which the caller should treat as "no sequence header available
// yet" rather than an error — encoders may emit SPS/PPS only once at stream
// start.
func ExtractParameterSets(nals [][]byte) (sps, pps []byte, ok bool) {
	for _, n := range nals {
		switch NALType(n) {
		case NALTypeSPS:
			sps = append([]byte(nil), n...)
		case NALTypePPS:
			pps = append([]byte(nil), n...)
		}
	}
	return sps, pps, len(sps) > 0 && len(pps) > 0
}

// ContainsKeyframe reports whether nals includes an IDR slice, used to set
// the FLV frame-type byte when an encoder frame carries multiple NAL units
// (e.g. SEI + IDR slice).
func ContainsKeyframe(nals [][]byte) bool {
	for _, n := range nals {
		if NALType(n) == NALTypeSliceIDR {
			return true
		}
	}
	return false
}

// AnnexBToAVCC re-encodes a slice of Annex-B NAL units (start codes already
// stripped, e.g. via SplitAnnexB) into AVCC form: each unit prefixed by its
// own 4-byte big-endian length, concatenated in order. This is the layout
// FLV/RTMP AVC video tags require.
//
// Building is delegated to cryptobyte.Builder, whose AddUint32LengthPrefixed
// back-patches the 4-byte length once the nested content is written — the
// same length-prefixed-record idiom AVCC itself uses, just generalized by
// the library rather than hand-rolled here.
func AnnexBToAVCC(nals [][]byte) ([]byte, error) {
	if len(nals) == 0 {
		return nil, errors.NewInvalidInput("media.annexb_to_avcc", fmt.Errorf("no NAL units"))
	}
	var b cryptobyte.Builder
	for _, nal := range nals {
		n := nal
		b.AddUint32LengthPrefixed(func(child *cryptobyte.Builder) {
			child.AddBytes(n)
		})
	}
	return b.Bytes()
}
