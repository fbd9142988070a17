// Package flv builds the FLV tag payloads carried inside RTMP audio (type 8),
// video (type 9) and data (type 18) messages: the VideoHeader/AVCPacketType/
// composition-time layout and AVCDecoderConfigurationRecord for video, the
// AudioHeader/AACPacketType layout for AAC, and the AMF0 onMetaData script
// data tag, all assembled from scratch for an outbound publish.
package flv

import (
	"bytes"
	"fmt"

	"github.com/st-vunguyen/rtmp-publisher/internal/errors"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/amf"
)

// Video codec IDs (FLV VideoHeader low nibble).
const (
	videoCodecAVC = 7
)

// Video frame types (FLV VideoHeader high nibble).
const (
	FrameTypeKey       = 1
	FrameTypeInter     = 2
	FrameTypeDisposable = 3
)

// AVCPacketType values (second byte of an AVC video tag).
const (
	avcPacketTypeSequenceHeader = 0
	avcPacketTypeNALU           = 1
)

// Audio codec IDs (FLV AudioHeader high nibble).
const (
	soundFormatAAC = 10
)

// AACPacketType values (second byte of an AAC audio tag).
const (
	aacPacketTypeSequenceHeader = 0
	aacPacketTypeRaw            = 1
)

// EncodeAVCSequenceHeader builds the video tag payload carrying the
// AVCDecoderConfigurationRecord derived from sps/pps. Sent once at the start
// of a publish (and resent after every reconnect) before any NALU tag.
//
//	VideoHeader(keyframe|AVC) AVCPacketType(0) CompositionTime(0,0,0) AVCDecoderConfigurationRecord
func EncodeAVCSequenceHeader(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, errors.NewInvalidInput("flv.encode_avc_sequence_header", fmt.Errorf("sps too short: %d bytes", len(sps)))
	}
	if len(pps) == 0 {
		return nil, errors.NewInvalidInput("flv.encode_avc_sequence_header", fmt.Errorf("empty pps"))
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(FrameTypeKey<<4) | videoCodecAVC)
	buf.WriteByte(avcPacketTypeSequenceHeader)
	buf.Write([]byte{0, 0, 0}) // composition time, always 0 for a config record

	// AVCDecoderConfigurationRecord (ISO 14496-15 §5.2.4.1.1)
	buf.WriteByte(1)          // configurationVersion
	buf.WriteByte(sps[1])     // AVCProfileIndication
	buf.WriteByte(sps[2])     // profile_compatibility
	buf.WriteByte(sps[3])     // AVCLevelIndication
	buf.WriteByte(0xFF)       // reserved(6)=111111 + lengthSizeMinusOne(2)=11 -> 4-byte NAL length prefix
	buf.WriteByte(0xE1)       // reserved(3)=111 + numOfSPS(5)=00001
	buf.WriteByte(byte(len(sps) >> 8))
	buf.WriteByte(byte(len(sps)))
	buf.Write(sps)
	buf.WriteByte(1) // numOfPPS
	buf.WriteByte(byte(len(pps) >> 8))
	buf.WriteByte(byte(len(pps)))
	buf.Write(pps)
	return buf.Bytes(), nil
}

// EncodeAVCFrame builds a video tag payload for one encoded access unit.
// avccData must already be in AVCC form (4-byte big-endian length prefix per
// NAL unit, no Annex-B start codes) — internal/media performs that
// conversion. compositionTimeMs is the PTS-minus-DTS offset; publishers that
// do not reorder frames (CBR, no B-frames) pass 0.
func EncodeAVCFrame(avccData []byte, isKeyFrame bool, compositionTimeMs int32) ([]byte, error) {
	if len(avccData) == 0 {
		return nil, errors.NewInvalidInput("flv.encode_avc_frame", fmt.Errorf("empty frame data"))
	}
	frameType := byte(FrameTypeInter)
	if isKeyFrame {
		frameType = FrameTypeKey
	}
	var buf bytes.Buffer
	buf.WriteByte((frameType << 4) | videoCodecAVC)
	buf.WriteByte(avcPacketTypeNALU)
	// Signed 24-bit big-endian composition time offset.
	ct := uint32(compositionTimeMs) & 0x00FFFFFF
	buf.WriteByte(byte(ct >> 16))
	buf.WriteByte(byte(ct >> 8))
	buf.WriteByte(byte(ct))
	buf.Write(avccData)
	return buf.Bytes(), nil
}

// EncodeAACSequenceHeader builds the audio tag payload carrying the
// AudioSpecificConfig. Sent once before any raw AAC tag, and resent after
// reconnect alongside the video sequence header.
func EncodeAACSequenceHeader(audioSpecificConfig []byte) ([]byte, error) {
	if len(audioSpecificConfig) == 0 {
		return nil, errors.NewInvalidInput("flv.encode_aac_sequence_header", fmt.Errorf("empty audio specific config"))
	}
	var buf bytes.Buffer
	buf.WriteByte(aacAudioHeaderByte())
	buf.WriteByte(aacPacketTypeSequenceHeader)
	buf.Write(audioSpecificConfig)
	return buf.Bytes(), nil
}

// EncodeAACFrame builds an audio tag payload for one raw AAC-LC access unit
// (ADTS-free, as produced by the platform AAC encoder).
func EncodeAACFrame(rawAAC []byte) ([]byte, error) {
	if len(rawAAC) == 0 {
		return nil, errors.NewInvalidInput("flv.encode_aac_frame", fmt.Errorf("empty aac payload"))
	}
	var buf bytes.Buffer
	buf.WriteByte(aacAudioHeaderByte())
	buf.WriteByte(aacPacketTypeRaw)
	buf.Write(rawAAC)
	return buf.Bytes(), nil
}

// aacAudioHeaderByte builds the single AudioHeader byte this publisher always
// emits for AAC: SoundFormat=10 (AAC), SoundRate=3 (the AAC convention,
// independent of the true sample rate), SoundSize=1 (16-bit), SoundType=1
// (stereo).
func aacAudioHeaderByte() byte {
	const soundRate = 3
	const soundSize = 1
	const soundType = 1
	return byte(soundFormatAAC<<4) | (soundRate << 2) | (soundSize << 1) | soundType
}

// Metadata describes the onMetaData payload announced once right after a
// successful publish (and re-announced after every reconnect).
type Metadata struct {
	Width             int
	Height            int
	FrameRate         float64
	VideoDataRateKbps float64
	AudioDataRateKbps float64
	AudioSampleRate   int
}

// EncodeMetadata builds the AMF0 "onMetaData" script data tag payload
// (RTMP message type 18 / FLV script data tag).
func EncodeMetadata(m Metadata) ([]byte, error) {
	fields := map[string]interface{}{
		"width":           float64(m.Width),
		"height":          float64(m.Height),
		"framerate":       m.FrameRate,
		"videocodecid":    float64(7),  // AVC
		"audiocodecid":    float64(10), // AAC
		"videodatarate":   m.VideoDataRateKbps,
		"audiodatarate":   m.AudioDataRateKbps,
		"audiosamplerate": float64(m.AudioSampleRate),
		"audiosamplesize": float64(16),
		"stereo":          true,
	}
	var buf bytes.Buffer
	if err := amf.EncodeValue(&buf, "onMetaData"); err != nil {
		return nil, errors.NewAMFError("flv.encode_metadata.name", err)
	}
	if err := amf.EncodeECMAArray(&buf, fields); err != nil {
		return nil, errors.NewAMFError("flv.encode_metadata.body", err)
	}
	return buf.Bytes(), nil
}
