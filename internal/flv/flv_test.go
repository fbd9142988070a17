package flv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/amf"
)

func TestEncodeAVCSequenceHeader_ByteLayout(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1F, 0x96, 0x54, 0x05}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}

	tag, err := EncodeAVCSequenceHeader(sps, pps)
	require.NoError(t, err)

	require.Equal(t, byte(FrameTypeKey<<4)|videoCodecAVC, tag[0], "VideoHeader: keyframe|AVC")
	require.Equal(t, byte(avcPacketTypeSequenceHeader), tag[1])
	require.Equal(t, []byte{0, 0, 0}, tag[2:5], "composition time is always 0 for a config record")

	record := tag[5:]
	require.Equal(t, byte(1), record[0], "configurationVersion")
	require.Equal(t, sps[1], record[1], "AVCProfileIndication")
	require.Equal(t, sps[2], record[2], "profile_compatibility")
	require.Equal(t, sps[3], record[3], "AVCLevelIndication")
	require.Equal(t, byte(0xFF), record[4], "lengthSizeMinusOne nibble")
	require.Equal(t, byte(0xE1), record[5], "numOfSPS nibble")
	require.Equal(t, byte(len(sps)), record[7], "sps length low byte")
	require.Equal(t, sps, record[8:8+len(sps)])

	afterSPS := record[8+len(sps):]
	require.Equal(t, byte(1), afterSPS[0], "numOfPPS")
	require.Equal(t, byte(len(pps)), afterSPS[2], "pps length low byte")
	require.Equal(t, pps, afterSPS[3:3+len(pps)])
}

func TestEncodeAVCFrame_KeyAndInter(t *testing.T) {
	avcc := []byte{0x00, 0x00, 0x00, 0x04, 0x65, 0xAA, 0xBB, 0xCC}

	keyTag, err := EncodeAVCFrame(avcc, true, 0)
	require.NoError(t, err)
	require.Equal(t, byte(FrameTypeKey<<4)|videoCodecAVC, keyTag[0])
	require.Equal(t, byte(avcPacketTypeNALU), keyTag[1])
	require.Equal(t, []byte{0, 0, 0}, keyTag[2:5], "zero composition time")
	require.Equal(t, avcc, keyTag[5:])

	interTag, err := EncodeAVCFrame(avcc, false, 0)
	require.NoError(t, err)
	require.Equal(t, byte(FrameTypeInter<<4)|videoCodecAVC, interTag[0])
}

func TestEncodeAVCFrame_CompositionTimeIsSigned24Bit(t *testing.T) {
	avcc := []byte{0x00, 0x00, 0x00, 0x01, 0x65}
	tag, err := EncodeAVCFrame(avcc, true, -1)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF}, tag[2:5], "-1 as a signed 24-bit big-endian value")
}

func TestEncodeAVCFrame_RejectsEmpty(t *testing.T) {
	_, err := EncodeAVCFrame(nil, true, 0)
	require.Error(t, err)
}

func TestEncodeAACSequenceHeader_ByteLayout(t *testing.T) {
	asc := []byte{0x12, 0x10} // AAC-LC, 44.1kHz, stereo
	tag, err := EncodeAACSequenceHeader(asc)
	require.NoError(t, err)

	require.Equal(t, aacAudioHeaderByte(), tag[0])
	require.Equal(t, byte(aacPacketTypeSequenceHeader), tag[1])
	require.Equal(t, asc, tag[2:])
}

func TestEncodeAACFrame_ByteLayout(t *testing.T) {
	raw := []byte{0x21, 0x22, 0x23, 0x24}
	tag, err := EncodeAACFrame(raw)
	require.NoError(t, err)

	require.Equal(t, aacAudioHeaderByte(), tag[0])
	require.Equal(t, byte(aacPacketTypeRaw), tag[1])
	require.Equal(t, raw, tag[2:])
}

func TestAACAudioHeaderByte_FieldsPacked(t *testing.T) {
	b := aacAudioHeaderByte()
	require.Equal(t, byte(10), b>>4, "SoundFormat nibble must be AAC (10)")
	require.Equal(t, byte(3), (b>>2)&0x03, "SoundRate field")
	require.Equal(t, byte(1), (b>>1)&0x01, "SoundSize: 16-bit")
	require.Equal(t, byte(1), b&0x01, "SoundType: stereo")
}

func TestEncodeAACFrame_RejectsEmpty(t *testing.T) {
	_, err := EncodeAACFrame(nil)
	require.Error(t, err)
}

func TestEncodeMetadata_ProducesOnMetaDataECMAArray(t *testing.T) {
	tag, err := EncodeMetadata(Metadata{
		Width:             1920,
		Height:            1080,
		FrameRate:         30,
		VideoDataRateKbps: 4500,
		AudioDataRateKbps: 128,
		AudioSampleRate:   48000,
	})
	require.NoError(t, err)
	require.NotEmpty(t, tag)

	vals, err := amf.DecodeAll(tag)
	require.NoError(t, err)
	require.Len(t, vals, 2)
	require.Equal(t, "onMetaData", vals[0])

	obj, ok := vals[1].(map[string]interface{})
	require.True(t, ok, "second value must decode as a map")
	require.Equal(t, float64(1920), obj["width"])
	require.Equal(t, float64(7), obj["videocodecid"])
	require.Equal(t, float64(10), obj["audiocodecid"])
	require.Equal(t, true, obj["stereo"])
}
