package media

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func TestSplitAnnexB(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1F}
	pps := []byte{0x68, 0xCE}
	idr := []byte{0x65, 0x01, 0x02, 0x03}

	nals := SplitAnnexB(annexB(sps, pps, idr))
	require.Len(t, nals, 3)
	require.Equal(t, sps, nals[0])
	require.Equal(t, pps, nals[1])
	require.Equal(t, idr, nals[2])
}

func TestSplitAnnexB_MixedStartCodeLengths(t *testing.T) {
	var data []byte
	data = append(data, 0x00, 0x00, 0x01, 0x67, 0xAA) // 3-byte start code
	data = append(data, 0x00, 0x00, 0x00, 0x01, 0x68, 0xBB, 0xCC)

	nals := SplitAnnexB(data)
	require.Len(t, nals, 2)
	require.Equal(t, []byte{0x67, 0xAA}, nals[0])
	require.Equal(t, []byte{0x68, 0xBB, 0xCC}, nals[1])
}

func TestSplitAnnexB_NoStartCode(t *testing.T) {
	require.Nil(t, SplitAnnexB([]byte{0x01, 0x02, 0x03}))
}

func TestNALType(t *testing.T) {
	require.Equal(t, uint8(NALTypeSPS), NALType([]byte{0x67}))
	require.Equal(t, uint8(NALTypePPS), NALType([]byte{0x68}))
	require.Equal(t, uint8(NALTypeSliceIDR), NALType([]byte{0x65}))
	require.Equal(t, uint8(0), NALType(nil))
}

func TestExtractParameterSets(t *testing.T) {
	sps := []byte{0x67, 0x01}
	pps := []byte{0x68, 0x02}
	idr := []byte{0x65, 0x03}

	gotSPS, gotPPS, ok := ExtractParameterSets([][]byte{sps, pps, idr})
	require.True(t, ok)
	require.Equal(t, sps, gotSPS)
	require.Equal(t, pps, gotPPS)

	_, _, ok = ExtractParameterSets([][]byte{idr})
	require.False(t, ok)
}

func TestContainsKeyframe(t *testing.T) {
	require.True(t, ContainsKeyframe([][]byte{{0x65, 0x01}}))
	require.False(t, ContainsKeyframe([][]byte{{0x61, 0x01}}))
}

func TestAnnexBToAVCC(t *testing.T) {
	a := []byte{0x65, 0xAA, 0xBB}
	b := []byte{0x06, 0xCC}

	avcc, err := AnnexBToAVCC([][]byte{a, b})
	require.NoError(t, err)

	require.Equal(t, uint32(len(a)), binary.BigEndian.Uint32(avcc[0:4]))
	require.Equal(t, a, avcc[4:4+len(a)])
	off := 4 + len(a)
	require.Equal(t, uint32(len(b)), binary.BigEndian.Uint32(avcc[off:off+4]))
	require.Equal(t, b, avcc[off+4:off+4+len(b)])
}

func TestAnnexBToAVCC_RejectsEmpty(t *testing.T) {
	_, err := AnnexBToAVCC(nil)
	require.Error(t, err)
}
