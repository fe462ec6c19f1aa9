package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaderNeedMore(t *testing.T) {
	_, status := ParseHeader(make([]byte, 10), 1024)
	require.Equal(t, ParseNeedMore, status)
}

func TestParseHeaderInvalidMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0x99
	_, status := ParseHeader(buf, 1024)
	require.Equal(t, ParseInvalid, status)
}

func TestParseHeaderInvalidBodyTooLarge(t *testing.T) {
	b := NewRequestBuilder(0x00).Key([]byte("foo")).Value([]byte("bar")).Build()
	_, status := ParseHeader(b, 4)
	require.Equal(t, ParseInvalid, status)
}

func TestBuildAndParseFrameRoundtrip(t *testing.T) {
	raw := NewRequestBuilder(0x00).
		Opaque(0xAA).
		Key([]byte("foo")).
		Value([]byte(`{"v":1}`)).
		Datatype(DatatypeJSON).
		Build()

	f, consumed, status := ParseFrame(raw, 1<<20)
	require.Equal(t, ParseOK, status)
	require.Equal(t, len(raw), consumed)
	require.Equal(t, "foo", string(f.Key))
	require.Equal(t, `{"v":1}`, string(f.Value))
	require.Equal(t, uint32(0xAA), f.Header.Opaque)
	require.True(t, f.Header.Datatype.HasJSON())
}

func TestParseFrameNeedMore(t *testing.T) {
	raw := NewRequestBuilder(0x00).Key([]byte("foo")).Value([]byte("bar")).Build()
	_, _, status := ParseFrame(raw[:HeaderSize+2], 1<<20)
	require.Equal(t, ParseNeedMore, status)
}

func TestInvariantBodyLenEqualsSections(t *testing.T) {
	raw := NewRequestBuilder(0x00).
		FrameInfo(FrameInfo{ID: FrameInfoReorder}).
		Key([]byte("k")).
		Value([]byte("v")).
		Build()

	f, _, status := ParseFrame(raw, 1<<20)
	require.Equal(t, ParseOK, status)
	sum := len(f.FramingExtras) + len(f.Extras) + len(f.Key) + len(f.Value)
	require.Equal(t, int(f.Header.BodyLen), sum)
}

func TestFrameInfoRoundtrip(t *testing.T) {
	infos := []FrameInfo{
		{ID: FrameInfoReorder},
		{ID: FrameInfoDcpStreamID, Payload: []byte{0x00, 0x07}},
		{ID: FrameInfoDurabilityRequirement, Payload: []byte{0x01}},
	}
	encoded := EncodeFrameInfos(infos)

	var decoded []FrameInfo
	err := ParseFrameInfos(encoded, func(fi FrameInfo) error {
		decoded = append(decoded, fi)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, infos, decoded)

	reencoded := EncodeFrameInfos(decoded)
	require.Equal(t, encoded, reencoded)
}

func TestFrameInfoLargeIDAndLength(t *testing.T) {
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}
	fi := FrameInfo{ID: FrameInfoID(0x20), Payload: payload}
	encoded := EncodeFrameInfo(nil, fi)

	var decoded FrameInfo
	err := ParseFrameInfos(encoded, func(got FrameInfo) error {
		decoded = got
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, fi, decoded)
}

func TestFrameInfoOverrun(t *testing.T) {
	// control byte claims length 5 but buffer has none
	err := ParseFrameInfos([]byte{0x25}, func(FrameInfo) error { return nil })
	require.ErrorIs(t, err, ErrFrameInfoOverrun)
}

func TestValidateFrameInfosRejectsUnknownID(t *testing.T) {
	raw := EncodeFrameInfo(nil, FrameInfo{ID: FrameInfoID(0x07), Payload: []byte{0x01}})
	_, err := ValidateFrameInfos(raw)
	require.ErrorIs(t, err, ErrUnknownFrameInfo)
}

func TestHasReorderAndDcpStreamID(t *testing.T) {
	infos := []FrameInfo{
		{ID: FrameInfoReorder},
		{ID: FrameInfoDcpStreamID, Payload: []byte{0x00, 0x07}},
	}
	require.True(t, HasReorder(infos))
	id, ok := DcpStreamID(infos)
	require.True(t, ok)
	require.Equal(t, uint16(7), id)
}

func TestResponseOpaqueEchoesRequest(t *testing.T) {
	req := NewRequestBuilder(0x00).Opaque(0x1234).Key([]byte("foo")).Build()
	reqFrame, _, _ := ParseFrame(req, 1<<20)

	resp := NewResponseBuilder(0x00).
		Opaque(reqFrame.Header.Opaque).
		Status(uint16(0)).
		Build()
	respFrame, _, status := ParseFrame(resp, 1<<20)
	require.Equal(t, ParseOK, status)
	require.Equal(t, reqFrame.Header.Opaque, respFrame.Header.Opaque)
}
