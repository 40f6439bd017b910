package eventstream

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame assembles a valid frame with one string header headerName->headerVal and
// the given payload, mirroring the wire layout decoder.go expects.
func buildFrame(t *testing.T, headerName, headerVal string, payload []byte) []byte {
	t.Helper()

	var headers []byte
	headers = append(headers, byte(len(headerName)))
	headers = append(headers, headerName...)
	headers = append(headers, TypeString)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(headerVal)))
	headers = append(headers, lenBuf[:]...)
	headers = append(headers, headerVal...)

	totalLen := preludeLen + crcLen + len(headers) + len(payload) + crcLen

	buf := make([]byte, 0, totalLen)
	var totalBuf, headersBuf [4]byte
	binary.BigEndian.PutUint32(totalBuf[:], uint32(totalLen))
	binary.BigEndian.PutUint32(headersBuf[:], uint32(len(headers)))
	buf = append(buf, totalBuf[:]...)
	buf = append(buf, headersBuf[:]...)

	preludeCRC := crc32.ChecksumIEEE(buf)
	var preludeCRCBuf [4]byte
	binary.BigEndian.PutUint32(preludeCRCBuf[:], preludeCRC)
	buf = append(buf, preludeCRCBuf[:]...)

	buf = append(buf, headers...)
	buf = append(buf, payload...)

	frameCRC := crc32.ChecksumIEEE(buf)
	var frameCRCBuf [4]byte
	binary.BigEndian.PutUint32(frameCRCBuf[:], frameCRC)
	buf = append(buf, frameCRCBuf[:]...)

	require.Len(t, buf, totalLen)
	return buf
}

func TestDecodeWholeFrame(t *testing.T) {
	frame := buildFrame(t, ":event-type", "assistant_response_event", []byte(`{"content":"hi"}`))

	d := New()
	d.Feed(frame)

	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "assistant_response_event", f.Headers[":event-type"].String())
	assert.Equal(t, `{"content":"hi"}`, string(f.Payload))

	_, err = d.Next()
	assert.ErrorIs(t, err, ErrNeedMore)
}

func TestDecodeFrameSplitAcrossChunks(t *testing.T) {
	frame := buildFrame(t, ":event-type", "assistant_response_event", []byte(`{"content":"split across chunks"}`))

	d := New()
	chunks := [][]byte{
		frame[:3],
		frame[3:17],
		frame[17:],
	}
	var f *Frame
	var err error
	for _, c := range chunks {
		d.Feed(c)
		f, err = d.Next()
		if err == nil {
			break
		}
		require.ErrorIs(t, err, ErrNeedMore)
	}
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, `{"content":"split across chunks"}`, string(f.Payload))
}

func TestDecodeTwoFramesBackToBack(t *testing.T) {
	frame1 := buildFrame(t, ":event-type", "a", []byte("one"))
	frame2 := buildFrame(t, ":event-type", "b", []byte("two"))

	d := New()
	d.Feed(frame1)
	d.Feed(frame2)

	f1, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "one", string(f1.Payload))

	f2, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "two", string(f2.Payload))
}

func TestDecodeRejectsBadPreludeCRC(t *testing.T) {
	frame := buildFrame(t, ":event-type", "a", []byte("payload"))
	frame[8] ^= 0xFF // corrupt prelude CRC byte

	d := New()
	d.Feed(frame)
	_, err := d.Next()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestDecodeRejectsBadFrameCRC(t *testing.T) {
	frame := buildFrame(t, ":event-type", "a", []byte("payload"))
	frame[len(frame)-1] ^= 0xFF // corrupt trailing frame CRC byte

	d := New()
	d.Feed(frame)
	_, err := d.Next()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestDecodeRejectsBogusLengths(t *testing.T) {
	d := New()
	d.Feed([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 1, 0, 0, 0, 0})
	_, err := d.Next()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}
