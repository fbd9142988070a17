package chunk

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// Test utilities
func loadGoldenChunk(t *testing.T, name string) []byte { return loadGolden(t, name) }

// buildMessageBytes constructs a single FMT0 single-chunk message (no fragmentation) given parameters.
func buildMessageBytes(t *testing.T, csid uint32, ts uint32, msgType uint8, msid uint32, payload []byte) []byte {
	h := &ChunkHeader{FMT: 0, CSID: csid, Timestamp: ts, MessageLength: uint32(len(payload)), MessageTypeID: msgType, MessageStreamID: msid}
	b, err := EncodeChunkHeader(h, nil)
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	return append(b, payload...)
}

func TestReader_SingleMessageSingleChunk(t *testing.T) {
	payload := []byte("hello rtmp")
	stream := buildMessageBytes(t, 5, 1000, 8, 1, payload)
	r := NewReader(bytes.NewReader(stream), 128)
	msg, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.CSID != 5 || msg.Timestamp != 1000 || msg.TypeID != 8 || msg.MessageStreamID != 1 || string(msg.Payload) != string(payload) {
		t.Fatalf("unexpected msg: %+v", msg)
	}
	if _, err = r.ReadMessage(); err == nil {
		t.Fatalf("expected EOF reading past end of stream")
	}
}

func TestReader_InterleavedMultiChunk_Golden(t *testing.T) {
	data := loadGoldenChunk(t, "chunk_interleaved.bin")
	r := NewReader(bytes.NewReader(data), 128)
	// Expect two messages (audio csid=4 type 8 len=256, video csid=6 type 9 len=256) delivered in order audio->video
	m1, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("m1 err: %v", err)
	}
	if m1.CSID != 4 || m1.TypeID != 8 || len(m1.Payload) != 256 {
		t.Fatalf("m1 mismatch: %+v", m1)
	}
	m2, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("m2 err: %v", err)
	}
	if m2.CSID != 6 || m2.TypeID != 9 || len(m2.Payload) != 256 {
		t.Fatalf("m2 mismatch: %+v", m2)
	}
}

func TestReader_SetChunkSize_Applied(t *testing.T) {
	ctrlPayload := make([]byte, 4)
	ctrlPayload[0] = 0x00
	ctrlPayload[1] = 0x00
	ctrlPayload[2] = 0x10
	ctrlPayload[3] = 0x00 // 4096
	ctrl := buildMessageBytes(t, 2, 0, 1, 0, ctrlPayload)

	largePayload := make([]byte, 3000)
	if _, err := rand.Read(largePayload); err != nil {
		for i := range largePayload {
			largePayload[i] = byte(i)
		}
	}
	large := buildMessageBytes(t, 4, 10, 8, 1, largePayload)
	stream := append(ctrl, large...)
	r := NewReader(bytes.NewReader(stream), 128)
	m1, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("control read: %v", err)
	}
	if m1.TypeID != 1 || len(m1.Payload) != 4 {
		t.Fatalf("unexpected control msg: %+v", m1)
	}
	// Reader must have applied the new chunk size so the 3000-byte message
	// arrives as a single chunk instead of needing fragmentation.
	m2, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("large message read: %v", err)
	}
	if len(m2.Payload) != 3000 {
		t.Fatalf("expected 3000 payload got %d", len(m2.Payload))
	}
}

// TestReader_SoftResync_RecoversAcrossNoise covers P2/S2-adjacent behavior:
// injecting random noise between two valid messages on different CSIDs must
// not permanently desync the assembler.
func TestReader_SoftResync_RecoversAcrossNoise(t *testing.T) {
	first := buildMessageBytes(t, 4, 1000, 8, 1, []byte("first message payload"))
	noise := make([]byte, 500)
	if _, err := rand.Read(noise); err != nil {
		t.Fatalf("rand noise: %v", err)
	}
	second := buildMessageBytes(t, 6, 2000, 9, 1, []byte("second message payload"))

	stream := append(append(first, noise...), second...)
	r := NewReader(bytes.NewReader(stream), 128)

	m1, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("m1 err: %v", err)
	}
	if m1.CSID != 4 || string(m1.Payload) != "first message payload" {
		t.Fatalf("m1 mismatch: %+v", m1)
	}

	m2, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("soft resync should recover and yield m2, got err: %v", err)
	}
	if m2.CSID != 6 || m2.TypeID != 9 || string(m2.Payload) != "second message payload" {
		t.Fatalf("m2 mismatch after resync: %+v", m2)
	}
}

// TestReader_SoftResync_ExhaustsBudget verifies that noise exceeding the
// resync budget propagates a ProtocolDesync rather than hanging or silently
// dropping bytes forever.
func TestReader_SoftResync_ExhaustsBudget(t *testing.T) {
	noise := make([]byte, softResyncMaxBytes+64)
	// Fill with 0xFF: fmt=3 on CSID 63, which has no previous header in this
	// stream, so every header trial fails and the reader keeps skipping bytes
	// until the resync budget is spent.
	for i := range noise {
		noise[i] = 0xFF
	}
	r := NewReader(bytes.NewReader(noise), 128)
	_, err := r.ReadMessage()
	if err == nil {
		t.Fatalf("expected error reading all-noise stream")
	}
}

// Ensure golden file path resolution (sanity) -- not a protocol test; helps coverage for file IO path.
func TestReader_GoldenFileExists(t *testing.T) {
	p := filepath.Join("..", "..", "..", "tests", "golden", "chunk_fmt0_audio.bin")
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			t.Skip("golden file missing")
		}
		t.Fatalf("stat golden: %v", err)
	}
	_ = io.Discard
}
