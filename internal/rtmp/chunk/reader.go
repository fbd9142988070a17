package chunk

// Dechunker implementation.
// Reassembles RTMP messages from an interleaved stream of chunks, honoring
// per-CSID state, header compression, extended timestamps, and dynamic
// inbound chunk size changes (Set Chunk Size control message, type id 1).
//
// Design goals:
//  - Single pass streaming: no buffering beyond current chunk & in‑flight message buffers.
//  - Stateful per CSID using ChunkStreamState from state.go.
//  - Protocol fidelity: header parsing delegated to ParseChunkHeader (header.go).
//  - Minimal allocations: reuse scratch buffer for chunk payload reads.
//  - Soft resync: a corrupt header or out-of-band noise does not kill the
//    connection; the reader hunts forward for the next plausible basic
//    header byte instead of propagating immediately.
//
// Public contract:
//  NewReader(r, initialChunkSize) *Reader
//  (*Reader).SetChunkSize(size)   -- external override (e.g. after control handler)
//  (*Reader).ReadMessage() (*Message, error) -- blocking read returning next complete message.
//
// Error model:
//  Returns *errors.ChunkError wrapping underlying IO/parse/state issues.
//  io.EOF is passed through only when encountered before starting a new header.
//  A parse/state error other than EOF triggers soft resync (see trySoftResync);
//  if resync exhausts its budget, *errors.ProtocolDesync is returned.

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	protoerr "github.com/st-vunguyen/rtmp-publisher/internal/errors"
	"github.com/st-vunguyen/rtmp-publisher/internal/logger"
)

// softResyncMaxBytes bounds how much noise the reader will skip while
// hunting for the next plausible basic-header byte before giving up.
const softResyncMaxBytes = 1024

// headerPeekBytes is large enough to hold the worst-case header: 3-byte
// basic header + 11-byte FMT0 message header + 4-byte extended timestamp.
const headerPeekBytes = 18

// Reader converts a byte stream of RTMP chunks into complete Messages.
// Not safe for concurrent use; expected usage is a single read loop goroutine.
type Reader struct {
	br         *bufio.Reader
	chunkSize  uint32 // inbound chunk size (payload per chunk, sans headers)
	states     map[uint32]*ChunkStreamState
	prevHeader map[uint32]*ChunkHeader // last parsed header per CSID (for FMT3 continuity)
	scratch    []byte                  // reused payload buffer sized to current chunkSize
}

// NewReader creates a new dechunker with the provided initial inbound chunk size (spec default 128).
func NewReader(r io.Reader, chunkSize uint32) *Reader {
	if chunkSize == 0 {
		chunkSize = 128
	}
	return &Reader{
		br:         bufio.NewReaderSize(r, 4096),
		chunkSize:  chunkSize,
		states:     make(map[uint32]*ChunkStreamState),
		prevHeader: make(map[uint32]*ChunkHeader),
	}
}

// SetChunkSize overrides the inbound chunk size; safe to call between ReadMessage invocations.
func (r *Reader) SetChunkSize(size uint32) {
	if size >= 1 && size <= 65536 { // basic sanity; spec permits up to at least 65536 in typical impls
		r.chunkSize = size
		// Reset scratch so it can be reallocated lazily to new size when needed.
		r.scratch = nil
	}
}

// parseHeaderFrom parses one chunk header from src, consulting/updating
// r.prevHeader for FMT1/2/3 inheritance. This is shared between the normal
// streaming path (src == r.br) and the soft-resync trial path (src wraps a
// peeked-but-not-yet-consumed byte slice).
func (r *Reader) parseHeaderFrom(src io.Reader) (*ChunkHeader, error) {
	var first [1]byte
	if _, err := io.ReadFull(src, first[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, err
		}
		return nil, protoerr.NewChunkError("reader.basic_header", err)
	}
	fmtVal := first[0] >> 6
	raw := first[0] & 0x3F
	csid := uint32(0)
	switch raw {
	case 0:
		var b1 [1]byte
		if _, err := io.ReadFull(src, b1[:]); err != nil {
			return nil, protoerr.NewChunkError("reader.basic_header.2byte", err)
		}
		csid = uint32(b1[0]) + 64
	case 1:
		var b2 [2]byte
		if _, err := io.ReadFull(src, b2[:]); err != nil {
			return nil, protoerr.NewChunkError("reader.basic_header.3byte", err)
		}
		// Operator precedence matters: add after shifting, not OR after shifting.
		csid = 64 + uint32(b2[0]) + (uint32(b2[1]) << 8)
	default:
		csid = uint32(raw)
	}
	if csid < 2 {
		return nil, protoerr.NewChunkError("reader.basic_header", fmt.Errorf("csid %d reserved", csid))
	}

	h := &ChunkHeader{FMT: fmtVal, CSID: csid}
	var err error
	switch fmtVal {
	case 0:
		var mh [11]byte
		if _, err = io.ReadFull(src, mh[:]); err != nil {
			return nil, protoerr.NewChunkError("reader.message_header.fmt0", err)
		}
		abs := uint32(mh[0])<<16 | uint32(mh[1])<<8 | uint32(mh[2])
		h.Timestamp = abs
		h.MessageLength = uint32(mh[3])<<16 | uint32(mh[4])<<8 | uint32(mh[5])
		h.MessageTypeID = mh[6]
		h.MessageStreamID = binary.LittleEndian.Uint32(mh[7:11])
		if abs == extendedTimestampMarker {
			var ext [4]byte
			if _, err = io.ReadFull(src, ext[:]); err != nil {
				return nil, protoerr.NewChunkError("reader.extended_timestamp.fmt0", err)
			}
			h.HasExtendedTimestamp = true
			val := binary.BigEndian.Uint32(ext[:])
			h.ExtendedTimestampValue = val
			h.Timestamp = val
		}
	case 1:
		var mh [7]byte
		if _, err = io.ReadFull(src, mh[:]); err != nil {
			return nil, protoerr.NewChunkError("reader.message_header.fmt1", err)
		}
		delta := uint32(mh[0])<<16 | uint32(mh[1])<<8 | uint32(mh[2])
		h.Timestamp = delta
		h.IsDelta = true
		h.MessageLength = uint32(mh[3])<<16 | uint32(mh[4])<<8 | uint32(mh[5])
		h.MessageTypeID = mh[6]
		if prev := r.prevHeader[csid]; prev != nil {
			h.MessageStreamID = prev.MessageStreamID
		}
		if delta == extendedTimestampMarker {
			var ext [4]byte
			if _, err = io.ReadFull(src, ext[:]); err != nil {
				return nil, protoerr.NewChunkError("reader.extended_timestamp.fmt1", err)
			}
			h.HasExtendedTimestamp = true
			val := binary.BigEndian.Uint32(ext[:])
			h.ExtendedTimestampValue = val
			h.Timestamp = val
		}
	case 2:
		var mh [3]byte
		if _, err = io.ReadFull(src, mh[:]); err != nil {
			return nil, protoerr.NewChunkError("reader.message_header.fmt2", err)
		}
		delta := uint32(mh[0])<<16 | uint32(mh[1])<<8 | uint32(mh[2])
		h.Timestamp = delta
		h.IsDelta = true
		if delta == extendedTimestampMarker {
			var ext [4]byte
			if _, err = io.ReadFull(src, ext[:]); err != nil {
				return nil, protoerr.NewChunkError("reader.extended_timestamp.fmt2", err)
			}
			h.HasExtendedTimestamp = true
			val := binary.BigEndian.Uint32(ext[:])
			h.ExtendedTimestampValue = val
			h.Timestamp = val
		}
		if prev := r.prevHeader[csid]; prev != nil {
			h.MessageLength = prev.MessageLength
			h.MessageTypeID = prev.MessageTypeID
			h.MessageStreamID = prev.MessageStreamID
		}
	case 3:
		prev := r.prevHeader[csid]
		if prev == nil {
			return nil, protoerr.NewChunkError("reader.message_header.fmt3", fmt.Errorf("missing previous header for csid %d", csid))
		}
		*h = *prev
		h.FMT = 3
		// Format-3 continuations re-read the extended timestamp iff the
		// message they continue was itself extended-timestamped (carried
		// forward explicitly on the per-CSID previous header, not
		// re-derived from message-length arithmetic - see spec open
		// question resolution).
		if prev.HasExtendedTimestamp {
			var ext [4]byte
			if _, err = io.ReadFull(src, ext[:]); err != nil {
				return nil, protoerr.NewChunkError("reader.extended_timestamp.fmt3", err)
			}
			val := binary.BigEndian.Uint32(ext[:])
			h.ExtendedTimestampValue = val
			h.Timestamp = val
		}
	default:
		return nil, protoerr.NewChunkError("reader.message_header", fmt.Errorf("unsupported fmt %d", fmtVal))
	}
	return h, nil
}

// nextHeader parses the next chunk header directly off the live stream.
func (r *Reader) nextHeader() (*ChunkHeader, error) {
	return r.parseHeaderFrom(r.br)
}

// trySoftResync hunts forward for the next plausible basic-header byte after
// a decode error, per spec §4.2: consume up to softResyncMaxBytes searching
// for a header that parses cleanly, logging the number of bytes skipped.
// Returns the recovered header on success, or *errors.ProtocolDesync if the
// budget is exhausted.
func (r *Reader) trySoftResync(cause error) (*ChunkHeader, error) {
	skipped := 0
	for skipped < softResyncMaxBytes {
		peek, peekErr := r.br.Peek(headerPeekBytes)
		if len(peek) == 0 {
			if peekErr != nil {
				return nil, peekErr
			}
			return nil, protoerr.NewProtocolDesync("reader.soft_resync", skipped, cause)
		}
		h, err := r.parseHeaderFrom(bytes.NewReader(peek))
		if err == nil {
			consumed := headerWireSize(h, peek)
			if _, discardErr := r.br.Discard(consumed); discardErr != nil {
				return nil, protoerr.NewChunkError("reader.soft_resync.discard", discardErr)
			}
			logger.Logger().Warn("rtmp chunk soft resync recovered", "bytes_skipped", skipped, "csid", h.CSID)
			return h, nil
		}
		if _, discardErr := r.br.Discard(1); discardErr != nil {
			return nil, protoerr.NewChunkError("reader.soft_resync.discard", discardErr)
		}
		skipped++
	}
	return nil, protoerr.NewProtocolDesync("reader.soft_resync", skipped, cause)
}

// headerWireSize recomputes how many bytes of peek were actually consumed by
// a successful trial parse, by re-running the (cheap, allocation-free) basic
// header size logic plus the per-FMT fixed sizes.
func headerWireSize(h *ChunkHeader, peek []byte) int {
	raw := peek[0] & 0x3F
	basic := 1
	switch raw {
	case 0:
		basic = 2
	case 1:
		basic = 3
	}
	var msgHdr int
	switch h.FMT {
	case 0:
		msgHdr = 11
	case 1:
		msgHdr = 7
	case 2:
		msgHdr = 3
	case 3:
		msgHdr = 0
	}
	n := basic + msgHdr
	if h.HasExtendedTimestamp {
		n += 4
	}
	return n
}

// ReadMessage blocks until the next complete RTMP message is reassembled or an error occurs.
// It transparently updates internal chunk size on receiving a Set Chunk Size (type id 1) control message.
func (r *Reader) ReadMessage() (*Message, error) {
	for {
		// Parse next chunk header
		h, err := r.nextHeader()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, err
			}
			h, err = r.trySoftResync(err)
			if err != nil {
				return nil, err
			}
		}
		csid := h.CSID
		// Fetch / init state
		st := r.states[csid]
		if st == nil {
			st = &ChunkStreamState{CSID: csid}
			r.states[csid] = st
		}
		if applyErr := st.ApplyHeader(h); applyErr != nil {
			h, err = r.trySoftResync(applyErr)
			if err != nil {
				return nil, err
			}
			csid = h.CSID
			st = r.states[csid]
			if st == nil {
				st = &ChunkStreamState{CSID: csid}
				r.states[csid] = st
			}
			if applyErr := st.ApplyHeader(h); applyErr != nil {
				return nil, applyErr
			}
		}
		// Store header as previous for this CSID (for FMT2 inheritance / FMT3 continuation)
		r.prevHeader[csid] = h

		// Determine bytes to read for this chunk
		remaining := st.BytesRemaining()
		if remaining == 0 { // possible zero-length message
			complete, msg, appendErr := st.AppendChunkData(nil)
			if appendErr != nil {
				return nil, appendErr
			}
			if complete {
				r.maybeHandleControl(msg)
				return msg, nil
			}
			continue // need next header
		}
		readLen := remaining
		if readLen > r.chunkSize {
			readLen = r.chunkSize
		}
		// Ensure scratch buffer capacity
		if uint32(cap(r.scratch)) < readLen {
			r.scratch = make([]byte, readLen)
		}
		buf := r.scratch[:readLen]
		if _, readErr := io.ReadFull(r.br, buf); readErr != nil {
			return nil, protoerr.NewChunkError("reader.read_chunk", readErr)
		}
		complete, msg, appendErr := st.AppendChunkData(buf)
		if appendErr != nil {
			return nil, appendErr
		}
		if complete {
			r.maybeHandleControl(msg)
			return msg, nil
		}
		// Otherwise loop for next chunk (interleaving naturally supported because we restart header parse)
	}
}

// maybeHandleControl inspects message for Set Chunk Size and applies size update immediately.
func (r *Reader) maybeHandleControl(msg *Message) {
	if msg == nil {
		return
	}
	// RTMP control messages (chunk type ID 1-6) travel typically on CSID 2, msid 0.
	if msg.TypeID == 1 && msg.MessageStreamID == 0 && len(msg.Payload) >= 4 {
		v := binary.BigEndian.Uint32(msg.Payload[:4])
		if v < 64 { // clamp to [64, 2^20]
			v = 64
		} else if v > 1<<20 {
			v = 1 << 20
		}
		r.chunkSize = v
		r.scratch = nil
	}
}
