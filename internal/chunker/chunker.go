// Package chunker splits outbound payloads into sequenced fragments that fit
// the radio's MTU, and reassembles inbound fragments with a hybrid timeout.
// Missing fragments are never retransmitted here; that is the sending
// protocol's concern (§4.C).
package chunker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultContentSize is max-frame-bytes (150) minus an 8-byte header
// reserve, giving 142 usable content bytes per frame before chunk framing.
const DefaultContentSize = 142

// header renders the 1-indexed "[<seq>/<total>] " prefix.
func header(seq, total int) string {
	return fmt.Sprintf("[%d/%d] ", seq, total)
}

// Split divides payload into sequenced fragments of at most contentSize
// payload bytes each, every one prefixed with the bracketed header (the
// header is not counted against contentSize). If payload already fits
// within contentSize it is returned unchanged as a single-element slice.
// Returns an error if the payload would require more than maxChunks pieces.
func Split(payload string, contentSize, maxChunks int) ([]string, error) {
	if len(payload) <= contentSize {
		return []string{payload}, nil
	}

	budget := contentSize
	if budget <= 0 {
		return nil, fmt.Errorf("chunker: contentSize %d too small", contentSize)
	}

	total := (len(payload) + budget - 1) / budget
	if total > maxChunks {
		return nil, fmt.Errorf("chunker: payload needs %d chunks, exceeds max %d", total, maxChunks)
	}

	chunks := make([]string, 0, total)
	for i := 0; i < total; i++ {
		start := i * budget
		end := start + budget
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, header(i+1, total)+payload[start:end])
	}
	return chunks, nil
}

// parsedHeader is the result of successfully parsing a "[seq/total] " prefix.
type parsedHeader struct {
	seq, total int
	rest       string
}

func parseHeader(frame string) (parsedHeader, bool) {
	if !strings.HasPrefix(frame, "[") {
		return parsedHeader{}, false
	}
	close := strings.Index(frame, "] ")
	if close < 0 {
		return parsedHeader{}, false
	}
	inner := frame[1:close]
	slash := strings.Index(inner, "/")
	if slash < 0 {
		return parsedHeader{}, false
	}
	seq, err1 := strconv.Atoi(inner[:slash])
	total, err2 := strconv.Atoi(inner[slash+1:])
	if err1 != nil || err2 != nil || seq < 1 || total < 1 || seq > total {
		return parsedHeader{}, false
	}
	return parsedHeader{seq: seq, total: total, rest: frame[close+2:]}, true
}

// bufferKey correlates fragments of the same logical payload.
type bufferKey struct {
	sender string
	total  int
}

type fragmentBuffer struct {
	parts     map[int]string
	created   time.Time
	lastChunk time.Time
}

// Reassembler buffers inbound fragments per (sender_node, total) and
// completes them once every part has arrived, or drops them silently on
// timeout. It is owned by the scheduler and must only be mutated from
// cooperative context (§5) — it is not internally locked.
type Reassembler struct {
	ChunkTimeout time.Duration
	TotalTimeout time.Duration

	buffers map[bufferKey]*fragmentBuffer
}

// NewReassembler returns a Reassembler using the §4.C default timeouts
// (120s per-chunk, 600s total).
func NewReassembler() *Reassembler {
	return &Reassembler{
		ChunkTimeout: 120 * time.Second,
		TotalTimeout: 600 * time.Second,
		buffers:      make(map[bufferKey]*fragmentBuffer),
	}
}

// Feed processes one inbound frame from sender at time now. If the frame has
// no bracketed header it is delivered immediately as a single chunk. If it
// completes a buffered payload, complete is the concatenated result and ok
// is true. Otherwise ok is false and the caller should await more fragments.
func (r *Reassembler) Feed(sender, frame string, now time.Time) (complete string, ok bool) {
	ph, matched := parseHeader(frame)
	if !matched {
		return frame, true
	}

	key := bufferKey{sender: sender, total: ph.total}
	buf, exists := r.buffers[key]
	if !exists {
		buf = &fragmentBuffer{parts: make(map[int]string), created: now}
		r.buffers[key] = buf
	}
	buf.lastChunk = now
	buf.parts[ph.seq] = ph.rest

	if len(buf.parts) != ph.total {
		return "", false
	}

	var b strings.Builder
	for i := 1; i <= ph.total; i++ {
		b.WriteString(buf.parts[i])
	}
	delete(r.buffers, key)
	return b.String(), true
}

// Sweep drops any buffer whose per-chunk timeout or total timeout has
// elapsed as of now. Whichever fires first wins; there is no retransmit
// request, the buffer is simply discarded.
func (r *Reassembler) Sweep(now time.Time) {
	for key, buf := range r.buffers {
		if now.Sub(buf.lastChunk) > r.ChunkTimeout || now.Sub(buf.created) > r.TotalTimeout {
			delete(r.buffers, key)
		}
	}
}

// PendingKeys returns the (sender, total) pairs currently buffered, sorted
// for deterministic iteration — primarily useful in tests and diagnostics.
func (r *Reassembler) PendingKeys() []string {
	keys := make([]string, 0, len(r.buffers))
	for k := range r.buffers {
		keys = append(keys, fmt.Sprintf("%s:%d", k.sender, k.total))
	}
	sort.Strings(keys)
	return keys
}
