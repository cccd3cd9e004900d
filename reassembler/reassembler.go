// Package reassembler reconstructs an ordered byte stream from arbitrarily
// overlapping, out-of-order (index, bytes, is_last) fragments and feeds the
// result into a bytestream.ByteStream.
package reassembler

import "tcpip-stack/bytestream"

// interval is a disjoint, half-open pending span [start, start+len(data)).
type interval struct {
	start uint64
	data  []byte
}

func (iv interval) end() uint64 { return iv.start + uint64(len(iv.data)) }

// Reassembler owns the ByteStream it writes reassembled bytes into.
type Reassembler struct {
	output *bytestream.ByteStream

	nextIndex     uint64 // next byte index the stream is expecting
	lastSeen      bool   // have we observed a fragment marked is_last that reaches the end
	pendingBytes  uint64
	pending       []interval // sorted by start, mutually disjoint
}

// New constructs a Reassembler that delivers into output.
func New(output *bytestream.ByteStream) *Reassembler {
	return &Reassembler{output: output}
}

// Output returns the underlying byte stream.
func (r *Reassembler) Output() *bytestream.ByteStream { return r.output }

// CountBytesPending returns the number of bytes currently held internally,
// not yet deliverable because earlier bytes are still missing.
func (r *Reassembler) CountBytesPending() uint64 { return r.pendingBytes }

// Insert accepts a new substring of the byte stream. See spec.md 4.C for the
// numbered algorithm this follows step for step.
func (r *Reassembler) Insert(firstIndex uint64, data []byte, isLast bool) {
	w := r.output

	availCap := w.AvailableCapacity()
	lowerBound := r.nextIndex
	upperBound := lowerBound + availCap // exclusive acceptance bound

	// Step 2: nothing can be accepted right now.
	if availCap == 0 || w.IsClosed() || firstIndex >= upperBound {
		return
	}

	// Step 3: truncate any tail beyond the acceptance window. Preserve
	// is_last iff truncation did not actually drop any byte (open question
	// in spec.md 9, resolved there in favor of this rule).
	if firstIndex+uint64(len(data)) > upperBound {
		keep := upperBound - firstIndex
		dropped := uint64(len(data)) - keep
		data = data[:keep]
		if dropped > 0 {
			isLast = false
		}
	}

	// Step 4: entirely already consumed.
	if firstIndex+uint64(len(data)) <= lowerBound {
		return
	}

	// Step 5: drop the already-consumed leading portion.
	if firstIndex < lowerBound {
		data = data[lowerBound-firstIndex:]
		firstIndex = lowerBound
	}

	// Step 6: record last-seen for whatever fragment survives to here.
	if isLast {
		r.lastSeen = true
	}

	if firstIndex == r.nextIndex {
		// Step 7: deliver directly, then drain contiguous pending intervals.
		r.deliver(data)
		r.drainPending()
	} else {
		// Step 8: merge into the pending buffer.
		r.mergePending(firstIndex, data)
	}

	// Step 9: close once every observed byte through the end has been
	// delivered and nothing remains pending.
	if r.lastSeen && len(r.pending) == 0 {
		w.Close()
	}
}

// deliver writes data (already known to start exactly at nextIndex) to the
// writer and advances nextIndex.
func (r *Reassembler) deliver(data []byte) {
	if len(data) == 0 {
		return
	}
	r.output.Push(data)
	r.nextIndex += uint64(len(data))
}

// drainPending pushes any pending intervals that have become contiguous with
// nextIndex, in order, removing each as it is delivered.
func (r *Reassembler) drainPending() {
	for len(r.pending) > 0 {
		front := r.pending[0]
		if front.start > r.nextIndex {
			break
		}
		r.pendingBytes -= uint64(len(front.data))
		r.pending = r.pending[1:]
		// A direct delivery (step 7) can subsume an interval entirely --
		// e.g. a later, larger fragment covers a smaller one buffered
		// earlier. Such an interval carries nothing new; discard it rather
		// than slicing past its end.
		if front.end() <= r.nextIndex {
			continue
		}
		// front.start <= nextIndex < front.end(): drop the overlap with
		// what's already delivered, then deliver the remainder.
		data := front.data
		if front.start < r.nextIndex {
			data = data[r.nextIndex-front.start:]
		}
		r.deliver(data)
	}
}

// mergePending inserts [firstIndex, firstIndex+len(data)) into the pending
// set, coalescing with any overlapping intervals so the set stays disjoint
// and sorted. Where fragments overlap, bytes already present are preferred
// and the new fragment only extends coverage into gaps it fills (spec.md
// 4.C's merge policy).
func (r *Reassembler) mergePending(firstIndex uint64, data []byte) {
	start := firstIndex
	end := firstIndex + uint64(len(data))
	if start == end {
		return
	}

	lo := 0
	for lo < len(r.pending) && r.pending[lo].end() < start {
		lo++
	}
	hi := lo
	for hi < len(r.pending) && r.pending[hi].start <= end {
		hi++
	}

	if lo == hi {
		// No overlap with any existing interval: plain insert.
		r.pendingBytes += uint64(len(data))
		r.pending = append(r.pending, interval{})
		copy(r.pending[lo+1:], r.pending[lo:])
		r.pending[lo] = interval{start: start, data: append([]byte(nil), data...)}
		return
	}

	// Merge [lo, hi) with the new fragment into one interval spanning
	// [min(start), max(end)), preferring already-present bytes on overlap.
	mergedStart := start
	mergedEnd := end
	for i := lo; i < hi; i++ {
		if r.pending[i].start < mergedStart {
			mergedStart = r.pending[i].start
		}
		if r.pending[i].end() > mergedEnd {
			mergedEnd = r.pending[i].end()
		}
		r.pendingBytes -= uint64(len(r.pending[i].data))
	}

	merged := make([]byte, mergedEnd-mergedStart)
	// Lay the new fragment down first, then overlay already-present bytes
	// from existing intervals so pre-existing data wins ties.
	copy(merged[start-mergedStart:], data)
	for i := lo; i < hi; i++ {
		iv := r.pending[i]
		copy(merged[iv.start-mergedStart:], iv.data)
	}

	r.pendingBytes += uint64(len(merged))
	newInterval := interval{start: mergedStart, data: merged}
	r.pending = append(r.pending[:lo], append([]interval{newInterval}, r.pending[hi:]...)...)
}
