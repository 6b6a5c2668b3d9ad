package gtfscsv

// SplitTail divides a fetched byte range into the complete leading portion
// and the trailing partial record. The split point is the last line
// terminator that is not inside a quoted field, so a logical row is never
// split across a chunk boundary; the caller carries rest forward as the
// start of the next chunk. When the buffer contains no complete record,
// complete is nil and rest is the whole buffer.
func SplitTail(buf []byte) (complete, rest []byte) {
	last := -1
	inQuotes := false
	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case quote:
			inQuotes = !inQuotes
		case '\n':
			if !inQuotes {
				last = i
			}
		}
	}
	if last < 0 {
		return nil, buf
	}
	return buf[:last+1], buf[last+1:]
}

// JoinCarry prepends the carried-over partial record from the previous
// chunk to the current chunk's bytes.
func JoinCarry(carry, chunk []byte) []byte {
	if len(carry) == 0 {
		return chunk
	}
	joined := make([]byte, 0, len(carry)+len(chunk))
	joined = append(joined, carry...)
	joined = append(joined, chunk...)
	return joined
}
