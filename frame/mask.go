package frame

// Mask XORs data in place with key, starting at key position pos, per
// RFC 6455, section 5.3. It returns the key position following data, so a
// payload can be unmasked across several calls. Masking is self-inverse.
func Mask(key [4]byte, pos int, data []byte) int {
	pos &= 3
	i := 0
	// Align to a key boundary, then process four bytes per iteration.
	for ; i < len(data) && pos != 0; i++ {
		data[i] ^= key[pos]
		pos = (pos + 1) & 3
	}
	for ; i+4 <= len(data); i += 4 {
		data[i] ^= key[0]
		data[i+1] ^= key[1]
		data[i+2] ^= key[2]
		data[i+3] ^= key[3]
	}
	for ; i < len(data); i++ {
		data[i] ^= key[pos]
		pos = (pos + 1) & 3
	}
	return pos
}
