// Package frame implements the base framing protocol of RFC 6455, section 5.
//
// It provides a stateless encoder and an incremental, resumable decoder.
// The decoder accepts input in chunks of any size, with no alignment to frame
// boundaries, and returns frames once all of their bytes have arrived:
//
//	d := frame.NewDecoder(frame.DecoderOptions{Masking: frame.MaskRequired})
//	for {
//	    buf := make([]byte, 4096)
//	    n, err := conn.Read(buf)
//	    frames, derr := d.Feed(buf[:n])
//	    ...
//	}
//
// The decoder keeps references to the chunks it is given, so every read
// needs a fresh buffer.
//
// Protocol violations are reported as *ProtocolError values carrying the
// close code (1002 or 1009) the caller should use when failing the
// connection. The package never closes anything itself.
package frame
