// ABOUTME: Audio packet framing for the streaming channel
// ABOUTME: Splits a WAVE payload into fixed-size indexed packets
// Package packet implements the streaming channel wire format:
//
//	[44-byte header][4-byte LE packet count][packet]*
//	packet = [4-byte LE index][4092-byte data]
//
// The packet count field holds floor(len(payload)/4092). A trailing packet holding
// the zero-padded remainder follows whenever the payload is not a multiple of
// 4092 bytes, and for an empty payload. Decoders read packets in increasing
// index order; out-of-order reassembly is not supported.
package packet
