// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, WAVE headers and sample conversion functions
// Package audio provides the PCM types shared by the server, the wire codec and
// the playback engine.
//
// Streamed songs are normalised to canonical PCM WAVE: a 44-byte header followed
// by interleaved little-endian samples. WAVHeader and ParseWAVHeader convert
// between that header and a Format.
//
// Example:
//
//	header := audio.WAVHeader(audio.CD, uint32(len(pcm)))
//	format, dataLen, err := audio.ParseWAVHeader(header)
package audio
