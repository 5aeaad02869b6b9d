// ABOUTME: Audio output sinks for the playback engine
// ABOUTME: malgo, oto and a paced discard sink
// Package sink provides output devices for the playback engine.
//
// Malgo drives a miniaudio device from its data callback, Oto feeds a
// persistent oto player, and Discard paces buffers on a clock without any
// device, for headless runs and tests.
package sink
