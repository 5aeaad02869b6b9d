// ABOUTME: Control-plane wire protocol package
// ABOUTME: Message kinds, payloads and length-prefixed JSON framing
// Package protocol implements the control-plane protocol carried on the
// control channel.
//
// Every frame is a little-endian uint32 length followed by a JSON envelope:
//
//	env, err := protocol.New(protocol.TypeLogin, id, protocol.Login{User: "ana"})
//	err = protocol.WriteFrame(ch, env)
//
//	env, err := protocol.ReadFrame(ch)
//	res, err := protocol.Decode[protocol.AuthResult](env)
package protocol
