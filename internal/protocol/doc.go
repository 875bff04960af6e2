// Package protocol implements the binary message framing used on the TCP
// transport: a 5-byte header (type + payload length) followed by either a
// binary audio frame payload or a JSON control/result payload.
package protocol
