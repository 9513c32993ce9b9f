// Package wire encodes and decodes the gateway's bit-exact binary wire
// formats: the Individual and SignedList report shapes and the per-RPC
// request/response frame, all little-endian per spec §6. It also frames
// those bytes with a Modbus CRC16 for serial/debug-link transports that
// need delimiter-free framing over a byte stream.
//
// This package never interprets report signatures or decrypts payloads;
// that is pkg/signedreport's job once it holds a decoded SignedListReport.
package wire
