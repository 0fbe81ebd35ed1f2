// Package response holds the pre-serialized responses written by connections.
// The buffers are shared by every connection and must never be modified.
package response

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/albertbausili/sws/internal/resolve"
)

var (
	// OK is written for every successfully resolved request.
	OK = []byte("HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 12\r\n" +
		"\r\n" +
		"hello world\n")

	NotFound = []byte("HTTP/1.1 404 Not Found\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 10\r\n" +
		"\r\n" +
		"not found\n")

	InternalError = []byte("HTTP/1.1 500 Internal Server Error\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 15\r\n" +
		"\r\n" +
		"internal error\n")
)

// ForError picks the response for a failed resolution.
func ForError(err error) []byte {
	switch {
	case errors.Is(err, resolve.ErrNotFound),
		errors.Is(err, resolve.ErrForbidden),
		errors.Is(err, resolve.ErrBadURL):
		return NotFound
	default:
		return InternalError
	}
}

// Status extracts the status code from a serialized response, or 0.
func Status(buf []byte) int {
	// "HTTP/1.1 " is 9 bytes, followed by three digits
	if len(buf) < 12 || !bytes.HasPrefix(buf, []byte("HTTP/")) {
		return 0
	}
	code, err := strconv.Atoi(string(buf[9:12]))
	if err != nil {
		return 0
	}
	return code
}
