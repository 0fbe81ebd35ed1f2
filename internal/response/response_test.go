package response

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/albertbausili/sws/internal/resolve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOK_Exact(t *testing.T) {
	want := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 12\r\n\r\nhello world\n"
	assert.Equal(t, want, string(OK))
}

// Each canned response must be a well-formed HTTP/1.1 message whose
// Content-Length matches its body.
func TestCanned_WellFormed(t *testing.T) {
	for _, buf := range [][]byte{OK, NotFound, InternalError} {
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(buf)), nil)
		require.NoError(t, err)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()

		assert.Equal(t, int64(len(body)), resp.ContentLength)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		assert.Equal(t, resp.StatusCode, Status(buf))
	}
}

func TestForError(t *testing.T) {
	tests := []struct {
		err  error
		want []byte
	}{
		{fmt.Errorf("%w: /x", resolve.ErrNotFound), NotFound},
		{resolve.ErrForbidden, NotFound},
		{resolve.ErrBadURL, NotFound},
		{resolve.ErrClosed, InternalError},
		{errors.New("stat: input/output error"), InternalError},
	}

	for _, tt := range tests {
		assert.Equal(t, Status(tt.want), Status(ForError(tt.err)), "%v", tt.err)
	}
}

func TestStatus_Garbage(t *testing.T) {
	assert.Zero(t, Status(nil))
	assert.Zero(t, Status([]byte("hello world\n")))
	assert.Zero(t, Status([]byte("HTTP/1.1 abc OK\r\n")))
}
