package httpx

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Response is a control protocol response. Content-Length is derived from
// Body when written and only emitted for a non-empty body.
type Response struct {
	Status  int
	Headers Headers
	Body    []byte
}

// StatusLine formats "HTTP/1.1 <code> <reason>\r\n".
func StatusLine(status int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
}

// WriteTo streams the status line, headers and body to w.
func (resp *Response) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteString(StatusLine(resp.Status))
	for _, h := range resp.Headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	if len(resp.Body) > 0 {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(resp.Body))
	}
	buf.WriteString("\r\n")
	buf.Write(resp.Body)
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// WriteResponse writes resp to w in a single write.
func WriteResponse(w io.Writer, resp *Response) error {
	_, err := resp.WriteTo(w)
	return err
}
