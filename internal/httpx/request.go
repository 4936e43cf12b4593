package httpx

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/matst80/airfire/internal/proto"
)

// DefaultMaxHeaderBytes bounds the request line plus header section.
const DefaultMaxHeaderBytes = 32 * 1024

var ErrMalformedRequest = errors.New("httpx: malformed request")

var knownMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"HEAD":    true,
	"OPTIONS": true,
	"DELETE":  true,
}

// Request is one parsed control request. Body holds exactly Content-Length
// bytes when that header was present and numeric.
type Request struct {
	Method  string
	Path    string
	Proto   string
	Headers Headers
	Body    []byte
}

// Get returns the first header value for name (case-insensitive).
func (r *Request) Get(name string) string { return r.Headers.Get(name) }

// ContentLength parses the Content-Length header leniently: a missing,
// non-numeric or negative value is zero.
func (r *Request) ContentLength() int {
	return parseContentLength(r.Headers.Get("Content-Length"))
}

func parseContentLength(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WriteTo serialises the request (used by the sender tooling).
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	version := r.Proto
	if version == "" {
		version = "HTTP/1.1"
	}
	fmt.Fprintf(&b, "%s %s %s\r\n", r.Method, r.Path, version)
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	if len(r.Body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.Body))
	}
	b.WriteString("\r\n")
	n, err := io.WriteString(w, b.String())
	total := int64(n)
	if err != nil || len(r.Body) == 0 {
		return total, err
	}
	m, err := w.Write(r.Body)
	return total + int64(m), err
}

// WriteRequest writes req to w.
func WriteRequest(w io.Writer, req *Request) error {
	_, err := req.WriteTo(w)
	return err
}

// Reader parses control messages from one connection. Lines are read
// through a buffered reader; bodies are read with io.ReadFull through the
// same buffer so binary payload bytes are never split into lines.
type Reader struct {
	br        *bufio.Reader
	maxHeader int
	maxBody   int
}

// NewReader wraps r. Non-positive limits select DefaultMaxHeaderBytes and
// proto.DefaultMaxFrameSize.
func NewReader(r io.Reader, maxHeader, maxBody int) *Reader {
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeaderBytes
	}
	if maxBody <= 0 {
		maxBody = int(proto.DefaultMaxFrameSize)
	}
	return &Reader{br: bufio.NewReader(r), maxHeader: maxHeader, maxBody: maxBody}
}

// ReadRequest reads one request. io.EOF means the peer closed the
// connection before sending another request line.
func (r *Reader) ReadRequest() (*Request, error) {
	budget := r.maxHeader
	var line string
	for {
		l, err := r.readLine(&budget)
		if err != nil {
			return nil, err
		}
		if l != "" {
			line = l
			break
		}
	}
	fields := strings.Fields(line)
	if len(fields) != 2 && len(fields) != 3 {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformedRequest, line)
	}
	if !knownMethods[fields[0]] {
		return nil, fmt.Errorf("%w: unknown method %q", ErrMalformedRequest, fields[0])
	}
	req := &Request{Method: fields[0], Path: fields[1]}
	if len(fields) == 3 {
		req.Proto = fields[2]
	}
	headers, err := r.readHeaders(&budget)
	if err != nil {
		return nil, err
	}
	req.Headers = headers
	body, err := r.readBody(req.ContentLength())
	if err != nil {
		return nil, err
	}
	req.Body = body
	return req, nil
}

// ReadResponse reads one response (status line, headers, Content-Length body).
func (r *Reader) ReadResponse() (*Response, error) {
	budget := r.maxHeader
	line, err := r.readLine(&budget)
	if err != nil {
		return nil, err
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return nil, fmt.Errorf("%w: bad status line %q", ErrMalformedRequest, line)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad status code %q", ErrMalformedRequest, fields[1])
	}
	headers, err := r.readHeaders(&budget)
	if err != nil {
		return nil, err
	}
	body, err := r.readBody(parseContentLength(headers.Get("Content-Length")))
	if err != nil {
		return nil, err
	}
	return &Response{Status: status, Headers: headers, Body: body}, nil
}

// readHeaders reads header lines until an empty line. Each line splits on
// the first ": "; lines without that separator are skipped.
func (r *Reader) readHeaders(budget *int) (Headers, error) {
	var headers Headers
	for {
		line, err := r.readLine(budget)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: stream ended inside header section", ErrMalformedRequest)
			}
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
}

func (r *Reader) readBody(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n > r.maxBody {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds %d", proto.ErrFrameTooLarge, n, r.maxBody)
	}
	body := make([]byte, n)
	got, err := io.ReadFull(r.br, body)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: body %d of %d bytes", ErrMalformedRequest, got, n)
		}
		return nil, err
	}
	return body, nil
}

// readLine returns one line without its terminator, charging its length
// against budget. A line cut short by EOF is malformed.
func (r *Reader) readLine(budget *int) (string, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		*budget -= len(chunk)
		if *budget < 0 {
			return "", fmt.Errorf("%w: header section exceeds %d bytes", ErrMalformedRequest, r.maxHeader)
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", fmt.Errorf("%w: %v", ErrMalformedRequest, io.ErrUnexpectedEOF)
		}
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}
