package transport

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Framing limits.
const (
	maxLineBytes   = 16 * 1024
	maxHeaderCount = 128

	// DefaultMaxBodyBytes bounds description documents, SOAP envelopes
	// and event bodies. Larger messages are rejected.
	DefaultMaxBodyBytes = 4 * 1024 * 1024
)

// WriteOptions control how a message is framed on the wire.
type WriteOptions struct {
	// KeepAlive requests connection persistence. When false on an
	// HTTP/1.1 write, "Connection: close" is appended.
	KeepAlive bool

	// MaxChunkSize switches the body to chunked transfer encoding when
	// positive and smaller than the body.
	MaxChunkSize int
}

// ReadRequest reads one HTTP request from the connection.
func (c *Conn) ReadRequest() (*Request, error) {
	startLine, header, err := c.readHead()
	if err != nil {
		return nil, err
	}

	method, target, proto, err := parseStartLine(startLine)
	if err != nil {
		return nil, err
	}

	body, err := c.readBody(header, false)
	if err != nil {
		return nil, err
	}

	return &Request{Method: method, Target: target, Proto: proto, Header: header, Body: body}, nil
}

// ReadResponse reads one HTTP response from the connection. A response
// with neither Content-Length nor chunked encoding is read until the peer
// closes.
func (c *Conn) ReadResponse() (*Response, error) {
	startLine, header, err := c.readHead()
	if err != nil {
		return nil, err
	}

	proto, statusStr, reason, err := parseStartLine(startLine)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedMessage, startLine)
	}
	status, err := parseStatus(statusStr)
	if err != nil {
		return nil, err
	}

	body, err := c.readBody(header, true)
	if err != nil {
		return nil, err
	}

	return &Response{Status: status, Reason: reason, Proto: proto, Header: header, Body: body}, nil
}

// readHead consumes the start line and header block.
func (c *Conn) readHead() (string, *Header, error) {
	startLine, err := c.readLine(maxLineBytes)
	if err != nil {
		return "", nil, err
	}
	// Tolerate a stray CRLF before the start line (RFC 7230 §3.5).
	if startLine == "" {
		startLine, err = c.readLine(maxLineBytes)
		if err != nil {
			return "", nil, err
		}
	}

	header := NewHeader()
	for count := 0; ; count++ {
		if count > maxHeaderCount {
			return "", nil, ErrMessageTooLarge
		}
		line, err := c.readLine(maxLineBytes)
		if err != nil {
			return "", nil, err
		}
		if line == "" {
			break
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return "", nil, err
		}
		header.Add(name, value)
	}
	return startLine, header, nil
}

// readBody assembles the message body per the header block. Declaring
// both chunked encoding and a content length is rejected.
func (c *Conn) readBody(header *Header, untilClose bool) ([]byte, error) {
	chunked := strings.Contains(strings.ToLower(header.Get(HeaderTransferEncoding)), "chunked")
	hasLength := header.Has(HeaderContentLength)

	if chunked && hasLength {
		return nil, fmt.Errorf("%w: both chunked and content-length", ErrMalformedMessage)
	}

	switch {
	case chunked:
		return c.readChunkedBody()
	case hasLength:
		length, err := strconv.Atoi(header.Get(HeaderContentLength))
		if err != nil || length < 0 {
			return nil, fmt.Errorf("%w: content-length %q", ErrMalformedMessage,
				header.Get(HeaderContentLength))
		}
		if length > DefaultMaxBodyBytes {
			return nil, ErrMessageTooLarge
		}
		body := make([]byte, length)
		if err := c.readFull(body); err != nil {
			return nil, err
		}
		return body, nil
	case untilClose:
		return c.readUntilClose()
	default:
		return nil, nil
	}
}

// readChunkedBody assembles a chunked body: hex size line (extensions
// ignored), data, CRLF per chunk; a zero chunk ends the body and trailing
// headers are discarded.
func (c *Conn) readChunkedBody() ([]byte, error) {
	var body []byte
	for {
		sizeLine, err := c.readLine(maxLineBytes)
		if err != nil {
			return nil, err
		}
		sizeField, _, _ := strings.Cut(sizeLine, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 32)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%w: chunk size %q", ErrMalformedMessage, sizeLine)
		}

		if size == 0 {
			// Discard trailers.
			for {
				line, err := c.readLine(maxLineBytes)
				if err != nil {
					return nil, err
				}
				if line == "" {
					return body, nil
				}
			}
		}

		if len(body)+int(size) > DefaultMaxBodyBytes {
			return nil, ErrMessageTooLarge
		}
		chunk := make([]byte, size)
		if err := c.readFull(chunk); err != nil {
			return nil, err
		}
		body = append(body, chunk...)

		crlf, err := c.readLine(maxLineBytes)
		if err != nil {
			return nil, err
		}
		if crlf != "" {
			return nil, fmt.Errorf("%w: missing chunk terminator", ErrMalformedMessage)
		}
	}
}

// readUntilClose drains the connection until the peer closes.
func (c *Conn) readUntilClose() ([]byte, error) {
	var body []byte
	buf := make([]byte, 8192)
	for {
		n, err := c.br.Read(buf)
		body = append(body, buf[:n]...)
		if len(body) > DefaultMaxBodyBytes {
			return nil, ErrMessageTooLarge
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return body, nil
			}
			if errors.Is(err, upnp.ErrShuttingDown) || errors.Is(err, ErrTimeout) {
				return nil, err
			}
			// A peer that resets instead of closing still delivered the
			// body; treat any terminal error after bytes as end-of-body.
			if len(body) > 0 {
				return body, nil
			}
			return nil, err
		}
	}
}

// WriteRequest writes a request message.
func (c *Conn) WriteRequest(req *Request, opts WriteOptions) error {
	startLine := fmt.Sprintf("%s %s %s", req.Method, req.Target, req.Proto)
	return c.writeMessage(startLine, req.Proto, req.Header, req.Body, opts)
}

// WriteResponse writes a response message.
func (c *Conn) WriteResponse(resp *Response, opts WriteOptions) error {
	reason := resp.Reason
	if reason == "" {
		reason = reasonPhrase(resp.Status)
	}
	startLine := fmt.Sprintf("%s %d %s", resp.Proto, resp.Status, reason)
	return c.writeMessage(startLine, resp.Proto, resp.Header, resp.Body, opts)
}

// writeMessage emits the header block followed by the body, chunked when
// requested. A DATE header is appended automatically; "Connection: close"
// is appended on HTTP/1.1 writes when keep-alive is not requested.
func (c *Conn) writeMessage(startLine, proto string, header *Header, body []byte, opts WriteOptions) error {
	if header == nil {
		header = NewHeader()
	}
	if !header.Has(HeaderDate) {
		header.Set(HeaderDate, FormatDate(time.Now()))
	}

	chunked := opts.MaxChunkSize > 0 && opts.MaxChunkSize < len(body)
	if chunked {
		header.Set(HeaderTransferEncoding, "chunked")
		header.Del(HeaderContentLength)
	} else {
		header.Set(HeaderContentLength, strconv.Itoa(len(body)))
		header.Del(HeaderTransferEncoding)
	}

	if !opts.KeepAlive && proto != "HTTP/1.0" && !header.Has(HeaderConnection) {
		header.Set(HeaderConnection, "close")
	}

	var sb strings.Builder
	sb.WriteString(startLine)
	sb.WriteString("\r\n")
	header.writeTo(&sb)
	sb.WriteString("\r\n")

	if err := c.writeAll([]byte(sb.String())); err != nil {
		return err
	}

	if !chunked {
		return c.writeAll(body)
	}

	for len(body) > 0 {
		chunk := body
		if len(chunk) > opts.MaxChunkSize {
			chunk = chunk[:opts.MaxChunkSize]
		}
		body = body[len(chunk):]

		if err := c.writeAll([]byte(fmt.Sprintf("%x\r\n", len(chunk)))); err != nil {
			return err
		}
		if err := c.writeAll(chunk); err != nil {
			return err
		}
		if err := c.writeAll([]byte("\r\n")); err != nil {
			return err
		}
	}
	return c.writeAll([]byte("0\r\n\r\n"))
}
