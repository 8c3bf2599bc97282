package transport

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gladhorn/hupnp/pkg/upnp"
)

func pipePair() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a, nil), NewConn(b, nil)
}

func TestHeaderBasics(t *testing.T) {
	h := NewHeader()
	h.Set("Content-Type", `text/xml; charset="utf-8"`)
	h.Add("CALLBACK", "<http://192.168.1.2:5000/cb>")
	h.Add("CALLBACK", "<http://192.168.1.3:5000/cb>")

	if got := h.Get("content-type"); got != `text/xml; charset="utf-8"` {
		t.Errorf("case-insensitive Get = %q", got)
	}
	if got := h.Values("callback"); len(got) != 2 {
		t.Errorf("Values = %v", got)
	}

	h.Del("Content-Type")
	if h.Has("CONTENT-TYPE") || h.Len() != 1 {
		t.Error("Del failed")
	}
}

func TestHeaderEqual(t *testing.T) {
	a := NewHeader()
	a.Set("NT", "upnp:event")
	a.Set("SID", "uuid:x")

	b := NewHeader()
	b.Set("sid", "uuid:x")
	b.Set("nt", "upnp:event")

	if !a.Equal(b) {
		t.Error("logically equal headers not Equal")
	}

	b.Set("SEQ", "0")
	if a.Equal(b) {
		t.Error("unequal headers reported Equal")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	req := NewRequest("POST", "/control")
	req.Header.Set("SOAPACTION", `"urn:schemas-upnp-org:service:SwitchPower:1#SetTarget"`)
	req.Body = []byte("<body/>")

	done := make(chan error, 1)
	go func() {
		done <- client.WriteRequest(req, WriteOptions{KeepAlive: true})
	}()

	got, err := server.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteRequest failed: %v", err)
	}

	if got.Method != "POST" || got.Target != "/control" || got.Proto != "HTTP/1.1" {
		t.Errorf("start line = %s %s %s", got.Method, got.Target, got.Proto)
	}
	if string(got.Body) != "<body/>" {
		t.Errorf("body = %q", got.Body)
	}
	if !got.Header.Has("DATE") {
		t.Error("DATE header not appended")
	}
	if got.Header.Get("CONTENT-LENGTH") != "7" {
		t.Errorf("content-length = %q", got.Header.Get("CONTENT-LENGTH"))
	}
}

func TestResponseConnectionClose(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	resp := NewResponse(200, "")
	resp.Body = []byte("ok")

	go server.WriteResponse(resp, WriteOptions{})

	got, err := client.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if got.Status != 200 || string(got.Body) != "ok" {
		t.Errorf("got %d %q", got.Status, got.Body)
	}
	if got.Header.Get("CONNECTION") != "close" {
		t.Error("Connection: close not appended without keep-alive")
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	body := strings.Repeat("0123456789", 100)
	resp := NewResponse(200, "")
	resp.Body = []byte(body)

	go server.WriteResponse(resp, WriteOptions{KeepAlive: true, MaxChunkSize: 64})

	got, err := client.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if string(got.Body) != body {
		t.Errorf("chunked body mismatch: %d bytes", len(got.Body))
	}
	if !strings.Contains(strings.ToLower(got.Header.Get("TRANSFER-ENCODING")), "chunked") {
		t.Error("transfer-encoding not declared")
	}
	if got.Header.Has("CONTENT-LENGTH") {
		t.Error("content-length present on chunked message")
	}
}

func TestChunkedExtensionsAndTrailers(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(b, nil)
	defer conn.Close()

	raw := "HTTP/1.1 200 OK\r\n" +
		"TRANSFER-ENCODING: chunked\r\n" +
		"\r\n" +
		"5;ext=1\r\nhello\r\n" +
		"1\r\n \r\n" +
		"5\r\nworld\r\n" +
		"0\r\n" +
		"X-Trailer: ignored\r\n" +
		"\r\n"
	go func() {
		a.Write([]byte(raw))
		a.Close()
	}()

	got, err := conn.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if string(got.Body) != "hello world" {
		t.Errorf("body = %q", got.Body)
	}
}

func TestBothEncodingsRejected(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(b, nil)
	defer conn.Close()

	raw := "HTTP/1.1 200 OK\r\n" +
		"TRANSFER-ENCODING: chunked\r\n" +
		"CONTENT-LENGTH: 5\r\n" +
		"\r\n"
	go func() {
		a.Write([]byte(raw))
	}()

	if _, err := conn.ReadResponse(); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("err = %v, want ErrMalformedMessage", err)
	}
	a.Close()
}

func TestReadUntilClose(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(b, nil)
	defer conn.Close()

	go func() {
		a.Write([]byte("HTTP/1.1 200 OK\r\nEXT:\r\n\r\nrest of the body"))
		a.Close()
	}()

	got, err := conn.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if string(got.Body) != "rest of the body" {
		t.Errorf("body = %q", got.Body)
	}
}

func TestReadTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	conn := NewConn(b, nil)
	defer conn.Close()

	conn.SetReadTimeout(100 * time.Millisecond)

	start := time.Now()
	_, err := conn.ReadRequest()
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, upnp.ErrCommunications) {
		t.Fatalf("err = %v, want ErrTimeout wrapping ErrCommunications", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestShutdownInterruptsRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	flag := NewShutdownFlag()
	conn := NewConn(b, flag)
	defer conn.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ReadRequest()
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	flag.Trigger()

	select {
	case err := <-errCh:
		if !errors.Is(err, upnp.ErrShuttingDown) {
			t.Errorf("err = %v, want ErrShuttingDown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read not interrupted within 500ms of shutdown")
	}
}

func TestKeepAlivePolicy(t *testing.T) {
	tests := []struct {
		proto      string
		connection string
		want       bool
	}{
		{"HTTP/1.1", "", true},
		{"HTTP/1.1", "close", false},
		{"HTTP/1.1", "Keep-Alive", true},
		{"HTTP/1.0", "", false},
		{"HTTP/1.0", "keep-alive", true},
	}
	for _, tt := range tests {
		h := NewHeader()
		if tt.connection != "" {
			h.Set("Connection", tt.connection)
		}
		if got := KeepAlive(tt.proto, h); got != tt.want {
			t.Errorf("KeepAlive(%s, %q) = %v, want %v", tt.proto, tt.connection, got, tt.want)
		}
	}
}
