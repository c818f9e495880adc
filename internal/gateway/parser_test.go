package gateway

import "testing"

func TestParserFullGetRequest(t *testing.T) {
	wire := "GET /movie.mp4 HTTP/1.1\r\nHost: x\r\nRange: bytes=0-\r\n\r\n"

	p := NewRequestParser()
	req := &Request{}
	result, consumed := p.Parse(req, []byte(wire))

	if result != Done {
		t.Fatalf("result = %v, want Done", result)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed = %d, want %d", consumed, len(wire))
	}
	if req.Method != "GET" {
		t.Errorf("method = %q", req.Method)
	}
	if req.URI != "/movie.mp4" {
		t.Errorf("uri = %q", req.URI)
	}
	if req.HTTPVersionMajor != 1 || req.HTTPVersionMinor != 1 {
		t.Errorf("version = %d.%d", req.HTTPVersionMajor, req.HTTPVersionMinor)
	}
	if v, ok := req.Header("host"); !ok || v != "x" {
		t.Errorf("host header = %q, %v", v, ok)
	}
	if v, ok := req.Header("Range"); !ok || v != "bytes=0-" {
		t.Errorf("range header = %q, %v", v, ok)
	}
}

// TestParserByteAtATime feeds the wire form one byte at a time, checking
// that Done is only latched on the very last byte and that the total
// consumed count across all feeds equals the header block length,
// matching spec.md §8 invariant 1.
func TestParserByteAtATime(t *testing.T) {
	wire := "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"

	p := NewRequestParser()
	req := &Request{}
	total := 0
	for i := 0; i < len(wire); i++ {
		result, consumed := p.Parse(req, []byte{wire[i]})
		total += consumed
		if result == Bad {
			t.Fatalf("unexpected Bad at byte %d", i)
		}
		if result == Done && i != len(wire)-1 {
			t.Fatalf("Done latched early at byte %d of %d", i, len(wire)-1)
		}
	}
	if total != len(wire) {
		t.Fatalf("total consumed = %d, want %d", total, len(wire))
	}
}

func TestParserRejectsBadRequestLine(t *testing.T) {
	p := NewRequestParser()
	req := &Request{}
	result, _ := p.Parse(req, []byte("GET / HTTQ/1.1\r\n\r\n"))
	if result != Bad {
		t.Fatalf("result = %v, want Bad", result)
	}
}

func TestParserNeedsMoreOnPartialInput(t *testing.T) {
	p := NewRequestParser()
	req := &Request{}
	result, consumed := p.Parse(req, []byte("GET / HTTP/1.1\r\n"))
	if result != NeedMore {
		t.Fatalf("result = %v, want NeedMore", result)
	}
	if consumed != len("GET / HTTP/1.1\r\n") {
		t.Fatalf("consumed = %d", consumed)
	}
}

func TestParserHeaderContinuationLine(t *testing.T) {
	wire := "GET / HTTP/1.1\r\nX-Long: abc\r\n def\r\n\r\n"
	p := NewRequestParser()
	req := &Request{}
	result, _ := p.Parse(req, []byte(wire))
	if result != Done {
		t.Fatalf("result = %v, want Done", result)
	}
	v, ok := req.Header("X-Long")
	if !ok || v != "abcdef" {
		t.Fatalf("X-Long = %q, %v, want %q", v, ok, "abcdef")
	}
}

func TestParserLatchesAfterDone(t *testing.T) {
	p := NewRequestParser()
	req := &Request{}
	p.Parse(req, []byte("GET / HTTP/1.1\r\n\r\n"))
	result, consumed := p.Parse(req, []byte("more"))
	if result != Done || consumed != 0 {
		t.Fatalf("result = %v consumed = %d, want Done/0", result, consumed)
	}
}

func TestParserLatchesAfterBad(t *testing.T) {
	p := NewRequestParser()
	req := &Request{}
	p.Parse(req, []byte("\x01bad"))
	result, consumed := p.Parse(req, []byte("more"))
	if result != Bad || consumed != 0 {
		t.Fatalf("result = %v consumed = %d, want Bad/0", result, consumed)
	}
}
