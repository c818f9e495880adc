package gateway

import "strconv"

// StatusCode is the catalog of HTTP status codes this gateway can emit.
// A value outside the catalog is emitted with the 500 status line by
// statusLine and has no stock body.
type StatusCode int

const (
	StatusOK                 StatusCode = 200
	StatusCreated            StatusCode = 201
	StatusAccepted           StatusCode = 202
	StatusNoContent          StatusCode = 204
	StatusPartialContent     StatusCode = 206
	StatusMultipleChoices    StatusCode = 300
	StatusMovedPermanently   StatusCode = 301
	StatusMovedTemporarily   StatusCode = 302
	StatusNotModified        StatusCode = 304
	StatusBadRequest         StatusCode = 400
	StatusUnauthorized       StatusCode = 401
	StatusForbidden          StatusCode = 403
	StatusNotFound           StatusCode = 404
	StatusInternalError      StatusCode = 500
	StatusNotImplemented     StatusCode = 501
	StatusBadGateway         StatusCode = 502
	StatusServiceUnavailable StatusCode = 503
)

var statusLines = map[StatusCode]string{
	StatusOK:                 "HTTP/1.1 200 OK\r\n",
	StatusCreated:            "HTTP/1.1 201 Created\r\n",
	StatusAccepted:           "HTTP/1.1 202 Accepted\r\n",
	StatusNoContent:          "HTTP/1.1 204 No Content\r\n",
	StatusPartialContent:     "HTTP/1.1 206 Partial Content\r\n",
	StatusMultipleChoices:    "HTTP/1.1 300 Multiple Choices\r\n",
	StatusMovedPermanently:   "HTTP/1.1 301 Moved Permanently\r\n",
	StatusMovedTemporarily:   "HTTP/1.1 302 Moved Temporarily\r\n",
	StatusNotModified:        "HTTP/1.1 304 Not Modified\r\n",
	StatusBadRequest:         "HTTP/1.1 400 Bad Request\r\n",
	StatusUnauthorized:       "HTTP/1.1 401 Unauthorized\r\n",
	StatusForbidden:          "HTTP/1.1 403 Forbidden\r\n",
	StatusNotFound:           "HTTP/1.1 404 Not Found\r\n",
	StatusInternalError:      "HTTP/1.1 500 Internal Server Error\r\n",
	StatusNotImplemented:     "HTTP/1.1 501 Not Implemented\r\n",
	StatusBadGateway:         "HTTP/1.1 502 Bad Gateway\r\n",
	StatusServiceUnavailable: "HTTP/1.1 503 Service Unavailable\r\n",
}

var stockBodies = map[StatusCode]string{
	StatusCreated:            stockHTML("Created", "201 Created"),
	StatusAccepted:           stockHTML("Accepted", "202 Accepted"),
	StatusNoContent:          stockHTML("No Content", "204 Content"),
	StatusPartialContent:     stockHTML("No Partial Content", "206 Partial Content"),
	StatusMultipleChoices:    stockHTML("Multiple Choices", "300 Multiple Choices"),
	StatusMovedPermanently:   stockHTML("Moved Permanently", "301 Moved Permanently"),
	StatusMovedTemporarily:   stockHTML("Moved Temporarily", "302 Moved Temporarily"),
	StatusNotModified:        stockHTML("Not Modified", "304 Not Modified"),
	StatusBadRequest:         stockHTML("Bad Request", "400 Bad Request"),
	StatusUnauthorized:       stockHTML("Unauthorized", "401 Unauthorized"),
	StatusForbidden:          stockHTML("Forbidden", "403 Forbidden"),
	StatusNotFound:           stockHTML("Not Found", "404 Not Found"),
	StatusInternalError:      stockHTML("Internal Server Error", "500 Internal Server Error"),
	StatusNotImplemented:     stockHTML("Not Implemented", "501 Not Implemented"),
	StatusBadGateway:         stockHTML("Bad Gateway", "502 Bad Gateway"),
	StatusServiceUnavailable: stockHTML("Service Unavailable", "503 Service Unavailable"),
}

func stockHTML(title, heading string) string {
	return "<html><head><title>" + title + "</title></head>" +
		"<body><h1>" + heading + "</h1></body></html>"
}

// statusLine returns the canonical "HTTP/1.1 <code> <reason>\r\n" line for
// status, falling back to 500 for anything not in the catalog.
func statusLine(status StatusCode) string {
	if line, ok := statusLines[status]; ok {
		return line
	}
	return statusLines[StatusInternalError]
}

// Header is a single (name, value) pair as it appeared on the wire (for a
// parsed request) or as it will be emitted (for a reply). Names are
// compared case-insensitively by callers; the slice preserves order.
type Header struct {
	Name  string
	Value string
}

// Reply is a response under construction: a status, an ordered header
// list, a stock body (error replies only — streamed bodies never populate
// Content), and SendBytes, the total number of body bytes the reply
// announces for its streamed body.
type Reply struct {
	Status    StatusCode
	Headers   []Header
	Content   string
	SendBytes int64
}

// StatusLine renders the reply's canonical status line.
func (r *Reply) StatusLine() string {
	return statusLine(r.Status)
}

// ToBuffers serialises the status line and headers (but not the body,
// which streams separately) exactly as the wire protocol requires: status
// line, then "Name: Value\r\n" per header in order, then a blank line.
func (r *Reply) ToBuffers() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, r.StatusLine()...)
	for _, h := range r.Headers {
		buf = append(buf, h.Name...)
		buf = append(buf, ':', ' ')
		buf = append(buf, h.Value...)
		buf = append(buf, '\r', '\n')
	}
	buf = append(buf, '\r', '\n')
	return buf
}

// stockReply builds a self-contained error Reply: status line, a minimal
// HTML body, and the two headers that describe it.
func stockReply(status StatusCode) Reply {
	body := stockBodies[status]
	return Reply{
		Status: status,
		Headers: []Header{
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			{Name: "Content-Type", Value: "text/html"},
		},
		Content: body,
	}
}
