package gateway

import (
	"strconv"
	"strings"

	"torrentstream/internal/metrics"
)

// RequestHandler builds a Reply from a parsed Request, per spec.md §4.E:
// decode and validate the path, derive the extension and video index,
// invoke the producer's Resolve callback, apply Range math, and emit
// response headers. It never writes the body; the connection streams
// that separately once the headers are on the wire.
type RequestHandler struct {
	Producer Producer
}

// Handle mutates req (Offset, BodySize, KeepAlive, VideoIndex) and returns
// the Reply whose headers describe the bytes the connection is about to
// stream. A non-2xx reply (always 400 here) carries its own stock body and
// the connection must not attempt to stream anything after it.
func (h *RequestHandler) Handle(req *Request) Reply {
	// 1. Decode path.
	path, err := urlDecode(req.URI)
	if err != nil {
		return stockReply(StatusBadRequest)
	}

	// 2. Validate path.
	if path == "" || path[0] != '/' || strings.Contains(path, "..") {
		return stockReply(StatusBadRequest)
	}

	// 3. Trailing slash normalisation.
	if path[len(path)-1] == '/' {
		path += "0"
	}

	// 4. Extension extraction.
	ext := ""
	lastSlash := strings.LastIndexByte(path, '/')
	lastDot := strings.LastIndexByte(path, '.')
	if lastDot > lastSlash {
		ext = path[lastDot+1:]
	}

	// 5. Header scan.
	isRangeRequest := false
	rangeStart, rangeEnd := int64(-1), int64(-1)
	if v, ok := req.Header("Range"); ok {
		rangeStart, rangeEnd = parseRangeValue(v)
		isRangeRequest = true
		metrics.RangeRequestsTotal.Inc()
	}
	validRange := isRangeRequest && rangeStart >= 0
	keepAlive := false
	if v, ok := req.Header("Connection"); ok {
		keepAlive = strings.EqualFold(v, "keep-alive")
	}

	// 6. Derive video_index from the undecoded URI's final path segment.
	videoIndex := 0
	if idx := strings.LastIndexByte(req.URI, '/'); idx >= 0 {
		videoIndex = leadingDigits(req.URI[idx+1:])
	} else {
		videoIndex = leadingDigits(req.URI)
	}

	// 7. Status: malformed or absent Range falls back to a full-file 200,
	// per the recovery policy for unsatisfiable Range headers.
	status := StatusOK
	if validRange {
		status = StatusPartialContent
	}

	// 8. Resolve.
	fileSize, resolvedIndex, ok := h.Producer.Resolve(path, videoIndex)
	if !ok {
		return stockReply(StatusBadRequest)
	}
	videoIndex = resolvedIndex

	// 9. Range math.
	var bodySize int64
	if !validRange {
		rangeStart = 0
		bodySize = fileSize
	} else if rangeEnd == -1 {
		bodySize = fileSize - rangeStart
	} else {
		bodySize = rangeEnd - rangeStart + 1
	}

	// 10. Store on request; recompute range_end as the Content-Range end.
	req.VideoIndex = videoIndex
	req.Offset = rangeStart
	req.BodySize = rangeStart + bodySize
	req.KeepAlive = keepAlive
	rangeEnd = req.BodySize - 1

	connVal := "close"
	if keepAlive {
		connVal = "keep-alive"
	}

	// 11. Emit headers, exactly in this order.
	return Reply{
		Status: status,
		Headers: []Header{
			{Name: "Content-Length", Value: strconv.FormatInt(bodySize, 10)},
			{Name: "Server", Value: "TorrentServer/1.0"},
			{Name: "Content-Range", Value: "bytes " + strconv.FormatInt(rangeStart, 10) + "-" + strconv.FormatInt(rangeEnd, 10) + "/" + strconv.FormatInt(fileSize, 10)},
			{Name: "Content-Type", Value: extensionToType(ext)},
			{Name: "Connection", Value: connVal},
			{Name: "Accept-Ranges", Value: "bytes"},
		},
		SendBytes: bodySize,
	}
}
