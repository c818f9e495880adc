package gateway

// Producer is the capability object a gateway embeds to reach its data
// source. It decouples the HTTP surface from any particular storage
// backend: TorrentProducer (internal/gateway/torrent_producer.go) is the
// concrete implementation in this repository, but any type satisfying this
// interface can be plugged into Server.
//
// Both methods are invoked from the connection's own goroutine and must
// not block: Read in particular must return immediately, using n=0,
// true to signal "no data yet" rather than waiting for it.
type Producer interface {
	// Name identifies the backend for metrics labelling (e.g. "torrent");
	// it carries no protocol meaning.
	Name() string

	// Resolve determines whether uri maps to a servable stream. videoIndex
	// is the value the handler derived from the URI's last path segment;
	// Resolve may rewrite it (e.g. to map a stable URI onto an engine-
	// internal file index). ok=false means the gateway replies 400.
	Resolve(uri string, videoIndex int) (fileSize int64, resolvedIndex int, ok bool)

	// Read attempts to fill buf with up to len(buf) bytes starting at
	// offset within the stream identified by videoIndex. On success it
	// returns the number of bytes actually produced (which may be 0 if
	// the data has not downloaded yet) and true. It returns false only on
	// an unrecoverable error, which drops the connection.
	Read(videoIndex int, offset int64, buf []byte) (n int, ok bool)
}
