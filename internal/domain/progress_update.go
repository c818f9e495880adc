package domain

// ProgressUpdate is a partial update to a TorrentRecord applied by the
// periodic engine-to-repository sync. Zero-valued fields mean "no change":
// DoneBytes is the exception, since it is always applied as a $max against
// the stored value rather than a blind overwrite, so a stale read can never
// move it backwards.
type ProgressUpdate struct {
	DoneBytes  int64
	Status     TorrentStatus
	Name       string
	Files      []FileRef
	TotalBytes int64
}
