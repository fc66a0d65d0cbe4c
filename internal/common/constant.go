package common

// Request headers understood by the HTTP layer for conditional reads and writes.
const (
	IfModifiedSinceVersionHeader   = "X-If-Modified-Since-Version"
	IfUnmodifiedSinceVersionHeader = "X-If-Unmodified-Since-Version"
	LastModifiedVersionHeader      = "X-Last-Modified-Version"
)
