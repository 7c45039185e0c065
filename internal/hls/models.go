package hls

// Token is the opaque access token identifying a stream in URLs.
type Token string

// StreamInfo describes a stream. It is also the JSON body returned when a
// stream is created.
type StreamInfo struct {
	Token    Token    `json:"token"`
	Outputs  []string `json:"outputs"`
	Sequence int      `json:"sequence"`
	StreamID int      `json:"stream_id"`
}

// BlockingReload carries the LL-HLS _HLS_msn and _HLS_part query
// parameters. Part is -1 when only a media sequence number was given.
type BlockingReload struct {
	MSN  int
	Part int
}
