package model

// Channel formats carried by a stream.
const (
	FormatFloat64 = "float64"
	FormatString  = "string"
)

// IrregularRate marks streams without a nominal sample rate (markers).
const IrregularRate = 0.0

// StreamInfo describes a named real-time stream. It is sent as the JSON
// header frame before any sample frames.
type StreamInfo struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	ChannelCount int     `json:"channel_count"`
	SampleRate   float64 `json:"sample_rate"`
	Format       string  `json:"format"`
	SourceID     string  `json:"source_id"`
}
