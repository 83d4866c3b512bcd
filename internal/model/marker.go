package model

// MarkerTag is a controller lifecycle event written to the marker stream.
type MarkerTag string

const (
	MarkerFiringCallback MarkerTag = "firing_callback"
	MarkerCallbackFired  MarkerTag = "callback_fired"
	MarkerListening      MarkerTag = "listening"
)

// Valid reports whether t is one of the three marker tags.
func (t MarkerTag) Valid() bool {
	switch t {
	case MarkerFiringCallback, MarkerCallbackFired, MarkerListening:
		return true
	}
	return false
}

// MarkerEvent is a tag plus its publish time in unix nanoseconds.
type MarkerEvent struct {
	Tag  MarkerTag
	Time int64
}

// AppendMsgPack — FixArray(2) [tag, time].
func (m *MarkerEvent) AppendMsgPack(b []byte) []byte {
	b = append(b, 0x92)
	b = appendString(b, string(m.Tag))
	b = appendInt64(b, m.Time)
	return b
}

// DecodeMarker parses a frame produced by MarkerEvent.AppendMsgPack.
func DecodeMarker(b []byte) (MarkerEvent, error) {
	d := decoder{buf: b}
	n, err := d.readArrayLen()
	if err != nil {
		return MarkerEvent{}, err
	}
	if n != 2 {
		return MarkerEvent{}, errFrameShape
	}
	tag, err := d.readString()
	if err != nil {
		return MarkerEvent{}, err
	}
	ts, err := d.readInt64()
	if err != nil {
		return MarkerEvent{}, err
	}
	return MarkerEvent{Tag: MarkerTag(tag), Time: ts}, nil
}
