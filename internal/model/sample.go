package model

// Sample is one multi-channel reading plus the producer's sequence counter.
// Samples are immutable once written to a buffer.
type Sample struct {
	Values  []float64
	Counter int64
}

// Width returns the channel count of the sample.
func (s *Sample) Width() int { return len(s.Values) }

// AppendMsgPack appends the sample as FixArray(2) [counter, Array16(C) of float64].
// No heap allocation beyond growth of b.
func (s *Sample) AppendMsgPack(b []byte) []byte {
	b = append(b, 0x92) // FixArray(2)
	b = appendInt64(b, s.Counter)
	b = appendArrayHeader(b, len(s.Values))
	for _, v := range s.Values {
		b = appendFloat64(b, v)
	}
	return b
}

// DecodeSample parses a frame produced by AppendMsgPack.
func DecodeSample(b []byte) (Sample, error) {
	d := decoder{buf: b}
	n, err := d.readArrayLen()
	if err != nil {
		return Sample{}, err
	}
	if n != 2 {
		return Sample{}, errFrameShape
	}
	counter, err := d.readInt64()
	if err != nil {
		return Sample{}, err
	}
	width, err := d.readArrayLen()
	if err != nil {
		return Sample{}, err
	}
	values := make([]float64, width)
	for i := range values {
		if values[i], err = d.readFloat64(); err != nil {
			return Sample{}, err
		}
	}
	return Sample{Values: values, Counter: counter}, nil
}
