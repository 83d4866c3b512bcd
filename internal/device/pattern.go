package device

// ControlPattern renders one 10 s period of the closed-loop test signal at
// rate Hz: 0 everywhere except level during seconds [2i, 2i+1) for i = 1..4.
func ControlPattern(rate int, level float64) []float64 {
	data := make([]float64, rate*10)
	for i := 1; i < 5; i++ {
		for j := rate * 2 * i; j < rate*(2*i+1); j++ {
			data[j] = level
		}
	}
	return data
}
