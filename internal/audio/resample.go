package audio

// Downsample48to16 converts 48kHz audio to 16kHz.
// 48000 / 16000 = 3, so each output sample averages three inputs.
func Downsample48to16(input []int16) []int16 {
	if len(input) == 0 {
		return nil
	}

	outputLen := len(input) / 3
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		idx := i * 3
		sum := int32(input[idx]) + int32(input[idx+1]) + int32(input[idx+2])
		output[i] = int16(sum / 3)
	}

	return output
}

// Upsample16to48 converts 16kHz audio to 48kHz using linear interpolation
func Upsample16to48(input []int16) []int16 {
	if len(input) == 0 {
		return nil
	}

	output := make([]int16, len(input)*3)

	for i := 0; i < len(input); i++ {
		baseIdx := i * 3

		if i < len(input)-1 {
			curr := int32(input[i])
			diff := int32(input[i+1]) - curr

			output[baseIdx] = int16(curr)
			output[baseIdx+1] = int16(curr + diff/3)
			output[baseIdx+2] = int16(curr + 2*diff/3)
		} else {
			// Last sample: just repeat
			output[baseIdx] = input[i]
			output[baseIdx+1] = input[i]
			output[baseIdx+2] = input[i]
		}
	}

	return output
}

// Resample converts mono audio between arbitrary rates with linear
// interpolation. The integer 3x paths are used when they apply.
func Resample(input []int16, from, to int) []int16 {
	if from == to || len(input) == 0 || from <= 0 || to <= 0 {
		return input
	}
	if from == 48000 && to == 16000 {
		return Downsample48to16(input)
	}
	if from == 16000 && to == 48000 {
		return Upsample16to48(input)
	}

	outputLen := int(int64(len(input)) * int64(to) / int64(from))
	if outputLen == 0 {
		return nil
	}
	output := make([]int16, outputLen)

	step := float64(from) / float64(to)
	last := len(input) - 1
	for i := range output {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			output[i] = input[last]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(input[idx]), float64(input[idx+1])
		output[i] = int16(a + (b-a)*frac)
	}

	return output
}
