package devservice

import (
	"math"

	"github.com/lucianHymer/voicecall/internal/audio"
)

const fadeMs = 10

// Tone synthesizes a mono sine at volume (0..1) with short fades so
// playback doesn't click
func Tone(freq float64, durationMs, sampleRate int, volume float64) []int16 {
	n := sampleRate * durationMs / 1000
	fade := sampleRate * fadeMs / 1000
	samples := make([]int16, n)

	for i := range samples {
		gain := volume
		if fade > 0 {
			if i < fade {
				gain *= float64(i) / float64(fade)
			} else if n-1-i < fade {
				gain *= float64(n-1-i) / float64(fade)
			}
		}
		v := math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)) * gain * 32767
		samples[i] = int16(v)
	}
	return samples
}

// ToneWAV is Tone wrapped in a WAV container
func ToneWAV(freq float64, durationMs, sampleRate int, volume float64) []byte {
	pcm := audio.SamplesToBytes(Tone(freq, durationMs, sampleRate, volume))
	return audio.EncodeWAV(pcm, sampleRate, 1)
}
