package media

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/zaf/g711"
)

const (
	sampleRate = 8000

	// samplesPerFrame is one 20ms frame at 8 kHz. G.711 uses one byte per
	// sample, so it is also the frame payload size.
	samplesPerFrame = 160

	frameDuration = 20 * time.Millisecond
)

// Tone is a cadenced call-progress tone.
type Tone struct {
	Frequencies []float64
	On          time.Duration
	Off         time.Duration
	Amplitude   float64 // 0.0 to 1.0 of full scale
}

// Ringback is the 425 Hz ringing tone, one second on and four off.
var Ringback = Tone{
	Frequencies: []float64{425},
	On:          time.Second,
	Off:         4 * time.Second,
	Amplitude:   0.25,
}

// PCM renders one cadence cycle as 16-bit little-endian linear PCM.
func (t Tone) PCM() []byte {
	on := int(t.On.Seconds() * sampleRate)
	off := int(t.Off.Seconds() * sampleRate)
	out := make([]byte, (on+off)*2)

	peak := t.Amplitude * math.MaxInt16
	if len(t.Frequencies) > 0 {
		peak /= float64(len(t.Frequencies))
	}
	for i := 0; i < on; i++ {
		ts := float64(i) / sampleRate
		var v float64
		for _, f := range t.Frequencies {
			v += math.Sin(2 * math.Pi * f * ts)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(peak*v)))
	}
	return out
}

// Frames renders one cadence cycle encoded for codec, split into 20ms
// frames.
func (t Tone) Frames(codec Codec) [][]byte {
	return Frames(Encode(codec, t.PCM()))
}

// Encode converts 16-bit little-endian PCM into codec's G.711 variant.
func Encode(codec Codec, pcm []byte) []byte {
	if codec.Name == CodecPCMA.Name {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}

// Decode converts a G.711 payload back into 16-bit little-endian PCM.
func Decode(codec Codec, payload []byte) []byte {
	if codec.Name == CodecPCMA.Name {
		return g711.DecodeAlaw(payload)
	}
	return g711.DecodeUlaw(payload)
}

// Silence returns one 20ms frame of silence for codec.
func Silence(codec Codec) []byte {
	return Encode(codec, make([]byte, samplesPerFrame*2))
}

// Frames splits encoded audio into 20ms payloads. A short final frame is
// padded with the last sample value.
func Frames(encoded []byte) [][]byte {
	var frames [][]byte
	for off := 0; off < len(encoded); off += samplesPerFrame {
		end := off + samplesPerFrame
		if end <= len(encoded) {
			frames = append(frames, encoded[off:end])
			continue
		}
		frame := make([]byte, samplesPerFrame)
		n := copy(frame, encoded[off:])
		for i := n; i < samplesPerFrame; i++ {
			frame[i] = encoded[len(encoded)-1]
		}
		frames = append(frames, frame)
	}
	return frames
}
