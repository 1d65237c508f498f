package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// createTestWAV writes a minimal WAV file to a temp dir and returns its path.
func createTestWAV(t *testing.T, format uint16, sampleRate uint32, channels uint16, bitsPerSample uint16, numSamples int) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.wav")

	data := bytes.Repeat([]byte{0x80}, numSamples)

	var buf bytes.Buffer

	// fmt chunk.
	var fmtBuf bytes.Buffer
	binary.Write(&fmtBuf, binary.LittleEndian, format)
	binary.Write(&fmtBuf, binary.LittleEndian, channels)
	binary.Write(&fmtBuf, binary.LittleEndian, sampleRate)
	byteRate := sampleRate * uint32(channels) * uint32(bitsPerSample) / 8
	binary.Write(&fmtBuf, binary.LittleEndian, byteRate)
	blockAlign := channels * bitsPerSample / 8
	binary.Write(&fmtBuf, binary.LittleEndian, blockAlign)
	binary.Write(&fmtBuf, binary.LittleEndian, bitsPerSample)

	// data chunk.
	dataChunkSize := uint32(numSamples)

	riffSize := uint32(4 + 8 + fmtBuf.Len() + 8 + len(data))

	// RIFF header.
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")

	// fmt chunk.
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(fmtBuf.Len()))
	buf.Write(fmtBuf.Bytes())

	// data chunk.
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataChunkSize)
	buf.Write(data)

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestParseWAVHeader(t *testing.T) {
	tests := []struct {
		name     string
		format   uint16
		samples  int
		wantSize uint32
	}{
		{"pcmu", wavFormatPCMU, 1600, 1600},
		{"pcma", wavFormatPCMA, 800, 800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := os.Open(createTestWAV(t, tt.format, 8000, 1, 8, tt.samples))
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()

			hdr, err := parseWAVHeader(f)
			if err != nil {
				t.Fatalf("parseWAVHeader() error = %v", err)
			}
			if hdr.AudioFormat != tt.format {
				t.Errorf("AudioFormat = %d, want %d", hdr.AudioFormat, tt.format)
			}
			if hdr.SampleRate != 8000 {
				t.Errorf("SampleRate = %d, want 8000", hdr.SampleRate)
			}
			if hdr.DataSize != tt.wantSize {
				t.Errorf("DataSize = %d, want %d", hdr.DataSize, tt.wantSize)
			}
		})
	}
}

func TestParseWAVHeader_NotRIFF(t *testing.T) {
	if _, err := parseWAVHeader(bytes.NewReader([]byte("not a wav file at all"))); err == nil {
		t.Error("parseWAVHeader() error = nil, want error")
	}
}

func TestLoadWAV(t *testing.T) {
	// 330 samples: two full frames and a padded third.
	codec, frames, err := LoadWAV(createTestWAV(t, wavFormatPCMA, 8000, 1, 8, 330))
	if err != nil {
		t.Fatalf("LoadWAV() error = %v", err)
	}
	if codec != CodecPCMA {
		t.Errorf("codec = %v, want %v", codec, CodecPCMA)
	}
	if len(frames) != 3 {
		t.Fatalf("len(frames) = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if len(f) != samplesPerFrame {
			t.Errorf("len(frames[%d]) = %d, want %d", i, len(f), samplesPerFrame)
		}
	}
}

func TestLoadWAV_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		format   uint16
		rate     uint32
		channels uint16
		bits     uint16
	}{
		{"wrong sample rate", wavFormatPCMU, 16000, 1, 8},
		{"stereo", wavFormatPCMU, 8000, 2, 8},
		{"linear pcm", 1, 8000, 1, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := LoadWAV(createTestWAV(t, tt.format, tt.rate, tt.channels, tt.bits, 1600)); err == nil {
				t.Error("LoadWAV() error = nil, want error")
			}
		})
	}

	if _, _, err := LoadWAV(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("LoadWAV(missing) error = nil, want error")
	}
}

func TestDecodeWAV_OversizedDataChunk(t *testing.T) {
	data, err := os.ReadFile(createTestWAV(t, wavFormatPCMU, 8000, 1, 8, 2*samplesPerFrame))
	if err != nil {
		t.Fatal(err)
	}
	i := bytes.Index(data, []byte("data"))
	if i < 0 {
		t.Fatal("no data chunk in test file")
	}
	binary.LittleEndian.PutUint32(data[i+4:], 0xFFFFFFFF)

	_, frames, err := decodeWAV(data)
	if err != nil {
		t.Fatalf("decodeWAV() error = %v", err)
	}
	if len(frames) != 2 {
		t.Errorf("len(frames) = %d, want 2", len(frames))
	}
}

func TestValidateWAVData(t *testing.T) {
	data, err := os.ReadFile(createTestWAV(t, wavFormatPCMU, 8000, 1, 8, 160))
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateWAVData(data); err != nil {
		t.Errorf("ValidateWAVData() error = %v", err)
	}
	if err := ValidateWAVData([]byte("RIFF")); err == nil {
		t.Error("ValidateWAVData(truncated) error = nil, want error")
	}
}

type frameCounter struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *frameCounter) WriteFrame(_ Codec, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *frameCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestPlayer_LoopRepeatsFrames(t *testing.T) {
	frames := [][]byte{{1}, {2}}
	p := NewPlayer(CodecPCMU, frames, testLogger())
	sink := &frameCounter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() { done <- p.Loop(ctx, sink) }()

	waitUntil(t, func() bool { return sink.count() >= 3 })
	cancel()

	sent := <-done
	if sent != sink.count() {
		t.Errorf("Loop() = %d, want %d", sent, sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.frames[2][0] != 1 {
		t.Errorf("third frame = %v, want the first frame again", sink.frames[2])
	}
}

func TestPlayer_LoopPacing(t *testing.T) {
	p := NewPlayer(CodecPCMU, [][]byte{{0}}, testLogger())
	sink := &frameCounter{}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sent := p.Loop(ctx, sink)

	// 200ms at 20ms per frame, with slack for scheduling.
	if sent < 5 || sent > 12 {
		t.Errorf("Loop() sent %d frames in 200ms, want about 10", sent)
	}
}
