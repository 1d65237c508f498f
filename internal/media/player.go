package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// WAV format codes for G.711 codecs.
const (
	wavFormatPCMU = 7
	wavFormatPCMA = 6
)

// wavHeader holds the fields of a WAV header needed to validate a
// ringback file.
type wavHeader struct {
	AudioFormat   uint16 // 6 = A-law, 7 = u-law
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32 // size of the "data" chunk in bytes
}

// parseWAVHeader reads and validates a WAV file header, returning the
// format information and positioning the reader at the start of audio data.
func parseWAVHeader(r io.ReadSeeker) (*wavHeader, error) {
	// RIFF header: "RIFF" + size + "WAVE"
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	// Walk chunks to find "fmt " and "data".
	hdr := &wavHeader{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.AudioFormat); err != nil {
				return nil, fmt.Errorf("reading audio format: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.NumChannels); err != nil {
				return nil, fmt.Errorf("reading num channels: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.SampleRate); err != nil {
				return nil, fmt.Errorf("reading sample rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.ByteRate); err != nil {
				return nil, fmt.Errorf("reading byte rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BlockAlign); err != nil {
				return nil, fmt.Errorf("reading block align: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BitsPerSample); err != nil {
				return nil, fmt.Errorf("reading bits per sample: %w", err)
			}
			// Skip any extra fmt bytes.
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			hdr.DataSize = chunkSize
			foundData = true
			// Reader is now positioned at the start of audio data.

		default:
			// Skip unknown chunks. RIFF chunks are padded to an even length.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}

	return hdr, nil
}

// codecForWAV maps a WAV audio format code to its G.711 codec.
func codecForWAV(format uint16) (Codec, error) {
	switch format {
	case wavFormatPCMU:
		return CodecPCMU, nil
	case wavFormatPCMA:
		return CodecPCMA, nil
	default:
		return Codec{}, fmt.Errorf("unsupported wav format %d: only G.711 a-law (6) and u-law (7) are supported", format)
	}
}

// LoadWAV reads a G.711 WAV file (8 kHz, mono, 8-bit) and returns its
// codec and audio split into 20ms frames.
func LoadWAV(path string) (Codec, [][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Codec{}, nil, fmt.Errorf("reading wav file: %w", err)
	}
	return decodeWAV(data)
}

// ValidateWAVData reports whether data is a WAV file LoadWAV accepts.
func ValidateWAVData(data []byte) error {
	_, _, err := decodeWAV(data)
	return err
}

func decodeWAV(data []byte) (Codec, [][]byte, error) {
	r := bytes.NewReader(data)
	hdr, err := parseWAVHeader(r)
	if err != nil {
		return Codec{}, nil, fmt.Errorf("invalid wav: %w", err)
	}

	codec, err := codecForWAV(hdr.AudioFormat)
	if err != nil {
		return Codec{}, nil, err
	}
	if hdr.NumChannels != 1 {
		return Codec{}, nil, fmt.Errorf("wav file must be mono, got %d channels", hdr.NumChannels)
	}
	if hdr.SampleRate != sampleRate {
		return Codec{}, nil, fmt.Errorf("wav file must be 8000 Hz, got %d Hz", hdr.SampleRate)
	}
	if hdr.BitsPerSample != 8 {
		return Codec{}, nil, fmt.Errorf("wav file must be 8-bit, got %d-bit", hdr.BitsPerSample)
	}

	// The header size is untrusted; never read past the end of the file.
	size := min(int64(hdr.DataSize), int64(r.Len()))
	audio := make([]byte, size)
	n, err := io.ReadFull(r, audio)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Codec{}, nil, fmt.Errorf("reading audio data: %w", err)
	}
	if n == 0 {
		return Codec{}, nil, errors.New("wav file has no audio")
	}
	return codec, Frames(audio[:n]), nil
}

// FrameSink consumes 20ms G.711 frames.
type FrameSink interface {
	WriteFrame(codec Codec, frame []byte)
}

// Player loops a set of frames into a FrameSink in real time.
type Player struct {
	codec  Codec
	frames [][]byte
	logger *slog.Logger
}

// NewPlayer creates a player for frames encoded with codec.
func NewPlayer(codec Codec, frames [][]byte, logger *slog.Logger) *Player {
	return &Player{
		codec:  codec,
		frames: frames,
		logger: logger.With("subsystem", "audio-player"),
	}
}

// Loop writes the frames to sink, starting over at the end, until ctx is
// cancelled. It returns the number of frames written.
func (p *Player) Loop(ctx context.Context, sink FrameSink) int {
	if len(p.frames) == 0 {
		<-ctx.Done()
		return 0
	}

	start := time.Now()
	sent := 0
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("playback stopped",
				"frames", sent,
				"duration", time.Since(start),
			)
			return sent
		default:
		}

		sink.WriteFrame(p.codec, p.frames[sent%len(p.frames)])
		sent++

		// Pace against the start time so processing overhead does not drift.
		expected := time.Duration(sent) * frameDuration
		if sleep := expected - time.Since(start); sleep > 0 {
			t := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}
}
