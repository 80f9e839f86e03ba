// Package audio handles the PCM16 WAV payloads exchanged with speech workers.
package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const DefaultSampleRate = 16000

var ErrNotWAV = errors.New("not a PCM16 WAV stream")

// wavHeader is the canonical 44-byte header of a mono PCM16 WAV file.
type wavHeader struct {
	Riff          [4]byte
	ChunkSize     uint32
	Wave          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

const headerSize = 44

// Format describes a decoded WAV stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Duration of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bytesPerSec := f.SampleRate * f.Channels * f.BitsPerSample / 8
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSec)
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(headerSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	dataSize := uint32(len(pcm))
	h := wavHeader{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1, // PCM
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// ParseWAV reads a canonical PCM WAV stream and returns its format and samples.
func ParseWAV(data []byte) (Format, []byte, error) {
	if len(data) < headerSize {
		return Format{}, nil, ErrNotWAV
	}
	var h wavHeader
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &h); err != nil {
		return Format{}, nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(h.Riff[:]) != "RIFF" || string(h.Wave[:]) != "WAVE" || string(h.Data[:]) != "data" || h.AudioFormat != 1 {
		return Format{}, nil, ErrNotWAV
	}
	pcm := data[headerSize:]
	if int(h.DataSize) < len(pcm) {
		pcm = pcm[:h.DataSize]
	}
	return Format{
		SampleRate:    int(h.SampleRate),
		Channels:      int(h.NumChannels),
		BitsPerSample: int(h.BitsPerSample),
	}, pcm, nil
}

// Tone renders a sine wave as PCM16LE mono samples. amplitude is in [0,1].
func Tone(sampleRate int, freq float64, d time.Duration, amplitude float64) []byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	amplitude = math.Max(0, math.Min(1, amplitude))
	n := int(int64(d) * int64(sampleRate) / int64(time.Second))
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return pcm
}

// Silent reports whether no PCM16 sample exceeds threshold (0..32767).
func Silent(pcm []byte, threshold int) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if s > threshold || -s > threshold {
			return false
		}
	}
	return true
}
