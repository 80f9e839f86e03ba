package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseWAV(t *testing.T) {
	pcm := Tone(8000, 440, 250*time.Millisecond, 0.5)
	require.Len(t, pcm, 4000)

	wav, err := EncodeWAVPCM16LE(pcm, 8000)
	require.NoError(t, err)
	require.Len(t, wav, headerSize+len(pcm))
	assert.Equal(t, "RIFF", string(wav[:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))

	format, got, err := ParseWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, Format{SampleRate: 8000, Channels: 1, BitsPerSample: 16}, format)
	assert.Equal(t, pcm, got)
	assert.Equal(t, 250*time.Millisecond, format.Duration(len(got)))
}

func TestEncodeDefaultsSampleRate(t *testing.T) {
	wav, err := EncodeWAVPCM16LE(nil, 0)
	require.NoError(t, err)
	format, pcm, err := ParseWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, DefaultSampleRate, format.SampleRate)
	assert.Empty(t, pcm)
}

func TestParseWAVRejectsOtherData(t *testing.T) {
	for name, data := range map[string][]byte{
		"short": []byte("RIFF"),
		"text":  []byte("this is definitely not audio, it is a sentence long enough"),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseWAV(data)
			assert.ErrorIs(t, err, ErrNotWAV)
		})
	}
}

func TestSilent(t *testing.T) {
	assert.True(t, Silent(make([]byte, 320), 100))
	assert.True(t, Silent(Tone(DefaultSampleRate, 440, 10*time.Millisecond, 0.001), 100))
	assert.False(t, Silent(Tone(DefaultSampleRate, 440, 10*time.Millisecond, 0.5), 100))
}
