// Package audio decodes RIFF/WAVE clips of any common layout and re-encodes them
// in the single format the rest of the service works with: mono, 16-bit PCM,
// little-endian, at a caller-chosen sample rate.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE

	// OutputBitsPerSample is the sample width of everything Encode produces.
	OutputBitsPerSample = 16
	// ContentType is the MIME type of encoded clips.
	ContentType = "audio/wav"

	// Accepted input sample rates. Resampling cost grows with the ratio to the
	// header rate, so rates outside this band are refused.
	MinSampleRate = 4000
	MaxSampleRate = 192000
	// MaxDurationSeconds bounds the length of a decoded clip.
	MaxDurationSeconds = 300
)

var (
	ErrMalformedAudio   = errors.New("audio: malformed wav data")
	ErrUnsupportedAudio = errors.New("audio: unsupported wav encoding")
	ErrEmptyAudio       = errors.New("audio: clip contains no samples")
)

// Clip is a decoded clip. Samples are interleaved per channel and scaled to [-1, 1].
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []float64
}

// Frames returns the number of sample frames in the clip.
func (c *Clip) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration in seconds.
func (c *Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(c.Frames()) / float64(c.SampleRate)
}

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	blockAlign    uint16
	bitsPerSample uint16
}

// Decode parses a WAV byte buffer.
func Decode(data []byte) (*Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrMalformedAudio)
	}

	var (
		format    *wavFormat
		payload   []byte
		foundData bool
	)

	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		// streaming encoders leave the size unset; take whatever remains
		if size < 0 || end > len(data) {
			end = len(data)
		}

		switch id {
		case "fmt ":
			parsed, err := parseFormat(data[body:end])
			if err != nil {
				return nil, err
			}
			format = parsed
		case "data":
			payload = data[body:end]
			foundData = true
		}

		next := end
		if size%2 == 1 {
			next++
		}
		if next <= offset {
			break
		}
		offset = next
	}

	if format == nil {
		return nil, fmt.Errorf("%w: missing fmt chunk", ErrMalformedAudio)
	}
	if !foundData {
		return nil, fmt.Errorf("%w: missing data chunk", ErrMalformedAudio)
	}

	return decodeSamples(format, payload)
}

func parseFormat(chunk []byte) (*wavFormat, error) {
	if len(chunk) < 16 {
		return nil, fmt.Errorf("%w: fmt chunk too short", ErrMalformedAudio)
	}

	f := &wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(chunk[0:2]),
		channels:      binary.LittleEndian.Uint16(chunk[2:4]),
		sampleRate:    binary.LittleEndian.Uint32(chunk[4:8]),
		blockAlign:    binary.LittleEndian.Uint16(chunk[12:14]),
		bitsPerSample: binary.LittleEndian.Uint16(chunk[14:16]),
	}

	if f.audioFormat == formatExtensible {
		if len(chunk) < 26 {
			return nil, fmt.Errorf("%w: extensible fmt chunk too short", ErrMalformedAudio)
		}
		// first two bytes of the sub-format GUID carry the real format tag
		f.audioFormat = binary.LittleEndian.Uint16(chunk[24:26])
	}

	if f.channels == 0 || f.sampleRate == 0 {
		return nil, fmt.Errorf("%w: zero channels or sample rate", ErrMalformedAudio)
	}
	if f.sampleRate < MinSampleRate || f.sampleRate > MaxSampleRate {
		return nil, fmt.Errorf("%w: sample rate %d Hz outside %d-%d Hz", ErrUnsupportedAudio, f.sampleRate, MinSampleRate, MaxSampleRate)
	}

	return f, nil
}

func decodeSamples(f *wavFormat, payload []byte) (*Clip, error) {
	bytesPerSample := int(f.bitsPerSample) / 8
	switch {
	case f.audioFormat == formatPCM && (f.bitsPerSample == 8 || f.bitsPerSample == 16 || f.bitsPerSample == 24 || f.bitsPerSample == 32):
	case f.audioFormat == formatIEEEFloat && (f.bitsPerSample == 32 || f.bitsPerSample == 64):
	default:
		return nil, fmt.Errorf("%w: format %d with %d bits", ErrUnsupportedAudio, f.audioFormat, f.bitsPerSample)
	}

	channels := int(f.channels)
	frameSize := bytesPerSample * channels
	if int(f.blockAlign) > frameSize {
		frameSize = int(f.blockAlign)
	}

	frames := len(payload) / frameSize
	if frames == 0 {
		return nil, ErrEmptyAudio
	}
	if frames/int(f.sampleRate) >= MaxDurationSeconds {
		return nil, fmt.Errorf("%w: clip longer than %d seconds", ErrUnsupportedAudio, MaxDurationSeconds)
	}

	samples := make([]float64, 0, frames*channels)
	for i := 0; i < frames; i++ {
		frame := payload[i*frameSize:]
		for ch := 0; ch < channels; ch++ {
			raw := frame[ch*bytesPerSample : (ch+1)*bytesPerSample]
			samples = append(samples, sampleValue(f.audioFormat, f.bitsPerSample, raw))
		}
	}

	return &Clip{
		SampleRate: int(f.sampleRate),
		Channels:   channels,
		Samples:    samples,
	}, nil
}

func sampleValue(format, bits uint16, raw []byte) float64 {
	if format == formatIEEEFloat {
		if bits == 64 {
			return clamp(math.Float64frombits(binary.LittleEndian.Uint64(raw)))
		}
		return clamp(float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))))
	}

	switch bits {
	case 8:
		// 8-bit PCM is unsigned
		return (float64(raw[0]) - 128) / 128
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(raw))) / 32768
	case 24:
		v := int32(raw[0]) | int32(raw[1])<<8 | int32(raw[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608
	default:
		return float64(int32(binary.LittleEndian.Uint32(raw))) / 2147483648
	}
}

// Mono averages all channels into one.
func (c *Clip) Mono() *Clip {
	if c.Channels == 1 {
		return c
	}

	frames := c.Frames()
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < c.Channels; ch++ {
			sum += c.Samples[i*c.Channels+ch]
		}
		out[i] = sum / float64(c.Channels)
	}

	return &Clip{SampleRate: c.SampleRate, Channels: 1, Samples: out}
}

// Resample converts a mono clip to rate using linear interpolation.
func (c *Clip) Resample(rate int) *Clip {
	if rate <= 0 || rate == c.SampleRate || len(c.Samples) == 0 {
		return c
	}

	src := c.Mono()
	ratio := float64(src.SampleRate) / float64(rate)
	n := int(float64(len(src.Samples)) / ratio)
	if n == 0 {
		n = 1
	}

	out := make([]float64, n)
	last := len(src.Samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = src.Samples[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = src.Samples[idx]*(1-frac) + src.Samples[idx+1]*frac
	}

	return &Clip{SampleRate: rate, Channels: 1, Samples: out}
}

// PCM16 returns the clip's mono samples as 16-bit little-endian PCM.
func (c *Clip) PCM16() []byte {
	mono := c.Mono()
	out := make([]byte, len(mono.Samples)*2)
	for i, s := range mono.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(clamp(s)*32767))))
	}
	return out
}

// Encode writes the clip as a mono 16-bit PCM WAV file.
func (c *Clip) Encode() []byte {
	pcm := c.PCM16()
	rate := uint32(c.SampleRate)

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(formatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, rate)
	_ = binary.Write(&buf, binary.LittleEndian, rate*2)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(OutputBitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// Normalize decodes any supported WAV clip and returns it as mono 16-bit WAV at rate.
func Normalize(data []byte, rate int) ([]byte, error) {
	clip, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return clip.Mono().Resample(rate).Encode(), nil
}

// NormalizePCM is Normalize without the WAV header.
func NormalizePCM(data []byte, rate int) ([]byte, error) {
	clip, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return clip.Mono().Resample(rate).PCM16(), nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
