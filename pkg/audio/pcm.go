package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload is returned by [DecodeBase64] when a wire payload is
	// not valid standard base64.
	ErrMalformedPayload = errors.New("audio: malformed payload")

	// ErrInvalidAudioPayload is returned by [DecodePCM16] when the byte length
	// does not divide into whole 16-bit frames.
	ErrInvalidAudioPayload = errors.New("audio: invalid audio payload")
)

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1]; negative values scale by 0x8000 and
// non-negative values by 0x7FFF, so -1 maps to -32768 and 1 to 32767.
// The result is exactly 2*len(samples) bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// EncodeBase64 encodes samples as PCM16LE and returns the standard base64
// wire payload.
func EncodeBase64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DecodeBase64 decodes a standard base64 wire payload. Invalid input yields an
// error wrapping [ErrMalformedPayload].
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return data, nil
}

// DecodePCM16 interprets data as interleaved little-endian int16 samples and
// returns a [Buffer] with one plane per channel. Each sample is divided by
// 32768, so values land in [-1, 1).
//
// len(data) must be a multiple of 2*channels; otherwise the error wraps
// [ErrInvalidAudioPayload].
func DecodePCM16(data []byte, sampleRate, channels int) (Buffer, error) {
	if channels < 1 || sampleRate < 1 {
		return Buffer{}, fmt.Errorf("%w: %s", ErrInvalidAudioPayload, Describe(sampleRate, channels))
	}
	frameBytes := 2 * channels
	if len(data)%frameBytes != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidAudioPayload, len(data), frameBytes)
	}

	frames := len(data) / frameBytes
	planes := make([][]float32, channels)
	for ch := range planes {
		planes[ch] = make([]float32, frames)
	}
	for f := range frames {
		for ch := range channels {
			off := (f*channels + ch) * 2
			v := int16(binary.LittleEndian.Uint16(data[off:]))
			planes[ch][f] = float32(v) / 32768
		}
	}
	return Buffer{Channels: planes, SampleRate: sampleRate}, nil
}

func floatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}
