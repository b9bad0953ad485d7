package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// TargetRate is the PCM rate telephony audio is converted to before it is
// forwarded upstream.
const TargetRate = 16000

var ulawTable [256]int16
var alawTable [256]int16

func init() {
	for i := range 256 {
		ulawTable[i] = decodeUlawSample(byte(i))
		alawTable[i] = decodeAlawSample(byte(i))
	}
}

func decodeUlawSample(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + 0x84) << exponent
	sample -= 0x84
	return sign * sample
}

func decodeAlawSample(b byte) int16 {
	b ^= 0x55
	sign := int16(1)
	if b&0x80 == 0 {
		sign = -1
	}
	b &= 0x7F
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	if exponent == 0 {
		return sign * (mantissa<<4 + 8)
	}
	return sign * ((mantissa<<4 + 0x108) << (exponent - 1))
}

// PCMMIME formats the mime type of 16-bit little-endian PCM at rate.
func PCMMIME(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// Transcoder turns a stream of G.711 chunks into 16-bit PCM at TargetRate.
// It keeps resampler state across chunks, so use one per input stream.
type Transcoder struct {
	spec  Spec
	table *[256]int16
	rs    *Resampler
}

// NewTranscoder returns a transcoder for spec, which must be a G.711 codec.
func NewTranscoder(spec Spec) (*Transcoder, error) {
	t := &Transcoder{spec: spec, rs: NewResampler(spec.SampleRate, TargetRate)}
	switch spec.Codec {
	case CodecG711Ulaw:
		t.table = &ulawTable
	case CodecG711Alaw:
		t.table = &alawTable
	default:
		return nil, fmt.Errorf("no transcoder for codec %q", spec.Codec)
	}
	return t, nil
}

// Spec is the input format the transcoder was built for.
func (t *Transcoder) Spec() Spec { return t.spec }

// Convert decodes and resamples the next chunk of the stream.
func (t *Transcoder) Convert(data []byte) []byte {
	return encodePCM(t.rs.Process(expand(data, t.table)))
}

func expand(data []byte, table *[256]int16) []float32 {
	samples := make([]float32, len(data))
	for i, b := range data {
		samples[i] = float32(table[b]) / math.MaxInt16
	}
	return samples
}

func encodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * math.MaxInt16)
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
