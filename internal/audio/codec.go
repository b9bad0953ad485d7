package audio

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"
)

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// format describes how many bytes one sample occupies and the rate a codec
// implies when the mime type omits one. A rate of 0 means "must be given".
type format struct {
	bytesPerSample int
	rate           int
}

var formats = map[string]struct {
	codec Codec
	format
}{
	"audio/pcm":   {CodecPCM, format{bytesPerSample: 2, rate: 16000}},
	"audio/l16":   {CodecPCM, format{bytesPerSample: 2, rate: 0}},
	"audio/pcmu":  {CodecG711Ulaw, format{bytesPerSample: 1, rate: 8000}},
	"audio/pcma":  {CodecG711Alaw, format{bytesPerSample: 1, rate: 8000}},
	"audio/basic": {CodecG711Ulaw, format{bytesPerSample: 1, rate: 8000}},
}

// Spec is a parsed audio mime type.
type Spec struct {
	Codec          Codec
	SampleRate     int
	BytesPerSample int
}

// ParseMIME parses types such as "audio/pcm;rate=24000".
func ParseMIME(mimeType string) (Spec, error) {
	media, params, err := mime.ParseMediaType(strings.TrimSpace(mimeType))
	if err != nil {
		return Spec{}, fmt.Errorf("parse mime %q: %w", mimeType, err)
	}
	f, ok := formats[media]
	if !ok {
		return Spec{}, fmt.Errorf("unsupported codec: %s", media)
	}
	rate := f.rate
	if v, ok := params["rate"]; ok {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 {
			return Spec{}, fmt.Errorf("invalid rate %q in %q", v, mimeType)
		}
		rate = n
	}
	if rate == 0 {
		return Spec{}, fmt.Errorf("missing rate in %q", mimeType)
	}
	return Spec{Codec: f.codec, SampleRate: rate, BytesPerSample: f.bytesPerSample}, nil
}

// Duration returns the playback length of n bytes of mono audio.
func (s Spec) Duration(n int) time.Duration {
	if s.SampleRate <= 0 || s.BytesPerSample <= 0 || n <= 0 {
		return 0
	}
	samples := int64(n / s.BytesPerSample)
	return time.Duration(samples) * time.Second / time.Duration(s.SampleRate)
}
