package negotiator

import (
	"strings"

	"stream-orchestrator/internal/models"
)

// DefaultRouterCodecs are the codecs the router accepts from producers.
func DefaultRouterCodecs() []RTPCodecCapability {
	return []RTPCodecCapability{
		{Kind: KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 100},
		{
			Kind:                 KindVideo,
			MimeType:             "video/VP8",
			ClockRate:            90000,
			PreferredPayloadType: 101,
			Parameters:           map[string]any{"x-google-start-bitrate": 1000},
		},
	}
}

func channelsOf(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func codecMatches(mimeType string, clockRate, channels int, rc RTPCodecCapability) bool {
	return strings.EqualFold(mimeType, rc.MimeType) &&
		clockRate == rc.ClockRate &&
		channelsOf(channels) == channelsOf(rc.Channels)
}

// checkProducerCodecs verifies every codec of a new producer is supported by
// the router and belongs to kind.
func checkProducerCodecs(router []RTPCodecCapability, kind MediaKind, params RTPParameters) error {
	if len(params.Codecs) == 0 {
		return models.Errorf(models.ErrInvalidRequest, "rtpParameters.codecs is empty")
	}
	for _, codec := range params.Codecs {
		if !strings.HasPrefix(strings.ToLower(codec.MimeType), string(kind)+"/") {
			return models.Errorf(models.ErrUnsupportedCodec, "%s is not a %s codec", codec.MimeType, kind)
		}
		supported := false
		for _, rc := range router {
			if rc.Kind == kind && codecMatches(codec.MimeType, codec.ClockRate, codec.Channels, rc) {
				supported = true
				break
			}
		}
		if !supported {
			return models.Errorf(models.ErrUnsupportedCodec, "%s/%d", codec.MimeType, codec.ClockRate)
		}
	}
	return nil
}

// matchConsumerCodecs returns the producer codecs the remote side can
// receive, using the remote's preferred payload types when given.
func matchConsumerCodecs(producer []RTPCodecParameters, remote RTPCapabilities) []RTPCodecParameters {
	var out []RTPCodecParameters
	for _, codec := range producer {
		for _, rc := range remote.Codecs {
			if !codecMatches(codec.MimeType, codec.ClockRate, codec.Channels, rc) {
				continue
			}
			matched := codec
			if rc.PreferredPayloadType > 0 {
				matched.PayloadType = rc.PreferredPayloadType
			}
			out = append(out, matched)
			break
		}
	}
	return out
}
