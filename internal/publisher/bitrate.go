package publisher

// bitrateKbpsFor implements the short-edge/fps lookup used for initial
// bitrate selection and onMetaData's videodatarate. This is deliberately a
// separate table from encoder.DeriveProfile's H.264 level selection: level
// selection is a hardware-capability concern, this is a content/egress
// concern aimed at a specific ingest's recommended ladder.
func bitrateKbpsFor(width, height, fps int) int {
	shortEdge := width
	if height < shortEdge {
		shortEdge = height
	}
	highFPS := fps > 30
	switch {
	case shortEdge >= 1440:
		if highFPS {
			return 20000
		}
		return 16000
	case shortEdge >= 1080:
		if highFPS {
			return 12000
		}
		return 9000
	case shortEdge >= 720:
		if highFPS {
			return 6000
		}
		return 4500
	default:
		if highFPS {
			return 3000
		}
		return 2000
	}
}

const (
	audioSampleRateHz = 48000
	audioBitrateKbps  = 128
)
