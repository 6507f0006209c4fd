package media

import (
	"fmt"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
)

// encoderOption is one video encoder the engine may try.
type encoderOption struct {
	name     string
	hardware bool
	builder  codec.VideoEncoderBuilder
}

// softwareEncoder returns the libvpx VP8 encoder. The keyframe interval is
// one second of frames.
func softwareEncoder(bitRate, fps int) (encoderOption, error) {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return encoderOption{}, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	params.BitRate = bitRate
	params.KeyFrameInterval = fps
	params.RateControlEndUsage = vpx.RateControlCBR
	return encoderOption{name: "vpx-vp8", builder: &params}, nil
}

// encoderOptions lists the encoders to try in order: the hardware one when
// preferred and available, then the software one.
func encoderOptions(preferHardware bool, bitRate, fps int) ([]encoderOption, []error) {
	var (
		opts []encoderOption
		errs []error
	)
	if preferHardware {
		hw, err := hardwareEncoder(bitRate, fps)
		if err != nil {
			errs = append(errs, err)
		} else {
			opts = append(opts, hw)
		}
	}
	sw, err := softwareEncoder(bitRate, fps)
	if err != nil {
		errs = append(errs, err)
	} else {
		opts = append(opts, sw)
	}
	return opts, errs
}
