//go:build linux

package media

import (
	"fmt"

	"github.com/pion/mediadevices/pkg/codec/vaapi"
)

// hardwareEncoder returns the VA-API VP8 encoder.
func hardwareEncoder(bitRate, fps int) (encoderOption, error) {
	params, err := vaapi.NewVP8Params()
	if err != nil {
		return encoderOption{}, fmt.Errorf("failed to create VA-API VP8 params: %w", err)
	}
	params.BitRate = bitRate
	params.KeyFrameInterval = fps
	return encoderOption{name: "vaapi-vp8", hardware: true, builder: &params}, nil
}
