//go:build !linux

package media

import "errors"

func hardwareEncoder(int, int) (encoderOption, error) {
	return encoderOption{}, errors.New("no hardware encoder on this platform")
}
