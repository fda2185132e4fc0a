//go:build !linux && !darwin

package localcas

import "errors"

func StatVolume(string) (int64, int64, error) {
	return 0, 0, errors.New("volume statistics are not supported on this platform")
}
