//go:build !linux

package reader

import "fmt"

func openSocketCAN(iface string, _ int) (Device, error) {
	return nil, fmt.Errorf("%w: socketcan is only available on linux (interface %q)", ErrIO, iface)
}
