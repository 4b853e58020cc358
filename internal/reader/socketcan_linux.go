//go:build linux

// Package reader's SocketCAN device, grounded directly on go-ampio-server's
// internal/socketcan/device.go: raw AF_CAN socket, bind-by-interface-name,
// fixed-size CAN_MTU reads. Extended to report transient read errors as
// (ok=false, err=nil) instead of propagating them: the Reader counts such
// bus errors in a metric and keeps running.
package reader

import (
	"encoding/binary"
	"fmt"
	"net"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/logging"
)

type socketCANDevice struct {
	fd      int
	channel int
}

// bringUpInterface brings iface up in raw CAN mode at bitrateBPS via
// `ip link set`, mirroring the original Python system's
// `os.system("sudo /sbin/ip link set ...")` but through exec.Command (no
// shell, no injection surface). Skipped if the interface is already up.
// Best-effort: failures are logged, never fatal, since the interface may
// already be configured externally (e.g. by systemd-networkd).
func bringUpInterface(iface string, bitrateBPS int) {
	log := logging.ForChannel(iface)
	if ifi, err := net.InterfaceByName(iface); err == nil && ifi.Flags&net.FlagUp != 0 {
		return
	}
	down := exec.Command("ip", "link", "set", iface, "down")
	if out, err := down.CombinedOutput(); err != nil {
		log.Warn("iface_down_failed", "error", err, "output", string(out))
	}
	cfg := exec.Command("ip", "link", "set", iface, "type", "can", "bitrate", fmt.Sprintf("%d", bitrateBPS))
	if out, err := cfg.CombinedOutput(); err != nil {
		log.Warn("iface_bitrate_failed", "error", err, "output", string(out))
	}
	up := exec.Command("ip", "link", "set", iface, "up")
	if out, err := up.CombinedOutput(); err != nil {
		log.Warn("iface_up_failed", "error", err, "output", string(out))
	}
}

func openSocketCAN(iface string, bitrateBPS int) (Device, error) {
	bringUpInterface(iface, bitrateBPS)

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("%w: socket(AF_CAN): %v", ErrIO, err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: interface %q: %v", ErrIO, iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: bind(can@%s): %v", ErrIO, iface, err)
	}
	return &socketCANDevice{fd: fd}, nil
}

func (d *socketCANDevice) Close() error { return unix.Close(d.fd) }

func (d *socketCANDevice) Recv() (can.Frame, bool, error) {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		// Transient bus conditions (ENETDOWN while the interface bounces,
		// EINTR, etc.) are swallowed: the frame is dropped, the pipeline
		// keeps running.
		return can.Frame{}, false, nil
	}
	if n != unix.CAN_MTU {
		return can.Frame{}, false, nil
	}

	id := binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc < 0 || dlc > 8 {
		dlc = 8
	}
	var frame can.Frame
	frame.Channel = d.channel
	frame.CANID = id
	frame.Len = uint8(dlc)
	frame.RX = true
	frame.Timestamp = float64(time.Now().UnixNano()) / 1e9
	copy(frame.Data[:], buf[8:8+dlc])
	return frame, true, nil
}
