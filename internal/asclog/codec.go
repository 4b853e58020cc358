// Package asclog implements the archival logger: a Vector ASC trace encoder
// and decoder, and the Logger state machine
// that drains log_fifo into timestamped session files with start/stop/
// auto-start policy, disk-fullness gating and flag-rename-on-close.
//
// The line format: "<channel_idx+1> <id_hex>[x] <Rx|Tx> d
// <dlc_hex> <byte_hex>{dlc}", prefixed with a relative timestamp field the
// way Vector ASC traces carry one per line.
package asclog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kstaniek/canserver/internal/can"
)

// ErrMalformedLine is returned by Decode when a line does not match the ASC
// classic-CAN record shape.
var ErrMalformedLine = errors.New("asclog: malformed line")

// Encode renders one Frame as a single ASC line, without a trailing newline.
func Encode(f can.Frame) string {
	id := f.ID()
	idField := fmt.Sprintf("%X", id)
	if f.Extended() {
		idField += "x"
	}
	dir := "Rx"
	if !f.RX {
		dir = "Tx"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%.6f %d %s %s d %X", f.Timestamp, f.Channel+1, idField, dir, f.Len)
	for i := 0; i < int(f.Len); i++ {
		fmt.Fprintf(&b, " %02X", f.Data[i])
	}
	return b.String()
}

// EncodeTo writes Encode(f) followed by a newline to w.
func EncodeTo(w io.Writer, f can.Frame) error {
	_, err := fmt.Fprintln(w, Encode(f))
	return err
}

// Decode parses one ASC line back into a Frame (the inverse of Encode).
func Decode(line string) (can.Frame, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 6 {
		return can.Frame{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	ts, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedLine, err)
	}
	channelIdx, err := strconv.Atoi(fields[1])
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: channel: %v", ErrMalformedLine, err)
	}
	idField := fields[2]
	extended := strings.HasSuffix(idField, "x")
	idField = strings.TrimSuffix(idField, "x")
	id, err := strconv.ParseUint(idField, 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: id: %v", ErrMalformedLine, err)
	}
	dir := fields[3]
	if dir != "Rx" && dir != "Tx" {
		return can.Frame{}, fmt.Errorf("%w: direction %q", ErrMalformedLine, dir)
	}
	if fields[4] != "d" {
		return can.Frame{}, fmt.Errorf("%w: expected data marker \"d\"", ErrMalformedLine)
	}
	dlc, err := strconv.ParseUint(fields[5], 16, 8)
	if err != nil || dlc > 8 {
		return can.Frame{}, fmt.Errorf("%w: dlc: %v", ErrMalformedLine, err)
	}
	if len(fields) < 6+int(dlc) {
		return can.Frame{}, fmt.Errorf("%w: expected %d data bytes", ErrMalformedLine, dlc)
	}

	var frame can.Frame
	frame.Timestamp = ts
	frame.Channel = channelIdx - 1
	frame.CANID = uint32(id)
	if extended {
		frame.CANID |= can.EFFFlag
	}
	frame.RX = dir == "Rx"
	frame.Len = uint8(dlc)
	for i := 0; i < int(dlc); i++ {
		b, err := strconv.ParseUint(fields[6+i], 16, 8)
		if err != nil {
			return can.Frame{}, fmt.Errorf("%w: data byte %d: %v", ErrMalformedLine, i, err)
		}
		frame.Data[i] = byte(b)
	}
	return frame, nil
}

// DecodeAll reads every ASC record from r in order. Non-matching lines
// (headers, comments) are skipped rather than treated as errors, matching
// how Vector traces carry a header block before the first record.
func DecodeAll(r io.Reader) ([]can.Frame, error) {
	var out []can.Frame
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		f, err := Decode(line)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
