package decoder

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testDBC = `
BO_ 256 ENGINE_DATA: 8 PCM
 SG_ EngineRPM : 0|16@1+ (0.25,0) [0|16000] "rpm" TCM

BO_ 512 BRAKE_DATA: 8 ABS
 SG_ BrakePressure : 0|8@1+ (1,0) [0|255] "kPa" TCM
`

func writeTestDBC(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.dbc")
	if err := os.WriteFile(path, []byte(testDBC), 0o644); err != nil {
		t.Fatalf("write dbc: %v", err)
	}
	return path
}

func newTestDecoder(t *testing.T, minInterval float64) *Decoder {
	t.Helper()
	path := writeTestDBC(t)
	d, err := Setup(path, "PCM", []string{"ENGINE_DATA"}, minInterval)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	d.In = queue.NewDropPolicyQueue[can.Frame](100, queue.PolicyDropNewest)
	d.Out = queue.NewDropPolicyQueue[DecodedRecord](100, queue.PolicyDropNewest)
	return d
}

func TestSetupRejectsEmptyIncludeList(t *testing.T) {
	path := writeTestDBC(t)
	if _, err := Setup(path, "PCM", nil, 0); err == nil {
		t.Fatalf("expected ErrConfig for empty include list")
	}
}

func TestSetupRejectsUnknownMessage(t *testing.T) {
	path := writeTestDBC(t)
	if _, err := Setup(path, "PCM", []string{"NOT_A_MESSAGE"}, 0); err == nil {
		t.Fatalf("expected ErrConfig for unknown message")
	}
}

func TestSetupRejectsNonSenderBus(t *testing.T) {
	path := writeTestDBC(t)
	if _, err := Setup(path, "NOBODY", []string{"ENGINE_DATA"}, 0); err == nil {
		t.Fatalf("expected ErrConfig when bus is not a sender of anything")
	}
}

func TestDecodeOneAdmitsFilteredFrame(t *testing.T) {
	d := newTestDecoder(t, 0)
	frame := can.Frame{CANID: 256, Timestamp: 1.0, Data: [8]byte{0xA0, 0x0F}}
	rec, ok := d.decodeOne(frame, discardLogger())
	if !ok {
		t.Fatalf("expected frame to be decoded")
	}
	if rec.Message != "ENGINE_DATA" {
		t.Fatalf("got message %q", rec.Message)
	}
}

func TestDecodeOneDiscardsUnfilteredFrame(t *testing.T) {
	d := newTestDecoder(t, 0)
	frame := can.Frame{CANID: 512, Timestamp: 1.0}
	if _, ok := d.decodeOne(frame, discardLogger()); ok {
		t.Fatalf("expected frame outside DecodeFilter to be discarded")
	}
}

func TestDecodeOneRateLimits(t *testing.T) {
	d := newTestDecoder(t, 1.0)
	first := can.Frame{CANID: 256, Timestamp: 10.0}
	if _, ok := d.decodeOne(first, discardLogger()); !ok {
		t.Fatalf("first frame should decode")
	}
	tooSoon := can.Frame{CANID: 256, Timestamp: 10.5}
	if _, ok := d.decodeOne(tooSoon, discardLogger()); ok {
		t.Fatalf("frame within min_interval should be rate-limited")
	}
	later := can.Frame{CANID: 256, Timestamp: 11.0}
	if _, ok := d.decodeOne(later, discardLogger()); !ok {
		t.Fatalf("frame past min_interval should decode")
	}
}

func TestDecodeOneCrossBusFilter(t *testing.T) {
	path := writeTestDBC(t)
	// ABS never sends ENGINE_DATA, but setup requires the bus to send
	// something; reuse BRAKE_DATA's sender for setup and confirm ENGINE_DATA
	// frames from that bus are discarded by the cross-bus check.
	d, err := Setup(path, "ABS", []string{"ENGINE_DATA", "BRAKE_DATA"}, 0)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	frame := can.Frame{CANID: 256, Timestamp: 1.0}
	if _, ok := d.decodeOne(frame, discardLogger()); ok {
		t.Fatalf("expected cross-bus discard: ABS does not send ENGINE_DATA")
	}
}
