package asclog

import (
	"strings"
	"testing"

	"github.com/kstaniek/canserver/internal/can"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := can.Frame{
		Channel:   0,
		CANID:     0x132,
		Len:       8,
		Data:      [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		Timestamp: 1234.567,
		RX:        true,
	}
	line := Encode(f)
	got, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID() != f.ID() || got.Extended() != f.Extended() || got.Len != f.Len ||
		got.Channel != f.Channel || got.Data != f.Data {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestEncodeExtendedFrame(t *testing.T) {
	f := can.Frame{CANID: 0x18FEF100 | can.EFFFlag, Len: 2, Data: [8]byte{0xAB, 0xCD}, Timestamp: 1.0}
	line := Encode(f)
	if !strings.Contains(line, "x ") {
		t.Fatalf("expected extended-id suffix in line: %q", line)
	}
	got, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Extended() || got.ID() != f.ID() {
		t.Fatalf("extended id mismatch: %+v", got)
	}
}

func TestDecodeScenarioS4(t *testing.T) {
	line := "1234.567000 1 132 Rx d 8 01 02 03 04 05 06 07 08"
	f, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.ID() != 0x132 || f.Len != 8 || f.Channel != 0 {
		t.Fatalf("got %+v", f)
	}
	for i := 0; i < 8; i++ {
		if f.Data[i] != byte(i+1) {
			t.Fatalf("data[%d] = %d, want %d", i, f.Data[i], i+1)
		}
	}
}

func TestDecodeMalformedLine(t *testing.T) {
	if _, err := Decode("not an asc line"); err == nil {
		t.Fatalf("expected ErrMalformedLine")
	}
}

func TestDecodeAllSkipsHeaders(t *testing.T) {
	doc := "date Thu Jan 1 00:00:00 1970\nbase hex timestamps absolute\n" +
		"1234.567000 1 132 Rx d 8 01 02 03 04 05 06 07 08\n" +
		"1234.600000 2 200x Tx d 2 AA BB\n"
	frames, err := DecodeAll(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[1].Channel != 1 || !frames[1].Extended() {
		t.Fatalf("got %+v", frames[1])
	}
}
