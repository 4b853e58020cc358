package dbc

import (
	"strings"
	"testing"
)

const sampleDBC = `
VERSION ""

BU_: PCM TCM

BO_ 256 ENGINE_DATA: 8 PCM
 SG_ EngineRPM : 0|16@1+ (0.25,0) [0|16000] "rpm" TCM
 SG_ EngineTemp : 16|8@1- (1,-40) [-40|215] "degC" TCM
 SG_ GearState : 24|4@1+ (1,0) [0|8] "" TCM

VAL_ 256 GearState 0 "PARK" 1 "REVERSE" 2 "NEUTRAL" 3 "DRIVE" ;
`

func TestParseBasicMessage(t *testing.T) {
	db, err := Parse(strings.NewReader(sampleDBC))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	msg, ok := db.MessageByFrameID(256)
	if !ok {
		t.Fatalf("expected message 256 to be present")
	}
	if msg.Name != "ENGINE_DATA" {
		t.Fatalf("got name %q", msg.Name)
	}
	if !msg.HasSender("PCM") {
		t.Fatalf("expected PCM to be a sender")
	}
	if len(msg.Signals) != 3 {
		t.Fatalf("expected 3 signals, got %d", len(msg.Signals))
	}
}

func TestDecodeIntelUnsignedScale(t *testing.T) {
	db, err := Parse(strings.NewReader(sampleDBC))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	msg, _ := db.MessageByFrameID(256)

	// EngineRPM raw=4000 (0x0FA0) little-endian in bytes 0-1 -> 4000*0.25 = 1000 rpm.
	data := [8]byte{0xA0, 0x0F, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	values, err := DecodeMessage(msg, data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	byName := map[string]Value{}
	for _, v := range values {
		byName[v.Name] = v
	}
	if got := byName["EngineRPM"].Numeric; got != 1000 {
		t.Fatalf("EngineRPM = %v, want 1000", got)
	}
}

func TestDecodeSignedOffset(t *testing.T) {
	db, _ := Parse(strings.NewReader(sampleDBC))
	msg, _ := db.MessageByFrameID(256)

	// EngineTemp raw byte = 0x00 (0) -> physical = 0*1 + (-40) = -40.
	data := [8]byte{0, 0, 0, 0, 0, 0, 0, 0}
	values, _ := DecodeMessage(msg, data)
	for _, v := range values {
		if v.Name == "EngineTemp" && v.Numeric != -40 {
			t.Fatalf("EngineTemp = %v, want -40", v.Numeric)
		}
	}
}

func TestDecodeEnumState(t *testing.T) {
	db, _ := Parse(strings.NewReader(sampleDBC))
	msg, _ := db.MessageByFrameID(256)

	// GearState occupies bits 24-27 (byte 3, low nibble): value 3 = DRIVE.
	data := [8]byte{0, 0, 0, 0x03, 0, 0, 0, 0}
	values, _ := DecodeMessage(msg, data)
	for _, v := range values {
		if v.Name == "GearState" {
			if !v.HasEnum || v.State != "DRIVE" {
				t.Fatalf("GearState = %+v, want state DRIVE", v)
			}
		}
	}
}

func TestMessageByNameAndMessages(t *testing.T) {
	db, _ := Parse(strings.NewReader(sampleDBC))
	if _, ok := db.MessageByName("ENGINE_DATA"); !ok {
		t.Fatalf("expected lookup by name to succeed")
	}
	if len(db.Messages()) != 1 {
		t.Fatalf("expected 1 message total")
	}
}
