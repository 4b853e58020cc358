package dbc

import "fmt"

// Value is one decoded signal: either a numeric physical value or, when the
// signal carries a VAL_ enumeration table, a named state.
type Value struct {
	Name    string
	Numeric float64
	State   string
	HasEnum bool
}

// DecodeMessage extracts every signal in m from an 8-byte (DLC-padded)
// payload, in the same bit-layout convention cantools uses: Intel (Ford/GM
// "little-endian") signals are packed low-to-high starting at StartBit;
// Motorola ("big-endian") signals use the sawtooth bit numbering where the
// next bit after byte-bit 0 is the next byte's bit 7.
func DecodeMessage(m *MessageDef, data [8]byte) ([]Value, error) {
	out := make([]Value, 0, len(m.Signals))
	for _, sig := range m.Signals {
		if sig.StartBit+boundsSpan(sig) > 64 {
			return nil, fmt.Errorf("dbc: signal %s exceeds 64-bit payload", sig.Name)
		}
		raw := extractBits(data, sig.StartBit, sig.Length, sig.BigEndian)
		if sig.Signed {
			raw = signExtend(raw, sig.Length)
		}
		v := Value{Name: sig.Name}
		if sig.Signed {
			v.Numeric = float64(int64(raw))*sig.Scale + sig.Offset
		} else {
			v.Numeric = float64(raw)*sig.Scale + sig.Offset
		}
		if sig.States != nil {
			if state, ok := sig.States[int64(raw)]; ok {
				v.State = state
				v.HasEnum = true
			}
		}
		out = append(out, v)
	}
	return out, nil
}

// boundsSpan returns the bit span added to StartBit for the 64-bit bounds
// check: Length for Intel signals, which run upward from StartBit, and 0 for
// Motorola signals, whose StartBit is the MSB.
func boundsSpan(sig SignalDef) int {
	if !sig.BigEndian {
		return sig.Length
	}
	return 0 // Motorola start bit already denotes the MSB; validated per-bit in extractBits
}

func extractBits(data [8]byte, startBit, length int, bigEndian bool) uint64 {
	var raw uint64
	pos := startBit
	if !bigEndian {
		for i := 0; i < length; i++ {
			byteIdx, bitIdx := pos/8, pos%8
			if byteIdx >= len(data) {
				break
			}
			bit := (data[byteIdx] >> uint(bitIdx)) & 1
			raw |= uint64(bit) << uint(i)
			pos++
		}
		return raw
	}
	for i := 0; i < length; i++ {
		byteIdx, bitIdx := pos/8, pos%8
		if byteIdx >= len(data) {
			break
		}
		bit := (data[byteIdx] >> uint(bitIdx)) & 1
		raw = (raw << 1) | uint64(bit)
		if bitIdx == 0 {
			pos += 15
		} else {
			pos--
		}
	}
	return raw
}

func signExtend(raw uint64, length int) uint64 {
	if length >= 64 {
		return raw
	}
	signBit := uint64(1) << uint(length-1)
	if raw&signBit != 0 {
		return raw | (^uint64(0) << uint(length))
	}
	return raw
}
