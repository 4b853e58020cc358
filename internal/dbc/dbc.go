// Package dbc loads a Vector DBC message database and decodes raw CAN
// payloads into named signals.
//
// The DBC database is treated as an external collaborator: the core pipeline
// depends only on the Database/Message/Signal shapes below, not on any
// particular parser implementation. No DBC-parsing Go library appeared
// anywhere in the retrieved example pack, so this package implements the
// minimal BO_/SG_/VAL_ grammar itself — see DESIGN.md for the
// stdlib-justification this requires. Bit-layout and scale/offset semantics
// follow the original Python system's use of the `cantools` library
// (can_reader.py: db.get_message_by_frame_id, db_msg.decode).
package dbc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// SignalDef describes one named bitfield within a message.
type SignalDef struct {
	Name      string
	StartBit  int
	Length    int
	BigEndian bool // true = Motorola byte order, false = Intel
	Signed    bool
	Scale     float64
	Offset    float64
	States    map[int64]string // enumerated value -> symbolic state, if any
}

// MessageDef describes one DBC message (a frame id's decode rule).
type MessageDef struct {
	FrameID uint32
	Name    string
	Senders []string
	Signals []SignalDef
}

// HasSender reports whether busName appears in the message's sender list.
func (m *MessageDef) HasSender(busName string) bool {
	for _, s := range m.Senders {
		if s == busName {
			return true
		}
	}
	return false
}

// Database is a read-only, loaded-once index of message definitions.
// It is safe for concurrent reads from multiple goroutines.
type Database struct {
	byID   map[uint32]*MessageDef
	byName map[string]*MessageDef
}

// MessageByFrameID looks up a message definition by arbitration id.
func (d *Database) MessageByFrameID(id uint32) (*MessageDef, bool) {
	m, ok := d.byID[id]
	return m, ok
}

// MessageByName looks up a message definition by its symbolic name.
func (d *Database) MessageByName(name string) (*MessageDef, bool) {
	m, ok := d.byName[name]
	return m, ok
}

// Messages returns every message definition in the database.
func (d *Database) Messages() []*MessageDef {
	out := make([]*MessageDef, 0, len(d.byID))
	for _, m := range d.byID {
		out = append(out, m)
	}
	return out
}

var (
	boLine  = regexp.MustCompile(`^BO_\s+(\d+)\s+(\S+)\s*:\s*(\d+)\s+(\S+)`)
	sgLine  = regexp.MustCompile(`^SG_\s+(\S+)\s*(?:m\d+)?\s*:\s*(\d+)\|(\d+)@([01])([+-])\s*\(([^,]+),([^)]+)\)\s*\[[^\]]*\]\s*"[^"]*"\s*(.*)$`)
	valLine = regexp.MustCompile(`^VAL_\s+(\d+)\s+(\S+)\s+(.*);\s*$`)
	valItem = regexp.MustCompile(`(-?\d+)\s+"([^"]*)"`)
)

// Load reads and parses a DBC file.
func Load(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dbc: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a DBC document from r.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{byID: map[uint32]*MessageDef{}, byName: map[string]*MessageDef{}}
	var cur *MessageDef

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "BO_ "):
			m := boLine.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			id, _ := strconv.ParseUint(m[1], 10, 32)
			msg := &MessageDef{FrameID: uint32(id), Name: m[2], Senders: splitSenders(m[4])}
			db.byID[msg.FrameID] = msg
			db.byName[msg.Name] = msg
			cur = msg
		case strings.HasPrefix(trimmed, "SG_ ") && cur != nil:
			m := sgLine.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			start, _ := strconv.Atoi(m[2])
			length, _ := strconv.Atoi(m[3])
			scale, _ := strconv.ParseFloat(strings.TrimSpace(m[6]), 64)
			offset, _ := strconv.ParseFloat(strings.TrimSpace(m[7]), 64)
			sd := SignalDef{
				Name:      m[1],
				StartBit:  start,
				Length:    length,
				BigEndian: m[4] == "0",
				Signed:    m[5] == "-",
				Scale:     scale,
				Offset:    offset,
			}
			cur.Signals = append(cur.Signals, sd)
		case strings.HasPrefix(trimmed, "VAL_ "):
			m := valLine.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			id, _ := strconv.ParseUint(m[1], 10, 32)
			msg, ok := db.byID[uint32(id)]
			if !ok {
				continue
			}
			for i := range msg.Signals {
				if msg.Signals[i].Name != m[2] {
					continue
				}
				states := map[int64]string{}
				for _, item := range valItem.FindAllStringSubmatch(m[3], -1) {
					v, _ := strconv.ParseInt(item[1], 10, 64)
					states[v] = item[2]
				}
				msg.Signals[i].States = states
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dbc: scan: %w", err)
	}
	return db, nil
}

func splitSenders(field string) []string {
	field = strings.TrimSpace(field)
	if field == "" || field == "Vector__XXX" {
		return nil
	}
	return strings.Split(field, ",")
}
