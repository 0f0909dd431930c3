// Package mysqlproto recognizes MySQL client command packets in raw relay
// chunks. It only reads packet headers; nothing is validated beyond that.
package mysqlproto

import (
	"encoding/hex"
	"fmt"
)

// Packet header: 3-byte little-endian payload length + 1-byte sequence id.
const headerSize = 4

// Command bytes the relay reports on.
const (
	ComQuit           byte = 0x01
	ComInitDB         byte = 0x02
	ComQuery          byte = 0x03
	ComPing           byte = 0x0e
	ComBinlogDump     byte = 0x12
	ComRegisterSlave  byte = 0x15
	ComBinlogDumpGTID byte = 0x1e
)

var commandNames = map[byte]string{
	ComQuit:           "COM_QUIT",
	ComInitDB:         "COM_INIT_DB",
	ComQuery:          "COM_QUERY",
	ComPing:           "COM_PING",
	ComBinlogDump:     "COM_BINLOG_DUMP",
	ComRegisterSlave:  "COM_REGISTER_SLAVE",
	ComBinlogDumpGTID: "COM_BINLOG_DUMP_GTID",
}

// Command is the header of one decoded command packet.
type Command struct {
	PayloadLen int
	Seq        byte
	Code       byte
}

// Name returns the display name of the command code.
func (c Command) Name() string { return CommandName(c.Code) }

// Streaming reports whether the command starts or registers a binlog stream.
func (c Command) Streaming() bool { return IsStreamingCommand(c.Code) }

// Sniff decodes the packet header at the start of b. It reports false for
// anything that does not look like a complete command packet; chunk
// boundaries rarely line up with packets, so that is the common case.
func Sniff(b []byte) (Command, bool) {
	if len(b) < headerSize+1 {
		return Command{}, false
	}
	n := int(b[0]) | int(b[1])<<8 | int(b[2])<<16
	if n == 0 || headerSize+n > len(b) {
		return Command{}, false
	}
	return Command{PayloadLen: n, Seq: b[3], Code: b[headerSize]}, true
}

// CommandName maps a command byte to its protocol name.
func CommandName(code byte) string {
	if name, ok := commandNames[code]; ok {
		return name
	}
	return fmt.Sprintf("COM_0x%02x", code)
}

// IsStreamingCommand is true for COM_BINLOG_DUMP, COM_REGISTER_SLAVE and
// COM_BINLOG_DUMP_GTID.
func IsStreamingCommand(code byte) bool {
	switch code {
	case ComBinlogDump, ComRegisterSlave, ComBinlogDumpGTID:
		return true
	}
	return false
}

// Dump renders at most limit bytes of b as a hex+ASCII listing.
func Dump(b []byte, limit int) string {
	if limit >= 0 && len(b) > limit {
		b = b[:limit]
	}
	return hex.Dump(b)
}
