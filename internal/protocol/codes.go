package protocol

import "fmt"

// Control codes occupy the first payload byte of a request.
const (
	ControlStart         byte = 0x00
	ControlQuery         byte = 0xFD
	ControlInvalidPacket byte = 0xFE
	ControlEnd           byte = 0xFF
)

// Response codes are the single body byte of dispatcher replies.
const (
	ResponseOK             byte = 0x01
	ResponseWait           byte = 0x02
	ResponseComplete       byte = 0x03
	ResponseCurrentTask    byte = 0xF9
	ResponseAlreadyRunning byte = 0xFA
	ResponseNotStarted     byte = 0xFB
	ResponsePacketTimeout  byte = 0xFC
	ResponseInvalidCommand byte = 0xFE
	ResponseInvalidPacket  byte = 0xFF
)

// Command codes of the handlers shipped with the device.
const (
	CommandDirectory byte = 0x01
	CommandSendFile  byte = 0x02
	CommandDelete    byte = 0x03
	CommandCamera    byte = 0x04
	CommandFirmware  byte = 0xA0
)

// Sub-commands understood by streaming handlers.
const (
	SubSendNext byte = 0x10
	SubResend   byte = 0x11
)

// IsControl reports whether code is reserved for the dispatcher.
func IsControl(code byte) bool {
	switch code {
	case ControlStart, ControlQuery, ControlInvalidPacket, ControlEnd:
		return true
	}
	return false
}

// CodeName returns a stable label for metrics and logs.
func CodeName(code byte) string {
	switch code {
	case ControlStart:
		return "start"
	case ControlQuery:
		return "query"
	case ControlInvalidPacket:
		return "invalid_packet"
	case ControlEnd:
		return "end"
	case CommandDirectory:
		return "directory"
	case CommandSendFile:
		return "send_file"
	case CommandDelete:
		return "delete"
	case CommandCamera:
		return "camera"
	case CommandFirmware:
		return "firmware"
	default:
		return fmt.Sprintf("0x%02x", code)
	}
}
