package usbmux

import (
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
)

const (
	headerSize = 16
	// plistVersion is the protocol version usbmuxd uses for plist payloads.
	plistVersion uint32 = 1
	// plistRequest is the packet type of every plist message, the actual kind lives in the payload.
	plistRequest uint32 = 8
)

// Header is the 16 byte little endian header in front of every usbmuxd message.
type Header struct {
	Length  uint32 `struc:"uint32,little"`
	Version uint32 `struc:"uint32,little"`
	Request uint32 `struc:"uint32,little"`
	Tag     uint32 `struc:"uint32,little"`
}

func newHeader(payloadLength int, tag uint32) Header {
	return Header{Length: headerSize + uint32(payloadLength), Version: plistVersion, Request: plistRequest, Tag: tag}
}

func writeHeader(w io.Writer, h Header) error {
	return struc.Pack(w, &h)
}

func readHeader(r io.Reader) (Header, error) {
	var h Header
	err := struc.Unpack(r, &h)
	return h, err
}

// Ntohs swaps the byte order of a port, usbmuxd wants PortNumber in network byte order.
func Ntohs(port uint16) uint16 {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, port)
	return binary.LittleEndian.Uint16(buf)
}
