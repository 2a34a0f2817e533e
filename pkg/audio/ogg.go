package audio

import (
	"encoding/binary"
	"math/rand/v2"
)

// Ogg page header flags.
const (
	oggBOS = 0x02
	oggEOS = 0x04
)

// oggCRC is the lookup table for the Ogg checksum: CRC-32, polynomial
// 0x04c11db7, no reflection, zero initial value.
var oggCRC = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

func oggChecksum(b []byte) uint32 {
	var crc uint32
	for _, v := range b {
		crc = crc<<8 ^ oggCRC[byte(crc>>24)^v]
	}
	return crc
}

// oggWriter packs packets into Ogg pages, one packet per page.
type oggWriter struct {
	serial uint32
	seq    uint32
}

func newOggWriter() *oggWriter {
	return &oggWriter{serial: rand.Uint32()}
}

// page builds one page holding packet.
func (w *oggWriter) page(packet []byte, granule uint64, flags byte) []byte {
	nseg := len(packet)/255 + 1
	p := make([]byte, 27+nseg+len(packet))
	copy(p, "OggS")
	p[5] = flags
	binary.LittleEndian.PutUint64(p[6:], granule)
	binary.LittleEndian.PutUint32(p[14:], w.serial)
	binary.LittleEndian.PutUint32(p[18:], w.seq)
	p[26] = byte(nseg)
	for i := range nseg - 1 {
		p[27+i] = 255
	}
	p[27+nseg-1] = byte(len(packet) % 255)
	copy(p[27+nseg:], packet)
	binary.LittleEndian.PutUint32(p[22:], oggChecksum(p))
	w.seq++
	return p
}
