package redbtree

import "encoding/binary"

// This file holds fixed big-endian 32/64-bit integer read/write helpers
// layered on top of Device. Every multi-byte integer in the on-disk
// format is big-endian.

func readUint32(d Device, offset uint64) (uint32, error) {
	var buf [4]byte
	if err := d.Pread(buf[:], offset); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeUint32(d Device, offset uint64, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return d.Pwrite(buf[:], offset)
}

func readUint64(d Device, offset uint64) (uint64, error) {
	var buf [8]byte
	if err := d.Pread(buf[:], offset); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeUint64(d Device, offset uint64, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return d.Pwrite(buf[:], offset)
}
