package item

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Key Namespace Design
// ====================
//
// The item store is a single ordered key space partitioned into zones.
// Each zone lays out its fields so that the encoded byte order matches
// the logical iteration order the callers depend on:
//
// Zone      Layout                          Order needed by
// =============================================================================
// FS        zone, ino, type                 all items of one inode are adjacent
// INDEX     zone, type, major, minor, ino   ordered walk of one index type
// ORPHAN    zone, ino, type                 ascending-ino orphan scan
//
// Keys compare by their encoded form, so a store that orders raw bytes
// (badger, or any LSM) iterates items in the logical order for free.

// Zone partitions the key space.
type Zone uint8

const (
	// ZoneFS holds authoritative filesystem object items keyed by inode
	// number.
	ZoneFS Zone = 1

	// ZoneIndex holds secondary index items keyed by (type, major, minor,
	// ino). Values are empty; existence encodes membership.
	ZoneIndex Zone = 2

	// ZoneOrphan holds orphan markers for inodes whose link count reached
	// zero but whose items may not be fully deleted yet.
	ZoneOrphan Zone = 3
)

// Type distinguishes item kinds within a zone.
type Type uint8

const (
	// TypeInode is the authoritative inode item in ZoneFS.
	TypeInode Type = 1

	// TypeOrphan is the orphan marker item in ZoneOrphan.
	TypeOrphan Type = 1

	// TypeIndexMetaSeq is the metadata-sequence index in ZoneIndex.
	TypeIndexMetaSeq Type = 1

	// TypeIndexDataSeq is the data-sequence index in ZoneIndex.
	TypeIndexDataSeq Type = 2
)

// Key identifies one item in the store. The meaning of Major, Minor and
// Ino depends on the zone; unused fields are zero.
type Key struct {
	Zone  Zone
	Type  Type
	Major uint64
	Minor uint32
	Ino   uint64
}

// InodeKey returns the key of the authoritative inode item for ino.
func InodeKey(ino uint64) Key {
	return Key{Zone: ZoneFS, Ino: ino, Type: TypeInode}
}

// OrphanKey returns the key of the orphan marker for ino.
func OrphanKey(ino uint64) Key {
	return Key{Zone: ZoneOrphan, Ino: ino, Type: TypeOrphan}
}

// IndexKey returns the key of a secondary index item.
func IndexKey(typ Type, major uint64, minor uint32, ino uint64) Key {
	return Key{Zone: ZoneIndex, Type: typ, Major: major, Minor: minor, Ino: ino}
}

// encoded sizes per zone, zone byte included
const (
	fsKeyLen     = 1 + 8 + 1
	indexKeyLen  = 1 + 1 + 8 + 4 + 8
	orphanKeyLen = 1 + 8 + 1
)

// Encode returns the ordered byte representation of the key. All multi-byte
// fields are big-endian so that byte order equals numeric order.
func (k Key) Encode() []byte {
	switch k.Zone {
	case ZoneFS, ZoneOrphan:
		buf := make([]byte, fsKeyLen)
		buf[0] = byte(k.Zone)
		binary.BigEndian.PutUint64(buf[1:9], k.Ino)
		buf[9] = byte(k.Type)
		return buf
	case ZoneIndex:
		buf := make([]byte, indexKeyLen)
		buf[0] = byte(k.Zone)
		buf[1] = byte(k.Type)
		binary.BigEndian.PutUint64(buf[2:10], k.Major)
		binary.BigEndian.PutUint32(buf[10:14], k.Minor)
		binary.BigEndian.PutUint64(buf[14:22], k.Ino)
		return buf
	default:
		// unknown zones still need a stable order for range bounds
		return []byte{byte(k.Zone), byte(k.Type)}
	}
}

// DecodeKey parses an encoded key back into its fields.
func DecodeKey(buf []byte) (Key, error) {
	if len(buf) < 2 {
		return Key{}, fmt.Errorf("item key too short: %d bytes", len(buf))
	}
	switch Zone(buf[0]) {
	case ZoneFS, ZoneOrphan:
		if len(buf) != fsKeyLen {
			return Key{}, fmt.Errorf("bad fs/orphan key length %d", len(buf))
		}
		return Key{
			Zone: Zone(buf[0]),
			Ino:  binary.BigEndian.Uint64(buf[1:9]),
			Type: Type(buf[9]),
		}, nil
	case ZoneIndex:
		if len(buf) != indexKeyLen {
			return Key{}, fmt.Errorf("bad index key length %d", len(buf))
		}
		return Key{
			Zone:  Zone(buf[0]),
			Type:  Type(buf[1]),
			Major: binary.BigEndian.Uint64(buf[2:10]),
			Minor: binary.BigEndian.Uint32(buf[10:14]),
			Ino:   binary.BigEndian.Uint64(buf[14:22]),
		}, nil
	default:
		return Key{}, fmt.Errorf("unknown key zone %d", buf[0])
	}
}

// Compare orders keys the way the store iterates them.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k.Encode(), other.Encode())
}

// Next returns the smallest key strictly greater than k in encoded order.
// Used to continue iteration past a key or past a lock region's end.
func (k Key) Next() Key {
	switch k.Zone {
	case ZoneFS, ZoneOrphan:
		if k.Type < ^Type(0) {
			k.Type++
			return k
		}
		k.Type = 0
		k.Ino++
		return k
	case ZoneIndex:
		if k.Ino < ^uint64(0) {
			k.Ino++
			return k
		}
		k.Ino = 0
		if k.Minor < ^uint32(0) {
			k.Minor++
			return k
		}
		k.Minor = 0
		if k.Major < ^uint64(0) {
			k.Major++
			return k
		}
		k.Major = 0
		k.Type++
		return k
	default:
		k.Type++
		return k
	}
}

func (k Key) String() string {
	switch k.Zone {
	case ZoneFS:
		return fmt.Sprintf("fs.%d.ino.%d", k.Type, k.Ino)
	case ZoneIndex:
		return fmt.Sprintf("idx.%d.maj.%d.min.%d.ino.%d", k.Type, k.Major, k.Minor, k.Ino)
	case ZoneOrphan:
		return fmt.Sprintf("orph.ino.%d", k.Ino)
	default:
		return fmt.Sprintf("zone.%d.type.%d", k.Zone, k.Type)
	}
}
