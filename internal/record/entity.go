package record

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

// EntityKind distinguishes nodes from edges within a versioned slot
// payload, per spec section 6: "1-byte kind (0x03 or 0x04)".
type EntityKind uint8

const (
	EntityNode EntityKind = 0x03
	EntityEdge EntityKind = 0x04
)

// Node is the in-memory form of a graph node version, per spec section
// 4: stable id, ordered labels, a property map, and the two
// head-of-edge-list pointers.
type Node struct {
	ID                  uint64
	Labels              []string
	Properties          *PropertyMap
	FirstOutgoingEdgeID uint64
	FirstIncomingEdgeID uint64
}

// Edge is the in-memory form of a graph edge version, per spec section
// 4: stable id, endpoints, a type name, a property map, and the two
// intrusive-list successor pointers.
type Edge struct {
	ID                  uint64
	Source              uint64
	Target              uint64
	Type                string
	Properties          *PropertyMap
	NextOutgoingEdgeID  uint64
	NextIncomingEdgeID  uint64
}

func writeString(dst []byte, s string) []byte {
	dst = appendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func readString(src []byte) (string, int, error) {
	if len(src) < 4 {
		return "", 0, fmt.Errorf("record: truncated string length")
	}
	n := int(binary.BigEndian.Uint32(src[0:4]))
	if len(src) < 4+n {
		return "", 0, fmt.Errorf("record: truncated string body")
	}
	return string(src[4 : 4+n]), 4 + n, nil
}

// EncodeNode serializes n as a self-describing payload: id, ordered
// labels, property map, then the two edge-list heads.
func EncodeNode(n *Node) []byte {
	dst := make([]byte, 0, 64)
	dst = appendUint64(dst, n.ID)
	dst = appendUint32(dst, uint32(len(n.Labels)))
	for _, l := range n.Labels {
		dst = writeString(dst, l)
	}
	dst = WritePropertyMap(dst, n.Properties)
	dst = appendUint64(dst, n.FirstOutgoingEdgeID)
	dst = appendUint64(dst, n.FirstIncomingEdgeID)
	return dst
}

// DecodeNode is the inverse of EncodeNode.
func DecodeNode(src []byte) (*Node, error) {
	if len(src) < 12 {
		return nil, fmt.Errorf("record: node: truncated header")
	}
	n := &Node{ID: binary.BigEndian.Uint64(src[0:8])}
	off := 8
	labelCount := int(binary.BigEndian.Uint32(src[off : off+4]))
	off += 4
	n.Labels = make([]string, labelCount)
	for i := 0; i < labelCount; i++ {
		l, consumed, err := readString(src[off:])
		if err != nil {
			return nil, fmt.Errorf("record: node %d: label %d: %w", n.ID, i, err)
		}
		n.Labels[i] = l
		off += consumed
	}

	props, consumed, err := ReadPropertyMap(src[off:])
	if err != nil {
		return nil, fmt.Errorf("record: node %d: properties: %w", n.ID, err)
	}
	n.Properties = props
	off += consumed

	if len(src) < off+16 {
		return nil, fmt.Errorf("record: node %d: truncated edge-list heads", n.ID)
	}
	n.FirstOutgoingEdgeID = binary.BigEndian.Uint64(src[off : off+8])
	n.FirstIncomingEdgeID = binary.BigEndian.Uint64(src[off+8 : off+16])
	return n, nil
}

// EncodeEdge serializes e as id, endpoints, type name, property map,
// then the two intrusive-list successor pointers.
func EncodeEdge(e *Edge) []byte {
	dst := make([]byte, 0, 64)
	dst = appendUint64(dst, e.ID)
	dst = appendUint64(dst, e.Source)
	dst = appendUint64(dst, e.Target)
	dst = writeString(dst, e.Type)
	dst = WritePropertyMap(dst, e.Properties)
	dst = appendUint64(dst, e.NextOutgoingEdgeID)
	dst = appendUint64(dst, e.NextIncomingEdgeID)
	return dst
}

// DecodeEdge is the inverse of EncodeEdge.
func DecodeEdge(src []byte) (*Edge, error) {
	if len(src) < 24 {
		return nil, fmt.Errorf("record: edge: truncated header")
	}
	e := &Edge{
		ID:     binary.BigEndian.Uint64(src[0:8]),
		Source: binary.BigEndian.Uint64(src[8:16]),
		Target: binary.BigEndian.Uint64(src[16:24]),
	}
	off := 24
	typeName, consumed, err := readString(src[off:])
	if err != nil {
		return nil, fmt.Errorf("record: edge %d: type: %w", e.ID, err)
	}
	e.Type = typeName
	off += consumed

	props, consumed, err := ReadPropertyMap(src[off:])
	if err != nil {
		return nil, fmt.Errorf("record: edge %d: properties: %w", e.ID, err)
	}
	e.Properties = props
	off += consumed

	if len(src) < off+16 {
		return nil, fmt.Errorf("record: edge %d: truncated intrusive-list pointers", e.ID)
	}
	e.NextOutgoingEdgeID = binary.BigEndian.Uint64(src[off : off+8])
	e.NextIncomingEdgeID = binary.BigEndian.Uint64(src[off+8 : off+16])
	return e, nil
}

// CompressBody snappy-compresses a version's encoded payload before it
// is written to a slot. Store.AppendVersion applies it, when the
// version_codec config selects snappy, to every version that has a
// predecessor (meta.Prev non-zero). That includes each new chain head;
// only an entity's first version is stored uncompressed.
func CompressBody(body []byte) []byte {
	return snappy.Encode(nil, body)
}

// DecompressBody reverses CompressBody.
func DecompressBody(compressed []byte) ([]byte, error) {
	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("record: snappy decompress: %w", err)
	}
	return body, nil
}
