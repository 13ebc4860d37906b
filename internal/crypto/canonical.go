package crypto

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/talosprotocol/talos/model"
)

// CanonicalVersion is the leading version tag of the canonical encoding.
const CanonicalVersion byte = 0x01

// SigningBytes produces the canonical byte string a capability is signed
// over: a version tag, then every field except the signature in fixed
// lexicographic order. Integers are big-endian fixed-width, strings are
// UTF-8 with a 32-bit big-endian length prefix, and maps are sorted by key.
// The encoding is deterministic: equal capabilities always produce equal
// bytes.
func SigningBytes(c *model.Capability) []byte {
	var buf bytes.Buffer
	buf.WriteByte(CanonicalVersion)

	// Field order: constraints, delegatable, delegation_chain, expires_at,
	// id, issued_at, issuer, scope, subject.
	writeMap(&buf, c.Constraints)
	writeBool(&buf, c.Delegatable)
	writeStrings(&buf, c.DelegationChain)
	writeInt64(&buf, c.ExpiresAt)
	writeString(&buf, c.ID)
	writeInt64(&buf, c.IssuedAt)
	writeString(&buf, c.Issuer)
	writeString(&buf, string(c.Scope))
	writeString(&buf, c.Subject)

	return buf.Bytes()
}

// Marshal encodes a capability for wire transport: the signing bytes
// followed by the length-prefixed signature. Round-tripping through
// Unmarshal and Marshal is byte-identical.
func Marshal(c *model.Capability) []byte {
	var buf bytes.Buffer
	buf.Write(SigningBytes(c))
	writeBytes(&buf, c.Signature)
	return buf.Bytes()
}

// Unmarshal decodes a wire-encoded capability. Truncated or malformed input
// fails with a CryptoError. Unmarshal does not verify the signature.
func Unmarshal(data []byte) (*model.Capability, error) {
	r := &canonicalReader{data: data}

	version := r.readByte()
	if r.err == nil && version != CanonicalVersion {
		return nil, model.NewCryptoError("unsupported encoding version 0x%02x", version)
	}

	c := &model.Capability{}
	c.Constraints = r.readMap()
	c.Delegatable = r.readBool()
	c.DelegationChain = r.readStrings()
	c.ExpiresAt = r.readInt64()
	c.ID = r.readString()
	c.IssuedAt = r.readInt64()
	c.Issuer = r.readString()
	c.Scope = model.Scope(r.readString())
	c.Subject = r.readString()
	c.Signature = r.readBytes()

	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(r.data) {
		return nil, model.NewCryptoError("trailing %d bytes after capability", len(r.data)-r.pos)
	}
	return c, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(v))
	buf.Write(n[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(0x01)
	} else {
		buf.WriteByte(0x00)
	}
}

func writeStrings(buf *bytes.Buffer, items []string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(items)))
	buf.Write(n[:])
	for _, s := range items {
		writeString(buf, s)
	}
}

func writeMap(buf *bytes.Buffer, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(keys)))
	buf.Write(n[:])
	for _, k := range keys {
		writeString(buf, k)
		writeString(buf, m[k])
	}
}

// canonicalReader decodes the canonical layout, latching the first error so
// callers can check once at the end.
type canonicalReader struct {
	data []byte
	pos  int
	err  error
}

func (r *canonicalReader) fail() {
	if r.err == nil {
		r.err = model.NewCryptoError("truncated capability encoding at offset %d", r.pos)
	}
}

func (r *canonicalReader) readByte() byte {
	if r.err != nil || r.pos+1 > len(r.data) {
		r.fail()
		return 0
	}
	b := r.data[r.pos]
	r.pos++
	return b
}

func (r *canonicalReader) readBool() bool {
	return r.readByte() == 0x01
}

func (r *canonicalReader) readInt64() int64 {
	if r.err != nil || r.pos+8 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return int64(v)
}

func (r *canonicalReader) readUint32() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *canonicalReader) readBytes() []byte {
	n := int(r.readUint32())
	if r.err != nil || r.pos+n > len(r.data) {
		r.fail()
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *canonicalReader) readString() string {
	return string(r.readBytes())
}

func (r *canonicalReader) readStrings() []string {
	n := int(r.readUint32())
	if r.err != nil {
		return nil
	}
	if n == 0 {
		return nil
	}
	items := make([]string, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, r.readString())
		if r.err != nil {
			return nil
		}
	}
	return items
}

func (r *canonicalReader) readMap() map[string]string {
	n := int(r.readUint32())
	if r.err != nil {
		return nil
	}
	if n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := r.readString()
		v := r.readString()
		if r.err != nil {
			return nil
		}
		m[k] = v
	}
	return m
}
