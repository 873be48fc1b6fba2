// Package blob externalizes large blob attribute values into object
// storage. Values are framed with a magic header, snappy-compressed, and
// content-addressed, so identical payloads share one stored object and
// corruption is detectable on read.
package blob

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	kferr "github.com/keyfill/keyfill/internal/errors"
	"github.com/keyfill/keyfill/internal/storage"
)

// refScheme prefixes the reference string stored in the table column in
// place of the externalized value.
const refScheme = "kf://"

// magic identifies the framing format.
var magic = []byte("KFB1")

// Store writes and reads externalized blob values through an object
// storage backend.
type Store struct {
	backend storage.ObjectStorage
	prefix  string
}

// NewStore creates a blob store over the given backend. Objects are laid
// out under prefix, fanned out by the leading hash byte.
func NewStore(backend storage.ObjectStorage, prefix string) *Store {
	if prefix == "" {
		prefix = "blobs"
	}
	return &Store{backend: backend, prefix: prefix}
}

// Put externalizes a value and returns the reference string to store in
// its place. Identical values produce identical references.
func (s *Store) Put(ctx context.Context, value []byte) (string, error) {
	addr := contentAddress(value)
	path := s.objectPath(addr)

	exists, err := s.backend.Exists(ctx, path)
	if err == nil && exists {
		return refScheme + addr, nil
	}

	payload := make([]byte, 0, len(magic)+8+snappy.MaxEncodedLen(len(value)))
	payload = append(payload, magic...)
	payload = binary.BigEndian.AppendUint64(payload, uint64(len(value)))
	payload = append(payload, snappy.Encode(nil, value)...)

	if err := s.backend.Put(ctx, path, payload); err != nil {
		return "", kferr.NewStorageError(kferr.CodePutFailed, "externalizing blob "+addr, err)
	}
	return refScheme + addr, nil
}

// Get resolves a reference produced by Put back to the original value.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	addr, ok := parseRef(ref)
	if !ok {
		return nil, kferr.New(kferr.ErrCategoryStorage, kferr.CodeCorruptBlob,
			"not a blob reference: "+ref)
	}
	payload, err := s.backend.Get(ctx, s.objectPath(addr))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, kferr.NewStorageError(kferr.CodeObjectNotFound, "blob "+addr, err)
		}
		return nil, kferr.NewStorageError(kferr.CodeGetFailed, "blob "+addr, err)
	}

	if len(payload) < len(magic)+8 || string(payload[:len(magic)]) != string(magic) {
		return nil, kferr.New(kferr.ErrCategoryStorage, kferr.CodeCorruptBlob,
			"bad framing for blob "+addr)
	}
	size := binary.BigEndian.Uint64(payload[len(magic) : len(magic)+8])
	value, err := snappy.Decode(nil, payload[len(magic)+8:])
	if err != nil {
		return nil, kferr.Wrap(kferr.ErrCategoryStorage, kferr.CodeCorruptBlob,
			"decompressing blob "+addr, err)
	}
	if uint64(len(value)) != size || contentAddress(value) != addr {
		return nil, kferr.New(kferr.ErrCategoryStorage, kferr.CodeCorruptBlob,
			"content mismatch for blob "+addr)
	}
	return value, nil
}

// IsRef reports whether a stored value is a blob reference.
func IsRef(v string) bool {
	_, ok := parseRef(v)
	return ok
}

func parseRef(ref string) (addr string, ok bool) {
	if !strings.HasPrefix(ref, refScheme) {
		return "", false
	}
	addr = ref[len(refScheme):]
	if len(addr) != 32 {
		return "", false
	}
	if _, err := hex.DecodeString(addr); err != nil {
		return "", false
	}
	return addr, true
}

// contentAddress computes the 128-bit content hash in hex.
func contentAddress(value []byte) string {
	h1, h2 := murmur3.Sum128(value)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], h1)
	binary.BigEndian.PutUint64(buf[8:], h2)
	return hex.EncodeToString(buf[:])
}

// objectPath fans objects out by the leading address byte.
func (s *Store) objectPath(addr string) string {
	return s.prefix + "/" + addr[:2] + "/" + addr
}
