package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	KeyIDSize        = 16
	KeySize          = 32
	NonceSize        = 12
	TagSize          = 16
	AlgorithmA256GCM = "AES-256-GCM"
)

// KeyID is the hex encoding of a 16-byte key identifier.
type KeyID string

func KeyIDFromBytes(b []byte) KeyID {
	return KeyID(hex.EncodeToString(b))
}

func (id KeyID) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(string(id))
	if err != nil || len(b) != KeyIDSize {
		return nil, fmt.Errorf("malformed key id %q", string(id))
	}
	return b, nil
}

type KeyStatus string

const (
	KeyCurrent KeyStatus = "current"
	KeyRetired KeyStatus = "retired"
)

// RoomKey is a per-room symmetric secret. Retired keys stay immutable and
// readable without locking until the grace window expires.
type RoomKey struct {
	ID        KeyID
	Secret    []byte
	CreatedAt time.Time
	RetiredAt time.Time
	Rotation  int
	Status    KeyStatus
}

// Envelope wraps every non-handshake payload crossing the fabric.
type Envelope struct {
	KeyID      KeyID  `json:"key_id"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Algorithm  string `json:"algorithm"`
}

// AAD binds the key id and timestamp into the authentication tag so an
// envelope cannot be replayed against a different key or a shifted clock.
func (e *Envelope) AAD() ([]byte, error) {
	kid, err := e.KeyID.Bytes()
	if err != nil {
		return nil, err
	}
	aad := make([]byte, 0, KeyIDSize+8)
	aad = append(aad, kid...)
	aad = binary.BigEndian.AppendUint64(aad, uint64(e.Timestamp))
	return aad, nil
}

// MarshalBinary encodes the envelope as
// keyId(16) || nonce(12) || tag(16) || timestamp(8 BE) || ciphertext.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	kid, err := e.KeyID.Bytes()
	if err != nil {
		return nil, err
	}
	if len(e.Nonce) != NonceSize {
		return nil, fmt.Errorf("envelope nonce must be %d bytes, got %d", NonceSize, len(e.Nonce))
	}
	if len(e.Tag) != TagSize {
		return nil, fmt.Errorf("envelope tag must be %d bytes, got %d", TagSize, len(e.Tag))
	}
	buf := make([]byte, 0, KeyIDSize+NonceSize+TagSize+8+len(e.Ciphertext))
	buf = append(buf, kid...)
	buf = append(buf, e.Nonce...)
	buf = append(buf, e.Tag...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.Timestamp))
	buf = append(buf, e.Ciphertext...)
	return buf, nil
}

func (e *Envelope) UnmarshalBinary(data []byte) error {
	const header = KeyIDSize + NonceSize + TagSize + 8
	if len(data) < header {
		return fmt.Errorf("envelope too short: %d bytes", len(data))
	}
	e.KeyID = KeyIDFromBytes(data[:KeyIDSize])
	e.Nonce = append([]byte(nil), data[KeyIDSize:KeyIDSize+NonceSize]...)
	e.Tag = append([]byte(nil), data[KeyIDSize+NonceSize:KeyIDSize+NonceSize+TagSize]...)
	e.Timestamp = int64(binary.BigEndian.Uint64(data[KeyIDSize+NonceSize+TagSize : header]))
	e.Ciphertext = append([]byte(nil), data[header:]...)
	e.Algorithm = AlgorithmA256GCM
	return nil
}
