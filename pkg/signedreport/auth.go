// Package signedreport implements the SignedReport codec (spec §4.5):
// decoding, HMAC/SHA256 verification, AES-CTR decryption and encoding of
// SignedList reports, plus the AuthProvider chain that resolves signing
// and encryption keys by (device_id, key_type, purpose).
package signedreport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/iotile/coretools/pkg/gwerrors"
	"github.com/iotile/coretools/pkg/model"
)

// Purpose names one of the four operations a key may be requested for,
// per spec §4.5's AuthProvider contract.
type Purpose uint8

const (
	PurposeSign Purpose = iota
	PurposeVerify
	PurposeEncrypt
	PurposeDecrypt
)

// AuthProvider resolves a key for one device, key type and purpose. It
// returns gwerrors with Kind KeyUnavailable when it holds no opinion on
// the request, which a Chain treats as "try the next provider" rather
// than as a fatal failure.
type AuthProvider interface {
	GetKey(ctx context.Context, deviceID model.DeviceIdentifier, keyType uint8, purpose Purpose) ([]byte, error)
}

// Chain composes multiple AuthProviders in priority order; the first to
// return a key wins, per spec §4.5 ("The core composes multiple
// providers in a chain; the first to return a key wins"). If every
// provider in the chain returns KeyUnavailable, Chain.GetKey does too,
// which callers treat as "report is unauthenticated" rather than as a
// hard failure.
type Chain []AuthProvider

// GetKey implements AuthProvider.
func (c Chain) GetKey(ctx context.Context, deviceID model.DeviceIdentifier, keyType uint8, purpose Purpose) ([]byte, error) {
	for _, provider := range c {
		key, err := provider.GetKey(ctx, deviceID, keyType, purpose)
		if err == nil {
			return key, nil
		}
		if gwerrors.KindOf(err) != gwerrors.KeyUnavailable {
			return nil, err
		}
	}
	return nil, gwerrors.New(gwerrors.KeyUnavailable, "no provider in chain holds a key for this device/key_type")
}

// EnvAuthProvider derives a per-device, per-key-type key from a single
// root secret read from the IOTILE_SIGNING_KEY environment variable
// (hex-encoded), per spec §6. Each (device_id, key_type) pair gets its
// own derived key via HKDF so that compromising one device's key never
// exposes the root secret or another device's key.
type EnvAuthProvider struct {
	rootKey []byte
}

// NewEnvAuthProvider reads and hex-decodes IOTILE_SIGNING_KEY. It
// returns an error only if the variable is set to invalid hex; an unset
// variable is not an error; GetKey simply returns KeyUnavailable for
// every request in that case, letting the chain fall through to other
// providers (or to verified-but-unauthenticated handling).
func NewEnvAuthProvider() (*EnvAuthProvider, error) {
	raw := os.Getenv("IOTILE_SIGNING_KEY")
	if raw == "" {
		return &EnvAuthProvider{}, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("signedreport: IOTILE_SIGNING_KEY is not valid hex: %w", err)
	}
	return &EnvAuthProvider{rootKey: key}, nil
}

// GetKey implements AuthProvider.
func (p *EnvAuthProvider) GetKey(_ context.Context, deviceID model.DeviceIdentifier, keyType uint8, _ Purpose) ([]byte, error) {
	if len(p.rootKey) == 0 {
		return nil, gwerrors.New(gwerrors.KeyUnavailable, "IOTILE_SIGNING_KEY is not set")
	}
	return deriveKey(p.rootKey, deviceID, keyType)
}

// StaticAuthProvider serves one fixed key for every request, useful in
// tests and for the virtual device host where there is no real device
// fleet to derive per-device keys for.
type StaticAuthProvider struct {
	Key []byte
}

// GetKey implements AuthProvider.
func (p StaticAuthProvider) GetKey(context.Context, model.DeviceIdentifier, uint8, Purpose) ([]byte, error) {
	if len(p.Key) == 0 {
		return nil, gwerrors.New(gwerrors.KeyUnavailable, "static provider has no key configured")
	}
	return p.Key, nil
}

const derivedKeyLength = 32

// deriveKey expands root into a 32-byte key unique to (deviceID, keyType)
// using HKDF-SHA256, info encoding the device identity so two devices
// sharing a root secret never share a derived key.
func deriveKey(root []byte, deviceID model.DeviceIdentifier, keyType uint8) ([]byte, error) {
	info := fmt.Appendf(nil, "iotile-report-key:%d:%d", uint64(deviceID), keyType)
	reader := hkdf.New(sha256.New, root, nil, info)
	key := make([]byte, derivedKeyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("signedreport: key derivation failed: %w", err)
	}
	return key, nil
}
