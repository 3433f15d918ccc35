// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binding issues and validates the reconnection credentials
// that tie a client connection to its meeting membership.
//
// A binding token is an HMAC-SHA256 over the correlation id,
// participant id, fresh random nonce, and meeting id, keyed with a
// per-meeting key derived from the master secret. Compromise of one
// meeting's key exposes neither the master secret nor any other
// meeting's key, because derivation uses HKDF with the meeting id as
// context.
//
// Validation failures carry distinct sentinel errors for logging, but
// callers at the client boundary must collapse all of them to
// [ErrReconnectRejected]: a rejected reconnect looks identical whether
// the token was malformed, expired, or forged.
package binding

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/conclave/lib/clock"
	"github.com/bureau-foundation/conclave/lib/secret"
)

const (
	// TTL bounds both the validity of a binding token and the
	// reconnect grace period. The two are deliberately the same
	// value: a token cannot usefully outlive the window in which
	// presenting it can succeed.
	TTL = 30 * time.Second

	// NonceSize is the length of the random nonce bound into each
	// token.
	NonceSize = 16

	// KeySize is the length of a derived per-meeting key.
	KeySize = sha256.Size

	// MinMasterSecretSize is the minimum master secret length. A
	// shorter secret is an unrecoverable configuration error,
	// rejected at construction rather than per call.
	MinMasterSecretSize = 32

	// tokenHexSize is the length of a rendered token: an
	// HMAC-SHA256 output in lowercase hex.
	tokenHexSize = 2 * sha256.Size
)

// keyDerivationSalt is the fixed HKDF salt for meeting key
// derivation. The meeting id goes into the info parameter.
var keyDerivationSalt = []byte("conclave/meeting-key/v1")

// Errors returned by Validate. All of them must surface to clients as
// the single generic ErrReconnectRejected.
var (
	ErrMalformedToken = errors.New("binding: token malformed")
	ErrTokenExpired   = errors.New("binding: token expired")
	ErrTokenMismatch  = errors.New("binding: token does not match")

	// ErrReconnectRejected is the only token failure a client ever
	// sees. Revealing which check failed would aid forgery.
	ErrReconnectRejected = errors.New("reconnect rejected")
)

// DeriveMeetingKey derives a meeting-scoped signing key from the
// master secret using HKDF-SHA256 with the meeting id as context.
// The master bytes are read for the duration of this call only.
func DeriveMeetingKey(master *secret.Buffer, meetingID string) ([]byte, error) {
	if master.Len() < MinMasterSecretSize {
		return nil, fmt.Errorf("binding: master secret is %d bytes, need at least %d", master.Len(), MinMasterSecretSize)
	}
	if meetingID == "" {
		return nil, fmt.Errorf("binding: meeting id is empty")
	}

	reader := hkdf.New(sha256.New, master.Bytes(), keyDerivationSalt, []byte(meetingID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("binding: deriving key for meeting %s: %w", meetingID, err)
	}
	return key, nil
}

// Token is one outstanding reconnection credential. The Value and
// Nonce travel to the client; IssuedAt stays in the meeting worker's
// bookkeeping for the expiry check on presentation.
type Token struct {
	// Value is the MAC rendered as lowercase hex.
	Value string

	// Nonce is the random nonce bound into the MAC.
	Nonce []byte

	// IssuedAt is when the token was generated.
	IssuedAt time.Time
}

// Manager issues and validates tokens for a single meeting. One
// Manager exists per meeting worker, holding the one derived copy of
// the meeting key.
type Manager struct {
	meetingID string
	key       []byte
	clock     clock.Clock
}

// NewManager wraps a derived meeting key. The key must be exactly
// KeySize bytes (the output of DeriveMeetingKey).
func NewManager(meetingID string, key []byte, clk clock.Clock) (*Manager, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("binding: meeting key is %d bytes, want %d", len(key), KeySize)
	}
	if meetingID == "" {
		return nil, fmt.Errorf("binding: meeting id is empty")
	}
	return &Manager{meetingID: meetingID, key: key, clock: clk}, nil
}

// Generate mints a fresh token for the given correlation/participant
// pair. The nonce comes from crypto/rand, so two calls with identical
// inputs never produce the same token.
func (m *Manager) Generate(correlationID, participantID string) (Token, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Token{}, fmt.Errorf("binding: reading nonce: %w", err)
	}

	mac := m.computeMAC(correlationID, participantID, nonce)
	return Token{
		Value:    hex.EncodeToString(mac),
		Nonce:    nonce,
		IssuedAt: m.clock.Now(),
	}, nil
}

// Validate checks a presented token. Order of checks: shape first
// (wrong length, non-hex, wrong nonce size → ErrMalformedToken,
// without touching the MAC), then expiry (ErrTokenExpired — an
// expired-but-correctly-signed token is still invalid), then the MAC
// itself, compared in constant time (ErrTokenMismatch).
func (m *Manager) Validate(tokenValue, correlationID, participantID string, nonce []byte, issuedAt time.Time) error {
	if len(tokenValue) != tokenHexSize {
		return ErrMalformedToken
	}
	presented, err := hex.DecodeString(tokenValue)
	if err != nil {
		return ErrMalformedToken
	}
	if len(nonce) != NonceSize {
		return ErrMalformedToken
	}

	if m.clock.Now().Sub(issuedAt) > TTL {
		return ErrTokenExpired
	}

	expected := m.computeMAC(correlationID, participantID, nonce)
	if !hmac.Equal(presented, expected) {
		return ErrTokenMismatch
	}
	return nil
}

// computeMAC binds correlation id, participant id, nonce, and meeting
// id under the meeting key. Every field is length-prefixed so that no
// two distinct field tuples can produce the same MAC input by
// shifting bytes across a field boundary.
func (m *Manager) computeMAC(correlationID, participantID string, nonce []byte) []byte {
	mac := hmac.New(sha256.New, m.key)
	writeField(mac, []byte(correlationID))
	writeField(mac, []byte(participantID))
	writeField(mac, nonce)
	writeField(mac, []byte(m.meetingID))
	return mac.Sum(nil)
}

func writeField(mac io.Writer, field []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(field)))
	mac.Write(length[:])
	mac.Write(field)
}
