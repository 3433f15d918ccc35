// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binding

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/conclave/lib/clock"
	"github.com/bureau-foundation/conclave/lib/secret"
)

var bindingEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testMasterSecret(t *testing.T) *secret.Buffer {
	t.Helper()
	master, err := secret.NewFromBytes([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { master.Close() })
	return master
}

func testManager(t *testing.T, meetingID string, clk clock.Clock) *Manager {
	t.Helper()
	key, err := DeriveMeetingKey(testMasterSecret(t), meetingID)
	if err != nil {
		t.Fatalf("DeriveMeetingKey: %v", err)
	}
	manager, err := NewManager(meetingID, key, clk)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

func TestDeriveMeetingKeyRejectsShortMaster(t *testing.T) {
	master, err := secret.NewFromBytes([]byte("too-short"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer master.Close()

	if _, err := DeriveMeetingKey(master, "mtg-1"); err == nil {
		t.Fatal("DeriveMeetingKey accepted a master secret under 32 bytes")
	}
}

func TestDeriveMeetingKeyIsolatesMeetings(t *testing.T) {
	master := testMasterSecret(t)

	first, err := DeriveMeetingKey(master, "mtg-1")
	if err != nil {
		t.Fatalf("DeriveMeetingKey(mtg-1): %v", err)
	}
	second, err := DeriveMeetingKey(master, "mtg-2")
	if err != nil {
		t.Fatalf("DeriveMeetingKey(mtg-2): %v", err)
	}

	if hex.EncodeToString(first) == hex.EncodeToString(second) {
		t.Error("two meetings derived the same key")
	}
}

func TestGenerateValidateRoundTrip(t *testing.T) {
	fake := clock.Fake(bindingEpoch)
	manager := testManager(t, "mtg-standup", fake)

	token, err := manager.Generate("corr-1", "alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if err := manager.Validate(token.Value, "corr-1", "alice", token.Nonce, token.IssuedAt); err != nil {
		t.Fatalf("Validate of a freshly generated token: %v", err)
	}
}

func TestGenerateNonceFreshness(t *testing.T) {
	manager := testManager(t, "mtg-standup", clock.Fake(bindingEpoch))

	first, err := manager.Generate("corr-1", "alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	second, err := manager.Generate("corr-1", "alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if first.Value == second.Value {
		t.Error("same inputs produced identical token values")
	}
	if hex.EncodeToString(first.Nonce) == hex.EncodeToString(second.Nonce) {
		t.Error("same inputs produced identical nonces")
	}
}

func TestValidateForgeryResistance(t *testing.T) {
	fake := clock.Fake(bindingEpoch)
	manager := testManager(t, "mtg-standup", fake)

	token, err := manager.Generate("corr-1", "alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Flip one hex digit of the token.
	flipped := []byte(token.Value)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	if err := manager.Validate(string(flipped), "corr-1", "alice", token.Nonce, token.IssuedAt); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("flipped token: err = %v, want ErrTokenMismatch", err)
	}

	// Wrong correlation id.
	if err := manager.Validate(token.Value, "corr-2", "alice", token.Nonce, token.IssuedAt); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("wrong correlation id: err = %v, want ErrTokenMismatch", err)
	}

	// Wrong participant id.
	if err := manager.Validate(token.Value, "corr-1", "alicia", token.Nonce, token.IssuedAt); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("wrong participant id: err = %v, want ErrTokenMismatch", err)
	}

	// Mutated nonce.
	wrongNonce := append([]byte(nil), token.Nonce...)
	wrongNonce[3] ^= 0x01
	if err := manager.Validate(token.Value, "corr-1", "alice", wrongNonce, token.IssuedAt); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("mutated nonce: err = %v, want ErrTokenMismatch", err)
	}

	// Token from one meeting presented against another.
	otherManager := testManager(t, "mtg-retro", fake)
	if err := otherManager.Validate(token.Value, "corr-1", "alice", token.Nonce, token.IssuedAt); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("cross-meeting token: err = %v, want ErrTokenMismatch", err)
	}
}

func TestValidateExpiry(t *testing.T) {
	fake := clock.Fake(bindingEpoch)
	manager := testManager(t, "mtg-standup", fake)

	token, err := manager.Generate("corr-1", "alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// At exactly TTL the token is still valid.
	fake.Advance(TTL)
	if err := manager.Validate(token.Value, "corr-1", "alice", token.Nonce, token.IssuedAt); err != nil {
		t.Fatalf("Validate at TTL: %v", err)
	}

	// One second past TTL it is expired, even though the MAC is
	// otherwise correct.
	fake.Advance(time.Second)
	if err := manager.Validate(token.Value, "corr-1", "alice", token.Nonce, token.IssuedAt); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Validate past TTL: err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateMalformed(t *testing.T) {
	fake := clock.Fake(bindingEpoch)
	manager := testManager(t, "mtg-standup", fake)

	token, err := manager.Generate("corr-1", "alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	cases := []struct {
		name  string
		value string
		nonce []byte
	}{
		{"empty", "", token.Nonce},
		{"truncated", token.Value[:32], token.Nonce},
		{"overlong", token.Value + "00", token.Nonce},
		{"non-hex", strings.Repeat("zz", 32), token.Nonce},
		{"short nonce", token.Value, token.Nonce[:8]},
	}
	for _, testCase := range cases {
		err := manager.Validate(testCase.value, "corr-1", "alice", testCase.nonce, token.IssuedAt)
		if !errors.Is(err, ErrMalformedToken) {
			t.Errorf("%s: err = %v, want ErrMalformedToken", testCase.name, err)
		}
	}
}

func TestGracePeriodEqualsTokenTTL(t *testing.T) {
	if TTL != 30*time.Second {
		t.Errorf("TTL = %v, want 30s (must match the reconnect grace period)", TTL)
	}
}
