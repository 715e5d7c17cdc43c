package signature

import (
	"strings"
	"testing"

	"carelane/pkg/recordhash"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	hash, _, err := recordhash.SumObject(map[string]any{"record_id": "rec_1", "version": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	env, err := Sign(hash, kp)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := Verify(hash, env); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsDifferentPayload(t *testing.T) {
	kp, _ := Generate()
	ha, _, _ := recordhash.SumObject(map[string]any{"a": 1})
	hb, _, _ := recordhash.SumObject(map[string]any{"a": 2})
	env, err := Sign(ha, kp)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := Verify(hb, env); err == nil {
		t.Fatalf("expected payload hash mismatch")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	kp, _ := Generate()
	other, _ := Generate()
	hash, _, _ := recordhash.SumObject(map[string]any{"a": 1})
	env, _ := Sign(hash, kp)
	env.PublicKey = other.PublicKeyB64()
	if _, err := Verify(hash, env); err == nil {
		t.Fatalf("expected invalid signature")
	}
}

func TestVerifyRejectsUppercaseHash(t *testing.T) {
	kp, _ := Generate()
	hash, _, _ := recordhash.SumObject(map[string]any{"a": 1})
	env, _ := Sign(hash, kp)
	env.PayloadHash = strings.ToUpper(env.PayloadHash)
	if _, err := Verify(hash, env); err == nil {
		t.Fatalf("expected encoding error")
	}
}

func TestFromSeedIsDeterministic(t *testing.T) {
	a, err := FromSeed("hospital-node-1")
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	b, _ := FromSeed("hospital-node-1")
	if a.PublicKeyB64() != b.PublicKeyB64() {
		t.Fatalf("expected identical keys for identical seeds")
	}
	c, _ := FromSeed("hospital-node-2")
	if a.PublicKeyB64() == c.PublicKeyB64() {
		t.Fatalf("expected different keys for different seeds")
	}
	if _, err := FromSeed("  "); err == nil {
		t.Fatalf("expected error for blank seed")
	}
}
