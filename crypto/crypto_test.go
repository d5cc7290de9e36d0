package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey(85342, "1.5.0", "pov_mask.asvr")
	if err != nil {
		t.Fatal("DeriveKey failed:", err)
	}
	k2, err := DeriveKey(85342, "1.5.0", "pov_mask.asvr")
	if err != nil {
		t.Fatal("DeriveKey failed:", err)
	}
	if *k1 != *k2 {
		t.Fatal("DeriveKey is not deterministic for identical inputs")
	}
}

func TestDeriveKeyVariesWithSalt(t *testing.T) {
	k1, err := DeriveKey(1, "1.0.0", "a.asvr")
	if err != nil {
		t.Fatal("DeriveKey failed:", err)
	}
	k2, err := DeriveKey(2, "1.0.0", "a.asvr")
	if err != nil {
		t.Fatal("DeriveKey failed:", err)
	}
	if *k1 == *k2 {
		t.Fatal("DeriveKey produced identical keys for different scene ids")
	}
}

func TestDeriveKeyRejectsNonASCII(t *testing.T) {
	if _, err := DeriveKey(1, "1.0.0-é", "a.asvr"); err == nil {
		t.Fatal("DeriveKey accepted a non-ASCII version string")
	}
}

func TestXORKeystreamIsInvolution(t *testing.T) {
	k, err := DeriveKey(7, "2.0.0", "scene.asvr")
	if err != nil {
		t.Fatal("DeriveKey failed:", err)
	}

	orig := []byte("the quick brown fox jumps over the lazy dog, 32 bytes of fluff")
	buf := append([]byte(nil), orig...)

	if err := XORKeystream(buf, k, 5); err != nil {
		t.Fatal("XORKeystream (encrypt) failed:", err)
	}
	if bytes.Equal(buf, orig) {
		t.Fatal("XORKeystream did not change the buffer")
	}
	if err := XORKeystream(buf, k, 5); err != nil {
		t.Fatal("XORKeystream (decrypt) failed:", err)
	}
	if !bytes.Equal(buf, orig) {
		t.Fatal("XORKeystream(XORKeystream(x)) != x")
	}
}

func TestCipherContinuesAcrossCalls(t *testing.T) {
	k, err := DeriveKey(9, "3.0.0", "scene.asvr")
	if err != nil {
		t.Fatal(err)
	}

	whole := []byte("0123456789abcdef0123456789abcdef")
	oneShot := append([]byte(nil), whole...)
	if err := XORKeystream(oneShot, k, HeaderKeyID); err != nil {
		t.Fatal(err)
	}

	split := append([]byte(nil), whole...)
	c, err := NewCipher(k, HeaderKeyID)
	if err != nil {
		t.Fatal(err)
	}
	c.XOR(split[:16])
	c.XOR(split[16:])

	if !bytes.Equal(oneShot, split) {
		t.Fatal("Cipher split across two XOR calls diverged from the one-shot equivalent")
	}
}

func TestXORKeystreamDiffersByKeyID(t *testing.T) {
	k, err := DeriveKey(7, "2.0.0", "scene.asvr")
	if err != nil {
		t.Fatal("DeriveKey failed:", err)
	}

	orig := []byte("identical plaintext, different key ids should diverge")
	buf1 := append([]byte(nil), orig...)
	buf2 := append([]byte(nil), orig...)

	if err := XORKeystream(buf1, k, HeaderKeyID); err != nil {
		t.Fatal(err)
	}
	if err := XORKeystream(buf2, k, 0); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(buf1, buf2) {
		t.Fatal("keystreams for HeaderKeyID and key-id 0 collided")
	}
}
