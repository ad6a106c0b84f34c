package enr

import (
	"net"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func signedTestRecord(t *testing.T) (*Record, *secp256k1.PrivateKey) {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	r := &Record{}
	SetIP(r, net.IPv4(127, 0, 0, 1))
	SetUDP(r, 9000)
	if err := SignENR(r, key); err != nil {
		t.Fatalf("SignENR: %v", err)
	}
	return r, key
}

func TestSignENRSetsIdentityEntries(t *testing.T) {
	r, _ := signedTestRecord(t)
	if string(r.Get(KeyID)) != "v4" {
		t.Fatalf("id entry = %q, want v4", r.Get(KeyID))
	}
	if got := Secp256k1(r); len(got) != 33 {
		t.Fatalf("secp256k1 entry length = %d, want 33", len(got))
	}
}

func TestVerifyENRAcceptsOwnSignature(t *testing.T) {
	r, _ := signedTestRecord(t)
	if err := VerifyENR(r); err != nil {
		t.Fatalf("VerifyENR: %v", err)
	}
}

func TestVerifyENRRejectsTamperedPair(t *testing.T) {
	r, _ := signedTestRecord(t)
	sig := r.Signature
	r.Set(KeyUDP, []byte{0, 1}) // Set clears the signature
	r.Signature = sig           // reattach the old signature to simulate tampering
	if err := VerifyENR(r); err == nil {
		t.Fatal("VerifyENR accepted a record whose content changed after signing")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r, _ := signedTestRecord(t)
	enc, err := EncodeENR(r)
	if err != nil {
		t.Fatalf("EncodeENR: %v", err)
	}
	if len(enc) > SizeLimit {
		t.Fatalf("encoded size %d exceeds SizeLimit %d", len(enc), SizeLimit)
	}

	dec, err := DecodeENR(enc)
	if err != nil {
		t.Fatalf("DecodeENR: %v", err)
	}
	if dec.Seq != r.Seq {
		t.Fatalf("decoded seq = %d, want %d", dec.Seq, r.Seq)
	}
	if err := VerifyENR(dec); err != nil {
		t.Fatalf("VerifyENR on decoded record: %v", err)
	}
	if !IP(dec).Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("decoded ip = %v, want 127.0.0.1", IP(dec))
	}
	if UDP(dec) != 9000 {
		t.Fatalf("decoded udp = %d, want 9000", UDP(dec))
	}
}

func TestEncodeENRRejectsUnsigned(t *testing.T) {
	r := &Record{}
	if _, err := EncodeENR(r); err != ErrNotSigned {
		t.Fatalf("EncodeENR error = %v, want ErrNotSigned", err)
	}
}

func TestSetGetKeepsKeysSorted(t *testing.T) {
	r := &Record{}
	r.Set("zzz", []byte("1"))
	r.Set("aaa", []byte("2"))
	r.Set("mmm", []byte("3"))
	for i := 1; i < len(r.Pairs); i++ {
		if r.Pairs[i-1].Key >= r.Pairs[i].Key {
			t.Fatalf("pairs not sorted: %v", r.Pairs)
		}
	}
}

func TestSetOverwritesExistingKeyInPlace(t *testing.T) {
	r := &Record{}
	r.Set("k", []byte("first"))
	r.Set("k", []byte("second"))
	if len(r.Pairs) != 1 {
		t.Fatalf("expected a single pair, got %d", len(r.Pairs))
	}
	if string(r.Get("k")) != "second" {
		t.Fatalf("Get(k) = %q, want second", r.Get("k"))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	r, _ := signedTestRecord(t)
	c := r.Clone()
	c.Set(KeyTCP, []byte{1, 2})
	if r.Get(KeyTCP) != nil {
		t.Fatal("mutating the clone affected the original")
	}
}

func TestNodeIDZeroWithoutKey(t *testing.T) {
	r := &Record{}
	id := r.NodeID()
	var zero [32]byte
	if id != zero {
		t.Fatal("NodeID of a record with no secp256k1 entry should be zero")
	}
}
