package crypto

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// GenerateKey generates a new secp256k1 private key.
func GenerateKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// Sign calculates a compact ECDSA signature (64 bytes [R || S], no
// recovery id) over hash, using the "v4" ENR identity scheme's curve.
func Sign(hash []byte, prv *secp256k1.PrivateKey) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errors.New("crypto: hash must be 32 bytes")
	}
	sig := dsa.Sign(prv, hash)
	return serializeCompact(sig), nil
}

// serializeCompact encodes an ecdsa.Signature as 32-byte R || 32-byte S,
// matching the fixed-length compact form EIP-778 expects for "v4" records.
func serializeCompact(sig *dsa.Signature) []byte {
	der := sig.Serialize()
	r, s := parseDERSignature(der)
	out := make([]byte, 64)
	copy(out[32-len(r):32], r)
	copy(out[64-len(s):64], s)
	return out
}

// parseDERSignature extracts the raw R and S big-endian byte strings from
// a DER-encoded ECDSA signature produced by the secp256k1 library.
func parseDERSignature(der []byte) (r, s []byte) {
	// DER: 0x30 len 0x02 rlen r 0x02 slen s
	if len(der) < 6 || der[0] != 0x30 {
		return nil, nil
	}
	i := 2
	if der[i] != 0x02 {
		return nil, nil
	}
	rlen := int(der[i+1])
	r = der[i+2 : i+2+rlen]
	i = i + 2 + rlen
	if i >= len(der) || der[i] != 0x02 {
		return nil, nil
	}
	slen := int(der[i+1])
	s = der[i+2 : i+2+slen]
	return trimLeadingZero(r), trimLeadingZero(s)
}

func trimLeadingZero(b []byte) []byte {
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

// ValidateSignature verifies a 64-byte compact [R || S] signature against a
// 33-byte compressed public key and a 32-byte hash.
func ValidateSignature(pubkeyCompressed, hash, sig []byte) bool {
	if len(sig) != 64 || len(hash) != 32 || len(pubkeyCompressed) != 33 {
		return false
	}
	pub, err := secp256k1.ParsePubKey(pubkeyCompressed)
	if err != nil {
		return false
	}
	r := new(secp256k1.ModNScalar)
	s := new(secp256k1.ModNScalar)
	if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:64]) {
		return false
	}
	signature := dsa.NewSignature(r, s)
	return signature.Verify(hash, pub)
}

// CompressPubkey compresses a secp256k1 public key to 33 bytes.
func CompressPubkey(pub *secp256k1.PublicKey) []byte {
	if pub == nil {
		return nil
	}
	return pub.SerializeCompressed()
}

// DecompressPubkey decompresses a 33-byte compressed public key.
func DecompressPubkey(pubkey []byte) (*secp256k1.PublicKey, error) {
	if len(pubkey) != 33 {
		return nil, errors.New("crypto: invalid compressed public key length")
	}
	return secp256k1.ParsePubKey(pubkey)
}
