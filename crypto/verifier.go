package crypto

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Verifier proves a claim against a buyer-issued challenge. Implementations
// must be pure and deterministic: no state reads, no side effects. The escrow
// lifecycle consults a Verifier exactly once per response, always on the
// challenge bytes stored in the intent, so swapping the scheme (a different
// signature curve, a succinct proof verifier) never touches lifecycle code.
type Verifier interface {
	Verify(publicKey, signature, message []byte) bool
}

// Secp256k1Verifier checks a compact secp256k1 signature over the keccak256
// digest of the message. Both 64-byte (r||s) and 65-byte (r||s||v) signatures
// are accepted; the recovery byte is ignored.
type Secp256k1Verifier struct{}

func (Secp256k1Verifier) Verify(publicKey, signature, message []byte) bool {
	if len(signature) == 65 {
		signature = signature[:64]
	}
	if len(signature) != 64 || len(publicKey) == 0 {
		return false
	}
	digest := ethcrypto.Keccak256(message)
	return ethcrypto.VerifySignature(publicKey, digest, signature)
}

// SignChallenge produces a signature accepted by Secp256k1Verifier for the
// supplied challenge bytes.
func SignChallenge(key *PrivateKey, challenge []byte) ([]byte, error) {
	digest := ethcrypto.Keccak256(challenge)
	return ethcrypto.Sign(digest, key.PrivateKey)
}
