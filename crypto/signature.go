package crypto

import "crypto/ed25519"

// Sign produces a detached ed25519 signature over msg.
func Sign(priv PrivateKey, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv), msg)
}

// Verify reports whether sig is a valid ed25519 signature over msg under pub.
func Verify(pub PublicKey, msg []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
