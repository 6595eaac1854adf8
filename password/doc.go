// Package password implements argon2id hashing and the versioned pepper scheme used
// for stored credentials.
//
// # Output format
//
// Version 0 hashes are PHC strings:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Version N > 0 hashes seal that PHC string with XChaCha20-Poly1305 under pepper N:
//
//	$pepper$v=<N>$<base64(nonce || ciphertext)>
//
// [Scheme.Verify] reports needsUpgrade when the stored version is older than the
// current one or the argon2 parameters are weaker than configured, so the caller
// can re-hash after a successful match.
//
// This package does not store passwords and never logs plaintext or hashes.
package password
