// Package crypto implements the stream cipher used by encrypted SOE sessions.
//
// Each direction of a session owns one [SessionCipher]. Both peers start from
// the same shared key and advance their keystreams in lockstep, so a cipher
// must see every payload of its direction exactly once and in sequence order.
// A lost or reordered payload desynchronizes the stream for the rest of the
// session.
//
//	key, err := crypto.ParseKey(cfg.Key)
//	if err != nil {
//	    return err
//	}
//	c, err := crypto.NewSessionCipher(key)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	ciphertext, err := c.Apply(plaintext)
//
// # Key Handling
//
// Ciphers copy the key they are given and wipe the copy on Close with
// [ZeroBytes]. Keys are exchanged out of band and appear in configuration as
// base64 text.
//
// # Logging
//
// The package logs through logrus with "package" and "function" fields. Key
// material is never logged, only its length.
package crypto
