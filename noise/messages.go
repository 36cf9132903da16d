package noise

import (
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	encStaticSize = PublicKeySize + chacha20poly1305.Overhead // 48
	confirmSize   = chacha20poly1305.Overhead                 // 16, empty-payload AEAD tag
)

func truncErr(need, got int) error {
	_ = need
	_ = got
	return ErrHandshakeFailed
}

// --- XX ---------------------------------------------------------------

// xxWriteMsg1: -> e
func (s *Session) xxWriteMsg1() ([]byte, error) {
	eph, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	s.localEphemeral = eph
	pub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	s.ss.mixHash(pub[:])

	out := make([]byte, PublicKeySize)
	copy(out, pub[:])
	return out, nil
}

func (s *Session) xxReadMsg1(buf []byte) error {
	if len(buf) != PublicKeySize {
		return truncErr(PublicKeySize, len(buf))
	}
	var remoteEph PublicKey
	copy(remoteEph[:], buf)
	s.remoteEphemeralForHandshake = &remoteEph
	s.ss.mixHash(remoteEph[:])
	return nil
}

// xxWriteMsg2: <- e, ee, s, es
func (s *Session) xxWriteMsg2() ([]byte, error) {
	// Responder: consume msg1's remote ephemeral captured in xxReadMsg1,
	// generate own ephemeral, then ee, s, es.
	eph, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	s.localEphemeral = eph
	pub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	s.ss.mixHash(pub[:])

	remoteEph := *s.remoteEphemeralForHandshake
	ee, err := eph.SharedSecret(remoteEph)
	if err != nil {
		return nil, err
	}
	keyAfterEE := s.ss.mixKey(ee[:])

	localPub, err := s.localStatic.Public()
	if err != nil {
		return nil, err
	}
	encStatic := s.ss.encryptAndHash(keyAfterEE, localPub[:])

	es, err := s.localStatic.SharedSecret(remoteEph)
	if err != nil {
		return nil, err
	}
	s.pendingKey = s.ss.mixKey(es[:])

	out := make([]byte, 0, PublicKeySize+len(encStatic))
	out = append(out, pub[:]...)
	out = append(out, encStatic...)
	return out, nil
}

func (s *Session) xxReadMsg2(buf []byte) error {
	if len(buf) != PublicKeySize+encStaticSize {
		return truncErr(PublicKeySize+encStaticSize, len(buf))
	}
	var remoteEph PublicKey
	copy(remoteEph[:], buf[:PublicKeySize])
	s.ss.mixHash(remoteEph[:])

	ee, err := s.localEphemeral.SharedSecret(remoteEph)
	if err != nil {
		return err
	}
	keyAfterEE := s.ss.mixKey(ee[:])

	remoteStaticBytes, err := s.ss.decryptAndHash(keyAfterEE, buf[PublicKeySize:])
	if err != nil {
		return err
	}
	var remoteStatic PublicKey
	copy(remoteStatic[:], remoteStaticBytes)

	es, err := s.localEphemeral.SharedSecret(remoteStatic)
	if err != nil {
		return err
	}
	s.pendingKey = s.ss.mixKey(es[:])

	s.remoteStatic = &remoteStatic
	s.remoteEphemeralForHandshake = &remoteEph
	return nil
}

// xxWriteMsg3: -> s, se
func (s *Session) xxWriteMsg3() ([]byte, error) {
	localPub, err := s.localStatic.Public()
	if err != nil {
		return nil, err
	}
	// Key is whatever the "es" mixKey call produced while processing
	// msg2 (symmetricState only tracks ck, so the caller retains the
	// derived encryption key across the call boundary in pendingKey).
	key := s.pendingKey
	encStatic := s.ss.encryptAndHash(key, localPub[:])

	remoteEph := *s.remoteEphemeralForHandshake
	se, err := s.localStatic.SharedSecret(remoteEph)
	if err != nil {
		return nil, err
	}
	s.ss.mixKey(se[:])

	return encStatic, nil
}

func (s *Session) xxReadMsg3(buf []byte) error {
	if len(buf) != encStaticSize {
		return truncErr(encStaticSize, len(buf))
	}
	key := s.pendingKey
	remoteStaticBytes, err := s.ss.decryptAndHash(key, buf)
	if err != nil {
		return err
	}
	var remoteStatic PublicKey
	copy(remoteStatic[:], remoteStaticBytes)

	se, err := remoteStatic.sharedSecretWith(s.localEphemeral)
	if err != nil {
		return err
	}
	s.ss.mixKey(se[:])

	s.remoteStatic = &remoteStatic
	return nil
}

// --- KK -----------------------------------------------------------------

// kkWriteMsg1: -> e, es, ss
func (s *Session) kkWriteMsg1() ([]byte, error) {
	eph, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	s.localEphemeral = eph
	pub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	s.ss.mixHash(pub[:])

	es, err := eph.SharedSecret(*s.remoteStatic)
	if err != nil {
		return nil, err
	}
	s.ss.mixKey(es[:])

	ss, err := s.localStatic.SharedSecret(*s.remoteStatic)
	if err != nil {
		return nil, err
	}
	key := s.ss.mixKey(ss[:])

	confirm := s.ss.encryptAndHash(key, nil)

	out := make([]byte, 0, PublicKeySize+len(confirm))
	out = append(out, pub[:]...)
	out = append(out, confirm...)
	return out, nil
}

func (s *Session) kkReadMsg1(buf []byte) error {
	if len(buf) != PublicKeySize+confirmSize {
		return truncErr(PublicKeySize+confirmSize, len(buf))
	}
	var remoteEph PublicKey
	copy(remoteEph[:], buf[:PublicKeySize])
	s.ss.mixHash(remoteEph[:])
	s.remoteEphemeralForHandshake = &remoteEph

	es, err := s.localStatic.SharedSecret(remoteEph)
	if err != nil {
		return err
	}
	s.ss.mixKey(es[:])

	ss, err := s.localStatic.SharedSecret(*s.remoteStatic)
	if err != nil {
		return err
	}
	key := s.ss.mixKey(ss[:])

	if _, err := s.ss.decryptAndHash(key, buf[PublicKeySize:]); err != nil {
		return err
	}
	return nil
}

// kkWriteMsg2: <- e, ee, se
func (s *Session) kkWriteMsg2() ([]byte, error) {
	eph, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	s.localEphemeral = eph
	pub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	s.ss.mixHash(pub[:])

	remoteEph := *s.remoteEphemeralForHandshake
	ee, err := eph.SharedSecret(remoteEph)
	if err != nil {
		return nil, err
	}
	s.ss.mixKey(ee[:])

	se, err := eph.SharedSecret(*s.remoteStatic)
	if err != nil {
		return nil, err
	}
	key := s.ss.mixKey(se[:])

	confirm := s.ss.encryptAndHash(key, nil)

	out := make([]byte, 0, PublicKeySize+len(confirm))
	out = append(out, pub[:]...)
	out = append(out, confirm...)
	return out, nil
}

func (s *Session) kkReadMsg2(buf []byte) error {
	if len(buf) != PublicKeySize+confirmSize {
		return truncErr(PublicKeySize+confirmSize, len(buf))
	}
	var remoteEph PublicKey
	copy(remoteEph[:], buf[:PublicKeySize])
	s.ss.mixHash(remoteEph[:])

	ee, err := s.localEphemeral.SharedSecret(remoteEph)
	if err != nil {
		return err
	}
	s.ss.mixKey(ee[:])

	se, err := remoteEph.sharedSecretWith(s.localStatic)
	if err != nil {
		return err
	}
	key := s.ss.mixKey(se[:])

	if _, err := s.ss.decryptAndHash(key, buf[PublicKeySize:]); err != nil {
		return err
	}
	return nil
}

// sharedSecretWith computes DH(priv, pub) where pub plays the role of the
// local key and priv the remote — a small symmetry helper since X25519 DH
// is commutative: DH(a_priv, B_pub) == DH(b_priv, A_pub).
func (pub PublicKey) sharedSecretWith(priv *PrivateKey) ([32]byte, error) {
	return priv.SharedSecret(pub)
}
