// crypto.go
//
// Key exchange primitives.
//
// Each side contributes an ephemeral X25519 key pair. The shared secret is
// run through a keyed-BLAKE2s HKDF keyed by a transcript hash over the
// session id and both public keys, yielding three keys: initiator to
// responder, responder to initiator, and the key of the confirmation MACs
// both sides send in KeyExchange1. Each MAC is bound to its sender's role.

package nub

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"

	"github.com/drio/crynet/channel"
	"github.com/drio/crynet/wire"
)

const transcriptLabel = "crynet key exchange v1"

const (
	initiatorConfirm = "initiator confirm"
	responderConfirm = "responder confirm"
)

type keyPair struct {
	private [32]byte
	public  [32]byte
}

type sessionKeys struct {
	initiatorSend [32]byte
	responderSend [32]byte
	confirm       [32]byte
}

func generateKeyPair(rand io.Reader) (keyPair, error) {
	var kp keyPair
	if _, err := io.ReadFull(rand, kp.private[:]); err != nil {
		return kp, err
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// dh fails on low-order peer keys, which yield an all-zero secret.
func dh(private, peerPublic [32]byte) ([32]byte, error) {
	var shared [32]byte
	out, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return shared, err
	}
	copy(shared[:], out)
	return shared, nil
}

// blake2sHmac is keyed BLAKE2s-256; keys are at most 32 bytes.
func blake2sHmac(key, input []byte) ([32]byte, error) {
	var out [32]byte
	h, err := blake2s.New256(key)
	if err != nil {
		return out, err
	}
	h.Write(input)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// kdf3 is the extract-then-expand HKDF producing three keys.
func kdf3(key, input []byte) (k1, k2, k3 [32]byte, err error) {
	prk, err := blake2sHmac(key, input)
	if err != nil {
		return k1, k2, k3, err
	}
	if k1, err = blake2sHmac(prk[:], []byte{0x1}); err != nil {
		return k1, k2, k3, err
	}
	if k2, err = blake2sHmac(prk[:], append(k1[:], 0x2)); err != nil {
		return k1, k2, k3, err
	}
	k3, err = blake2sHmac(prk[:], append(k2[:], 0x3))
	return k1, k2, k3, err
}

func transcript(session uint32, initiatorPub, responderPub [32]byte) [32]byte {
	buf := make([]byte, 0, len(transcriptLabel)+4+64)
	buf = append(buf, transcriptLabel...)
	buf = binary.LittleEndian.AppendUint32(buf, session)
	buf = append(buf, initiatorPub[:]...)
	buf = append(buf, responderPub[:]...)
	return blake2s.Sum256(buf)
}

func deriveSessionKeys(shared [32]byte, session uint32, initiatorPub, responderPub [32]byte) (sessionKeys, error) {
	ck := transcript(session, initiatorPub, responderPub)
	k1, k2, k3, err := kdf3(ck[:], shared[:])
	if err != nil {
		return sessionKeys{}, fmt.Errorf("derive keys: %w", err)
	}
	return sessionKeys{initiatorSend: k1, responderSend: k2, confirm: k3}, nil
}

func (k sessionKeys) forInitiator() channel.Keys {
	return channel.Keys{Send: k.initiatorSend, Recv: k.responderSend}
}

func (k sessionKeys) forResponder() channel.Keys {
	return channel.Keys{Send: k.responderSend, Recv: k.initiatorSend}
}

// confirmMAC is the keyed BLAKE2s-128 tag carried by KeyExchange1. label is
// initiatorConfirm or responderConfirm.
func (k sessionKeys) confirmMAC(label string, session uint32) ([wire.ConfirmSize]byte, error) {
	var out [wire.ConfirmSize]byte
	h, err := blake2s.New128(k.confirm[:])
	if err != nil {
		return out, fmt.Errorf("confirm mac: %w", err)
	}
	h.Write([]byte(label))
	h.Write(binary.LittleEndian.AppendUint32(nil, session))
	copy(out[:], h.Sum(nil))
	return out, nil
}

func (k sessionKeys) verifyConfirm(label string, session uint32, got [wire.ConfirmSize]byte) bool {
	want, err := k.confirmMAC(label, session)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}
