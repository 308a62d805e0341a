// Package spake2p implements SPAKE2+ (RFC 9383) with the
// P256-SHA256-HKDF-HMAC ciphersuite.
//
// THP runs it during code entry pairing, keyed by the six digit code. The
// host is the prover and derives both password scalars; the device is the
// verifier and holds w0 and the registration point L = w1*P. An active
// attacker learns nothing that lets it test code guesses offline, so each
// connection attempt is worth one guess.
//
//	Prover (host)                      Verifier (device)
//	                     <----Y-----   Y = Share()
//	X = Share()
//	Finish(Y)
//	confirm = Confirmation() --X, confirm-->
//	                                   Finish(X)
//	                                   Verify(confirm)
package spake2p

import (
	"crypto/elliptic"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"github.com/backkem/thp/pkg/crypto"
)

const (
	// ScalarSize is the size of an encoded P-256 scalar.
	ScalarSize = 32

	// PointSize is the size of an uncompressed P-256 point.
	PointSize = 65

	// seedSize is the PBKDF2 output per scalar, 8 bytes over ScalarSize to
	// keep the reduction mod n unbiased.
	seedSize = 40

	// DefaultIterations is the PBKDF2 iteration count for code entry.
	DefaultIterations = 1000
)

// Errors.
var (
	ErrScalarSize      = errors.New("spake2p: scalar must be 32 bytes")
	ErrPointSize       = errors.New("spake2p: point must be 65 bytes")
	ErrNotOnCurve      = errors.New("spake2p: point is not on the curve")
	ErrState           = errors.New("spake2p: operation out of order")
	ErrConfirmation    = errors.New("spake2p: key confirmation failed")
	ErrIdentityElement = errors.New("spake2p: degenerate shared point")
	errNoRandom        = errors.New("spake2p: no random source")
)

var curve = elliptic.P256()

// The M and N generators from RFC 9383 section 4.
var (
	encodedM = []byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	}
	encodedN = []byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	}
	pointM = mustPoint(encodedM)
	pointN = mustPoint(encodedN)
)

// PasswordScalars derives w0 and w1 from password:
// PBKDF2-SHA256(password, salt, iterations, 80) split in two 40 byte
// halves, each reduced mod n.
func PasswordScalars(password, salt []byte, iterations int) (w0, w1 []byte) {
	ws := crypto.PBKDF2SHA256(password, salt, iterations, 2*seedSize)
	defer clear(ws)
	return reduce(ws[:seedSize]), reduce(ws[seedSize:])
}

// Registration returns the verifier record L = w1*P.
func Registration(w1 []byte) ([]byte, error) {
	if len(w1) != ScalarSize {
		return nil, ErrScalarSize
	}
	x, y := curve.ScalarBaseMult(w1)
	return encode(point{x, y}), nil
}

type role int

const (
	prover role = iota
	verifier
)

type step int

const (
	stepInit step = iota
	stepShared
	stepKeyed
	stepVerified
)

// Exchange is one side of a SPAKE2+ run.
type Exchange struct {
	role    role
	context []byte
	random  io.Reader
	step    step

	w0 *big.Int
	w1 *big.Int // prover
	l  point    // verifier

	secret    *big.Int
	share     []byte
	peerShare []byte

	ke       []byte
	kcProver []byte
	kcVerify []byte
}

// NewProver creates the side that knows the password. context binds the run
// to its surroundings and must match on both sides.
func NewProver(context, w0, w1 []byte, random io.Reader) (*Exchange, error) {
	if len(w0) != ScalarSize || len(w1) != ScalarSize {
		return nil, ErrScalarSize
	}
	return &Exchange{
		role:    prover,
		context: append([]byte(nil), context...),
		random:  random,
		w0:      new(big.Int).SetBytes(w0),
		w1:      new(big.Int).SetBytes(w1),
	}, nil
}

// NewVerifier creates the side holding the registration record.
func NewVerifier(context, w0, registration []byte, random io.Reader) (*Exchange, error) {
	if len(w0) != ScalarSize {
		return nil, ErrScalarSize
	}
	l, err := decode(registration)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		role:    verifier,
		context: append([]byte(nil), context...),
		random:  random,
		w0:      new(big.Int).SetBytes(w0),
		l:       l,
	}, nil
}

// Share returns this side's public share: x*P + w0*M for the prover and
// y*P + w0*N for the verifier.
func (e *Exchange) Share() ([]byte, error) {
	if e.step != stepInit {
		return nil, ErrState
	}
	if e.random == nil {
		return nil, errNoRandom
	}
	s, err := randomScalar(e.random)
	if err != nil {
		return nil, err
	}
	gen := pointM
	if e.role == verifier {
		gen = pointN
	}
	bx, by := curve.ScalarBaseMult(s.FillBytes(make([]byte, ScalarSize)))
	share := add(point{bx, by}, mul(gen, e.w0))

	e.secret = s
	e.share = encode(share)
	e.step = stepShared
	return append([]byte(nil), e.share...), nil
}

// Finish takes the peer share and derives the session keys.
func (e *Exchange) Finish(peerShare []byte) error {
	if e.step != stepShared {
		return ErrState
	}
	peer, err := decode(peerShare)
	if err != nil {
		return err
	}

	var z, v point
	if e.role == prover {
		// Z = x*(Y - w0*N), V = w1*(Y - w0*N)
		base := sub(peer, mul(pointN, e.w0))
		z, v = mul(base, e.secret), mul(base, e.w1)
	} else {
		// Z = y*(X - w0*M), V = y*L
		base := sub(peer, mul(pointM, e.w0))
		z, v = mul(base, e.secret), mul(e.l, e.secret)
	}
	if z.isIdentity() || v.isIdentity() {
		return ErrIdentityElement
	}

	e.peerShare = append([]byte(nil), peerShare...)
	x, y := e.share, e.peerShare
	if e.role == verifier {
		x, y = y, x
	}
	var tt []byte
	for _, field := range [][]byte{
		e.context, nil, nil, encodedM, encodedN, x, y,
		encode(z), encode(v), e.w0.FillBytes(make([]byte, ScalarSize)),
	} {
		tt = binary.LittleEndian.AppendUint64(tt, uint64(len(field)))
		tt = append(tt, field...)
	}
	kae := crypto.SHA256(tt)
	clear(tt)

	kc, err := crypto.HKDFSHA256(kae[:16], nil, []byte("ConfirmationKeys"), 32)
	if err != nil {
		return err
	}
	e.ke = append([]byte(nil), kae[16:]...)
	e.kcProver, e.kcVerify = kc[:16], kc[16:]
	clear(kae)
	e.step = stepKeyed
	return nil
}

// Confirmation returns this side's key confirmation MAC over the peer share.
func (e *Exchange) Confirmation() ([]byte, error) {
	if e.step < stepKeyed {
		return nil, ErrState
	}
	key := e.kcProver
	if e.role == verifier {
		key = e.kcVerify
	}
	return crypto.HMACSHA256(key, e.peerShare), nil
}

// Verify checks the peer's key confirmation MAC over our share.
func (e *Exchange) Verify(confirmation []byte) error {
	if e.step < stepKeyed {
		return ErrState
	}
	key := e.kcVerify
	if e.role == verifier {
		key = e.kcProver
	}
	if !crypto.Equal(crypto.HMACSHA256(key, e.share), confirmation) {
		return ErrConfirmation
	}
	e.step = stepVerified
	return nil
}

// SharedSecret returns Ke once the peer's confirmation was verified.
func (e *Exchange) SharedSecret() ([]byte, error) {
	if e.step != stepVerified {
		return nil, ErrState
	}
	return append([]byte(nil), e.ke...), nil
}

// Wipe clears the secret scalars and derived keys.
func (e *Exchange) Wipe() {
	for _, n := range []*big.Int{e.w0, e.w1, e.secret} {
		if n != nil {
			n.SetInt64(0)
		}
	}
	clear(e.ke)
	clear(e.kcProver)
	clear(e.kcVerify)
}

type point struct {
	x, y *big.Int
}

func (p point) isIdentity() bool {
	return p.x.Sign() == 0 && p.y.Sign() == 0
}

func mustPoint(b []byte) point {
	p, err := decode(b)
	if err != nil {
		panic(err)
	}
	return p
}

func decode(b []byte) (point, error) {
	if len(b) != PointSize {
		return point{}, ErrPointSize
	}
	if b[0] != 0x04 {
		return point{}, ErrNotOnCurve
	}
	x := new(big.Int).SetBytes(b[1:33])
	y := new(big.Int).SetBytes(b[33:])
	if !curve.IsOnCurve(x, y) {
		return point{}, ErrNotOnCurve
	}
	return point{x, y}, nil
}

func encode(p point) []byte {
	b := make([]byte, PointSize)
	b[0] = 0x04
	p.x.FillBytes(b[1:33])
	p.y.FillBytes(b[33:])
	return b
}

func mul(p point, k *big.Int) point {
	x, y := curve.ScalarMult(p.x, p.y, k.Bytes())
	return point{x, y}
}

func add(a, b point) point {
	x, y := curve.Add(a.x, a.y, b.x, b.y)
	return point{x, y}
}

func sub(a, b point) point {
	negY := new(big.Int).Sub(curve.Params().P, b.y)
	negY.Mod(negY, curve.Params().P)
	return add(a, point{b.x, negY})
}

func reduce(seed []byte) []byte {
	n := new(big.Int).SetBytes(seed)
	n.Mod(n, curve.Params().N)
	return n.FillBytes(make([]byte, ScalarSize))
}

func randomScalar(r io.Reader) (*big.Int, error) {
	order := curve.Params().N
	buf := make([]byte, ScalarSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		k := new(big.Int).SetBytes(buf)
		if k.Sign() > 0 && k.Cmp(order) < 0 {
			clear(buf)
			return k, nil
		}
	}
}
