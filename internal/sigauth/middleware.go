package sigauth

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderSignature      = "X-Request-Signature"
	HeaderTimestamp      = "X-Request-Timestamp"
	HeaderSigner         = "X-Request-Signer"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrMissingSigner    = errors.New("missing request signer")
	ErrReplayed         = errors.New("request already used")
)

type callerKey struct{}

// Request is the part of an HTTP request the signature covers.
type Request struct {
	Method         string
	Path           string
	IdempotencyKey string
	Timestamp      string
	Body           []byte
}

// Verifier authenticates callers by recovering the signer of an EIP-191
// personal message over the method, path, idempotency key, timestamp and body,
// and comparing it with the claimed signer. A signature without an idempotency
// key is accepted once.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// WithCaller stores an authenticated caller address in ctx.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the address authenticated by the middleware.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

// Sign produces the signature header value for req.
func Sign(key *ecdsa.PrivateKey, req Request) (string, error) {
	sig, err := crypto.Sign(digest(req), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignRequest sets the signer, timestamp and signature headers on r. The
// idempotency key header must already be set.
func SignRequest(key *ecdsa.PrivateKey, r *http.Request, now time.Time) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := Sign(key, Request{
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		Timestamp:      ts,
		Body:           body,
	})
	if err != nil {
		return err
	}
	r.Header.Set(HeaderSigner, crypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, sig)
	return nil
}

func (v *Verifier) verify(r *http.Request) (common.Address, error) {
	sigHeader := r.Header.Get(HeaderSignature)
	if sigHeader == "" {
		return common.Address{}, ErrMissingSignature
	}
	signer := r.Header.Get(HeaderSigner)
	if !common.IsHexAddress(signer) {
		return common.Address{}, ErrMissingSigner
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHeader, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	rv, sv := new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], rv, sv, true) {
		return common.Address{}, ErrInvalidSignature
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}

	idemKey := r.Header.Get(HeaderIdempotencyKey)
	pub, err := crypto.SigToPub(digest(Request{
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: idemKey,
		Timestamp:      tsHeader,
		Body:           bodyBytes,
	}), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	caller := crypto.PubkeyToAddress(*pub)
	if caller != common.HexToAddress(signer) {
		return common.Address{}, ErrInvalidSignature
	}

	// Keyed requests are deduplicated by the idempotency store.
	if idemKey == "" && !v.firstUse(hex.EncodeToString(sig), now) {
		return common.Address{}, ErrReplayed
	}
	return caller, nil
}

// firstUse records sig and reports whether it was unseen. Entries older than
// twice the skew can no longer pass the timestamp check and are dropped.
func (v *Verifier) firstUse(sig string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen == nil {
		v.seen = make(map[string]time.Time)
	}
	for s, at := range v.seen {
		if now.Sub(at) > 2*v.MaxSkew {
			delete(v.seen, s)
		}
	}
	if _, ok := v.seen[sig]; ok {
		return false
	}
	v.seen[sig] = now
	return true
}

func digest(req Request) []byte {
	msg := strings.Join([]string{req.Method, req.Path, req.IdempotencyKey, req.Timestamp, ""}, "\n")
	return accounts.TextHash(append([]byte(msg), req.Body...))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	return body, nil
}
