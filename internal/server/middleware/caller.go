package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/infusion/internal/crypto"
	"github.com/alanyoungcy/infusion/internal/domain"
)

// Caller identity headers.
const (
	CallerHeader    = "X-Infusion-Caller"
	TimestampHeader = "X-Infusion-Timestamp"
	SignatureHeader = "X-Infusion-Signature"
)

// maxSignedBody bounds the body read for signature checks.
const maxSignedBody = 1 << 20

type callerKey struct{}

// WithCaller returns ctx carrying caller.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	c, ok := ctx.Value(callerKey{}).(common.Address)
	return c, ok
}

// CallerConfig controls caller authentication.
type CallerConfig struct {
	// RequireSignatures makes every request that names a caller prove it with
	// an EIP-191 signature over crypto.RequestMessage.
	RequireSignatures bool
	MaxAge            time.Duration
	// Replay remembers accepted signed requests so each is honored once.
	// Required when RequireSignatures is set.
	Replay domain.ReplayGuard
	Now    func() time.Time
}

// Caller resolves the X-Infusion-Caller header into the request context.
// Requests without the header pass through anonymously; handlers that act on
// behalf of a caller reject them.
func Caller(cfg CallerConfig) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RequireSignatures && cfg.Replay == nil {
		panic("middleware: signed callers need a ReplayGuard")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(CallerHeader)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(raw) {
				writeError(w, http.StatusUnauthorized, "malformed "+CallerHeader)
				return
			}
			caller := common.HexToAddress(raw)

			if cfg.RequireSignatures {
				signed, reason := verifyRequest(r, caller, cfg)
				if reason != "" {
					writeError(w, http.StatusUnauthorized, reason)
					return
				}
				// A timestamp is accepted up to MaxAge either side of now.
				fresh, err := cfg.Replay.Claim(r.Context(), requestToken(caller, signed), 2*cfg.MaxAge)
				if err != nil {
					writeError(w, http.StatusServiceUnavailable, "replay check unavailable")
					return
				}
				if !fresh {
					writeError(w, http.StatusUnauthorized, "signed request already used")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// verifyRequest checks the timestamp window and the signature, restoring the
// body for the handler. It returns the signed message, or a reason the
// request was refused.
func verifyRequest(r *http.Request, caller common.Address, cfg CallerConfig) ([]byte, string) {
	ts, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
	if err != nil {
		return nil, "missing or malformed " + TimestampHeader
	}
	skew := cfg.Now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > cfg.MaxAge {
		return nil, "request timestamp outside allowed window"
	}

	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return nil, "missing " + SignatureHeader
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
		if err != nil || len(body) > maxSignedBody {
			return nil, "request body unreadable or too large"
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	msg := crypto.RequestMessage(r.Method, r.URL.Path, ts, body)
	if err := crypto.VerifyMessage(msg, sig, caller); err != nil {
		return nil, "signature does not match caller"
	}
	return msg, ""
}

// requestToken names a signed request by caller and message rather than by
// signature bytes, so a re-encoded signature of the same request is still a
// repeat.
func requestToken(caller common.Address, msg []byte) string {
	return ethcrypto.Keccak256Hash(caller.Bytes(), msg).Hex()
}
