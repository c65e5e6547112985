package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"IMDelivery/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
	Leeway time.Duration // 时钟偏差容忍
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Identity is what a valid credential resolves to.
type Identity struct {
	UserID   string
	DeviceID string
	Name     string // 展示名，推送标题用
	Scopes   []string
	ExpireAt time.Time
}

type Claims struct {
	DeviceID string   `json:"did,omitempty"`
	Name     string   `json:"name,omitempty"`
	Scope    []string `json:"scope,omitempty"`
	jwtlib.RegisteredClaims
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Generate issues a signed token. Token issuance belongs to the auth
// service; the gateway only uses it in tests and the dev token command.
func Generate(opts Options, userID, deviceID string, scopes []string) (token string, expireAt time.Time, err error) {
	return GenerateIdentity(opts, Identity{UserID: userID, DeviceID: deviceID, Scopes: scopes})
}

// GenerateIdentity is Generate carrying every Identity claim, including Name.
func GenerateIdentity(opts Options, id Identity) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := Claims{
		DeviceID: id.DeviceID,
		Name:     id.Name,
		Scope:    id.Scopes,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verifier validates bearer credentials for the gateway and the device API.
type Verifier struct {
	opts   Options
	parser *jwtlib.Parser
}

func NewVerifier(opts Options) (*Verifier, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret is empty")
	}
	return &Verifier{
		opts: opts,
		parser: jwtlib.NewParser(
			jwtlib.WithValidMethods([]string{method.Alg()}),
			jwtlib.WithLeeway(opts.Leeway),
			jwtlib.WithExpirationRequired(),
		),
	}, nil
}

// ValidateCredential returns errs.ErrUnauthorized for any token that does
// not parse, is expired, or carries no subject.
func (v *Verifier) ValidateCredential(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, errs.ErrUnauthorized.WrapMsg("empty token")
	}
	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		return v.opts.Secret, nil
	})
	if err != nil {
		return Identity{}, errs.ErrUnauthorized.WrapMsg(err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, errs.ErrUnauthorized.WrapMsg("invalid claims")
	}
	id := Identity{
		UserID:   claims.Subject,
		DeviceID: claims.DeviceID,
		Name:     claims.Name,
		Scopes:   claims.Scope,
	}
	if claims.ExpiresAt != nil {
		id.ExpireAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
