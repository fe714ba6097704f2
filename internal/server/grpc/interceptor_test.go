package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/dmitrijs2005/gophtrust/internal/server/auth"
	"github.com/dmitrijs2005/gophtrust/internal/server/issuer"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	legacyIss = "https://legacy.example.com"
	idpBase   = "https://idp.example.com"
	realm     = "main"
	secret    = "secret"
)

type legacyFunc func(ctx context.Context, token string) (string, error)

func (f legacyFunc) ValidateAccessToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

type externalFunc func(ctx context.Context, token string) (string, error)

func (f externalFunc) ValidateExternalToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

func jwtLegacy(_ context.Context, token string) (string, error) {
	claims, err := auth.ParseToken(token, []byte(secret), legacyIss)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func newTestServer(opts ...Option) *GRPCServer {
	return NewGRPCServer("", nopLogger{}, issuer.New(idpBase, realm, legacyIss), legacyFunc(jwtLegacy), nil, opts...)
}

func withToken(token string) context.Context {
	md := metadata.New(map[string]string{common.AccessTokenHeaderName: "Bearer " + token})
	return metadata.NewIncomingContext(context.Background(), md)
}

func externalToken(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": idpBase + "/realms/" + realm,
		"sub": "ext-1",
	})
	s, err := tok.SignedString([]byte("idp-key"))
	require.NoError(t, err)
	return s
}

var info = &grpc.UnaryServerInfo{FullMethod: "/gophtrust.admin.v1.Admin/Status"}

func TestInterceptor_HealthBypassesAuth(t *testing.T) {
	s := newTestServer()
	called := false
	h := func(ctx context.Context, req any) (any, error) {
		called = true
		return "ok", nil
	}

	resp, err := s.issuerInterceptor(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, h)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", resp)
}

func TestInterceptor_MissingToken(t *testing.T) {
	s := newTestServer()
	h := func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not be called when token missing")
		return nil, nil
	}

	_, err := s.issuerInterceptor(context.Background(), nil, info, h)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", status.Code(err))
	}
	if status.Convert(err).Message() != "missing token" {
		t.Fatalf("expected 'missing token', got %q", status.Convert(err).Message())
	}
}

func TestInterceptor_LegacyToken(t *testing.T) {
	s := newTestServer()
	token, err := auth.GenerateToken("u42", legacyIss, []byte(secret), time.Minute)
	require.NoError(t, err)

	h := func(ctx context.Context, req any) (any, error) {
		uid, ok := UserIDFromContext(ctx)
		assert.True(t, ok)
		assert.Equal(t, "u42", uid)
		assert.Equal(t, issuer.Legacy, IssuerFromContext(ctx))
		return "ok", nil
	}

	_, err = s.issuerInterceptor(withToken(token), nil, info, h)
	require.NoError(t, err)
}

func TestInterceptor_LegacyTokenRejected(t *testing.T) {
	s := newTestServer()
	h := func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not be called")
		return nil, nil
	}

	expired, err := auth.GenerateToken("u42", legacyIss, []byte(secret), -time.Minute)
	require.NoError(t, err)
	_, err = s.issuerInterceptor(withToken(expired), nil, info, h)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, "token expired", status.Convert(err).Message())

	forged, err := auth.GenerateToken("u42", legacyIss, []byte("other"), time.Minute)
	require.NoError(t, err)
	_, err = s.issuerInterceptor(withToken(forged), nil, info, h)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, "invalid token", status.Convert(err).Message())
}

func TestInterceptor_ExternalToken(t *testing.T) {
	h := func(ctx context.Context, req any) (any, error) {
		assert.Equal(t, issuer.External, IssuerFromContext(ctx))
		uid, _ := UserIDFromContext(ctx)
		assert.Equal(t, "ext-1", uid)
		return "ok", nil
	}

	// no validator configured
	_, err := newTestServer().issuerInterceptor(withToken(externalToken(t)), nil, info, h)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	s := newTestServer(WithExternalValidator(externalFunc(func(context.Context, string) (string, error) {
		return "ext-1", nil
	})))
	_, err = s.issuerInterceptor(withToken(externalToken(t)), nil, info, h)
	require.NoError(t, err)
}

func TestInterceptor_UnknownIssuer(t *testing.T) {
	s := newTestServer()
	h := func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not be called")
		return nil, nil
	}

	_, err := s.issuerInterceptor(withToken("not-a-valid-jwt"), nil, info, h)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, "unknown token issuer", status.Convert(err).Message())
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{common.ErrTokenExpired, codes.Unauthenticated},
		{errors.Join(common.ErrorUnauthorized, common.ErrTokenReuse), codes.Unauthenticated},
		{common.ErrInvalidToken, codes.Unauthenticated},
		{common.ErrCredentialsUnavailable, codes.Unavailable},
		{common.ErrStorageUnavailable, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, status.Code(toStatus(c.err)), c.err.Error())
	}
}
