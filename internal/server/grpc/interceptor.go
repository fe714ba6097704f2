package grpc

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrijs2005/gophtrust/internal/common"
	"github.com/dmitrijs2005/gophtrust/internal/server/issuer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const (
	userIDKey ctxKey = "userID"
	issuerKey ctxKey = "issuer"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

// UserIDFromContext returns the subject stored by the interceptor.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok
}

// IssuerFromContext returns the authority that minted the caller's token.
func IssuerFromContext(ctx context.Context) issuer.Classification {
	v, ok := ctx.Value(issuerKey).(issuer.Classification)
	if !ok {
		return issuer.Unknown
	}
	return v
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(common.AccessTokenHeaderName)
	if len(values) == 0 {
		return ""
	}
	v := values[0]
	if len(v) >= len(common.BearerPrefix) && strings.EqualFold(v[:len(common.BearerPrefix)], common.BearerPrefix) {
		v = v[len(common.BearerPrefix):]
	}
	return strings.TrimSpace(v)
}

func (s *GRPCServer) issuerInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {

	if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
		return handler(ctx, req)
	}

	accessToken := bearerToken(ctx)
	if len(accessToken) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	class := s.classifier.Classify(accessToken)

	var (
		userID string
		err    error
	)
	switch class {
	case issuer.Legacy:
		userID, err = s.legacy.ValidateAccessToken(ctx, accessToken)
	case issuer.External:
		if s.external == nil {
			return nil, status.Error(codes.Unauthenticated, "external tokens are not accepted")
		}
		userID, err = s.external.ValidateExternalToken(ctx, accessToken)
	default:
		return nil, status.Error(codes.Unauthenticated, "unknown token issuer")
	}
	if err != nil {
		s.logger.Debug(ctx, "token rejected", "issuer", class.String(), "method", info.FullMethod, "error", err)
		return nil, toStatus(err)
	}

	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, issuerKey, class)
	return handler(ctx, req)
}

// toStatus maps service errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, common.ErrTokenExpired):
		return status.Error(codes.Unauthenticated, "token expired")
	case errors.Is(err, common.ErrorUnauthorized), errors.Is(err, common.ErrInvalidToken):
		return status.Error(codes.Unauthenticated, "invalid token")
	case errors.Is(err, common.ErrCredentialsUnavailable), errors.Is(err, common.ErrStorageUnavailable):
		return status.Error(codes.Unavailable, "temporarily unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
