package common

// AccessTokenHeaderName is the gRPC/HTTP metadata key used to carry the
// access token on inbound requests.
const AccessTokenHeaderName = "authorization"

// BearerPrefix is stripped from AccessTokenHeaderName values.
const BearerPrefix = "Bearer "
