// Package auth provides bearer-token authentication for mothership-gateway.
//
// Tokens are HS256 JWTs signed with the configured auth.jwt_secret. Each
// token carries a subject ("sub") and a role:
//
//   - agent: may open agent connections over websocket or gRPC.
//   - service: may also call the HTTP API used to dispatch tasks and
//     broadcast directives.
//
// Tokens without a role claim are treated as agent tokens.
//
// # Transports
//
// HTTPAuthMiddleware guards HTTP handlers. It reads the Authorization header
// and, for websocket upgrades, optionally the token query parameter.
// StreamInterceptor guards gRPC streams using the "authorization" metadata
// key. Both attach an AuthContext retrievable with FromContext.
//
// When no secret is configured the gateway does not install either guard.
package auth
