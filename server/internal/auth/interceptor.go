package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ModeAPIKey is the only mode that enforces anything.
const ModeAPIKey = "apikey"

func enforced(mode, key string) bool {
	return mode == ModeAPIKey && key != ""
}

func matches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// APIKeyInterceptor returns a gRPC UnaryServerInterceptor that requires the
// metadata value of header to equal key. A missing or wrong key returns
// codes.Unauthenticated. header is lowercased, matching gRPC's metadata
// normalisation.
func APIKeyInterceptor(mode, header, key string) grpc.UnaryServerInterceptor {
	header = strings.ToLower(header)
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !enforced(mode, key) {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		vals := md.Get(header)
		if len(vals) == 0 || !matches(vals[0], key) {
			slog.Warn("auth: rejected grpc call", "method", info.FullMethod)
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}

		return handler(ctx, req)
	}
}

// Middleware wraps next with the same check for HTTP requests. Browsers
// cannot set headers on a WebSocket upgrade, so the key is also accepted in
// the api_key query parameter.
func Middleware(mode, header, key string, next http.Handler) http.Handler {
	if !enforced(mode, key) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(header)
		if got == "" {
			got = r.URL.Query().Get("api_key")
		}
		if got == "" || !matches(got, key) {
			slog.Warn("auth: rejected http request", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
