package server

import (
	"context"
	"net"
	"sync"
	"time"

	"LoanLedger/internal/observability"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// maxTrackedPeers bounds the limiter map; it is reset when exceeded.
const maxTrackedPeers = 10_000

// PeerRateLimiter keeps one token bucket per remote host.
type PeerRateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPeerRateLimiter allows perSecond requests with the given burst per peer.
// A non-positive rate disables limiting.
func NewPeerRateLimiter(perSecond float64, burst int) *PeerRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &PeerRateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *PeerRateLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxTrackedPeers {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func peerKey(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// RateLimitInterceptor rejects calls with ResourceExhausted once a peer's
// bucket is empty.
func RateLimitInterceptor(limiter *PeerRateLimiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !limiter.Allow(peerKey(ctx)) {
			if metrics != nil {
				metrics.GRPCRateLimit.Inc()
			}
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", info.FullMethod)
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor records every call's outcome in metrics and the log.
// Internal errors are logged at error level, everything else at debug.
func LoggingInterceptor(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		if metrics != nil {
			metrics.GRPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
		}

		ev := logger.Debug()
		if code == codes.Internal || code == codes.Unknown {
			ev = logger.Error().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}
