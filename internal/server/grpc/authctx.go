package grpcserver

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// authorizationFromMD returns the first "authorization" metadata value, or "".
func authorizationFromMD(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// clientKey identifies the caller: the first x-forwarded-for entry when trusted,
// otherwise the peer host.
func clientKey(ctx context.Context, trustForwarded bool) string {
	if trustForwarded {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
				first, _, _ := strings.Cut(vals[0], ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}
	}
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
