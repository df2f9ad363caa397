package latency

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

const defaultICMPSize = 56 // 64 bytes - 8 byte ICMP header

// ICMPPinger sends one ICMP echo per Ping call using pro-bing.
//
// Unprivileged mode uses UDP "ping sockets", which on Linux require
// net.ipv4.ping_group_range to include the process group.
//
// The host is resolved under ctx before the echo is sent, so a slow resolver
// counts against the sample's timeout.
type ICMPPinger struct {
	Privileged bool
	Size       int
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
}

func (p ICMPPinger) Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	ip, err := p.resolve(ctx, host)
	if err != nil {
		return 0, err
	}
	pinger, err := probing.NewPinger(ip.String())
	if err != nil {
		return 0, fmt.Errorf("icmp pinger %s: %w", host, err)
	}
	defer pinger.Stop()

	pinger.SetPrivileged(p.Privileged)
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.Size = defaultICMPSize
	if p.Size > 0 {
		pinger.Size = p.Size
	}

	if err := pinger.RunWithContext(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ErrNoReply
		}
		return 0, fmt.Errorf("icmp echo %s: %w", host, err)
	}

	stats := pinger.Statistics()
	if stats == nil || stats.PacketsRecv == 0 || len(stats.Rtts) == 0 {
		return 0, ErrNoReply
	}
	return stats.Rtts[0], nil
}

func (p ICMPPinger) resolve(ctx context.Context, host string) (net.IP, error) {
	r := p.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	ip := pickIP(addrs)
	if ip == nil {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return ip, nil
}

// pickIP prefers the first IPv4 address.
func pickIP(addrs []net.IPAddr) net.IP {
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP
	}
	return nil
}

// TCPPinger measures the TCP handshake time to host:Port. It needs no raw
// socket privileges and works against hosts that filter ICMP.
type TCPPinger struct {
	Port int
}

func (p TCPPinger) Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	port := p.Port
	if port <= 0 {
		port = 443
	}
	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ErrNoReply
		}
		return 0, fmt.Errorf("tcp connect %s: %w", host, err)
	}
	rtt := time.Since(start)
	_ = conn.Close()
	return rtt, nil
}
