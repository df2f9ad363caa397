package latency

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPickIP(t *testing.T) {
	v4 := net.ParseIP("192.0.2.1")
	v6 := net.ParseIP("2001:db8::1")

	tests := []struct {
		name  string
		addrs []net.IPAddr
		want  net.IP
	}{
		{"empty", nil, nil},
		{"v6 only", []net.IPAddr{{IP: v6}}, v6},
		{"prefers v4", []net.IPAddr{{IP: v6}, {IP: v4}}, v4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, tt.want.Equal(pickIP(tt.addrs)))
		})
	}
}

func TestICMPPingerResolveHonorsContext(t *testing.T) {
	t.Parallel()

	// A resolver whose DNS server never answers.
	p := ICMPPinger{Resolver: &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Ping(ctx, "slow.example", 50*time.Millisecond)
	require.Error(t, err)
	require.Contains(t, err.Error(), "resolve slow.example")
	require.Less(t, time.Since(start), 2*time.Second)
}
