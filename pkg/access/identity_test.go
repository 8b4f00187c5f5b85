package access

import (
	"net/http/httptest"
	"testing"
)

func TestClientIdentityFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "socket address",
			remoteAddr: "203.0.113.7:52114",
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded-for single hop",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.9"},
			want:       "198.51.100.9",
		},
		{
			name:       "forwarded-for chain takes first hop",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.9, 10.0.0.2, 10.0.0.3"},
			want:       "198.51.100.9",
		},
		{
			name:       "forwarded-for with spaces",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "  198.51.100.9 , 10.0.0.2"},
			want:       "198.51.100.9",
		},
		{
			name:       "real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-Ip": "198.51.100.10"},
			want:       "198.51.100.10",
		},
		{
			name:       "forwarded-for wins over real-ip",
			remoteAddr: "10.0.0.1:80",
			headers: map[string]string{
				"X-Forwarded-For": "198.51.100.9",
				"X-Real-Ip":       "198.51.100.10",
			},
			want: "198.51.100.9",
		},
		{
			name:       "ipv6 loopback canonicalized",
			remoteAddr: "[::1]:52114",
			want:       "127.0.0.1",
		},
		{
			name:       "ipv6 loopback via header",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "::1"},
			want:       "127.0.0.1",
		},
		{
			name:       "ipv6 address keeps form",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "no origin at all",
			remoteAddr: "",
			want:       UnknownIdentity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/weather", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIdentityFromRequest(r); got != tt.want {
				t.Errorf("ClientIdentityFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}
