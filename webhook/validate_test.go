package webhook

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asaplabs/asap-go/asap"
)

type fakeResolver struct {
	addrs map[string][]string
	err   error
}

func (r *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if r.err != nil {
		return nil, r.err
	}
	ips, ok := r.addrs[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]net.IPAddr, len(ips))
	for i, ip := range ips {
		out[i] = net.IPAddr{IP: net.ParseIP(ip)}
	}
	return out, nil
}

func TestValidateURL_IPLiterals(t *testing.T) {
	ctx := context.Background()

	blocked := []string{
		"https://127.0.0.1/hook",
		"https://10.1.2.3/hook",
		"https://192.168.1.1/hook",
		"https://172.16.0.1/hook",
		"https://169.254.1.1/hook",
		"https://0.0.0.0/hook",
		"https://[::1]/hook",
		"https://[fe80::1]/hook",
	}
	for _, raw := range blocked {
		err := ValidateURL(ctx, raw, true)
		assert.Equal(t, "asap:transport/webhook_url_rejected", asap.CodeOf(err), "url %s", raw)
	}

	require.NoError(t, ValidateURL(ctx, "https://8.8.8.8/hook", true))
}

func TestValidateURL_Scheme(t *testing.T) {
	ctx := context.Background()

	err := ValidateURL(ctx, "http://8.8.8.8/hook", true)
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindWebhookURLRejected))

	require.NoError(t, ValidateURL(ctx, "http://8.8.8.8/hook", false))

	err = ValidateURL(ctx, "ftp://8.8.8.8/hook", false)
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindWebhookURLRejected))

	err = ValidateURL(ctx, "https:///hook", true)
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindWebhookURLRejected))
}

func TestValidateURL_DNSRebinding(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{addrs: map[string][]string{
		"safe.example.com":  {"93.184.216.34"},
		"rebind.attack.net": {"93.184.216.34", "10.0.0.5"},
	}}

	require.NoError(t, validateURL(ctx, "https://safe.example.com/hook", true, resolver))

	// One blocked record among many is enough to reject.
	err := validateURL(ctx, "https://rebind.attack.net/hook", true, resolver)
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindWebhookURLRejected))

	err = validateURL(ctx, "https://unknown.example.com/hook", true, resolver)
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindWebhookURLRejected))
}

func TestSigner_RoundTrip(t *testing.T) {
	s := NewSigner([]byte("secret"))

	body, err := CanonicalBody(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(body), "keys are sorted canonically")

	header := s.Sign(body)
	assert.True(t, len(header) > len("sha256="))
	assert.True(t, s.Verify(body, header))

	assert.False(t, s.Verify([]byte(`{"a":1,"b":3}`), header), "tampered body")
	assert.False(t, s.Verify(body, "sha256=deadbeef"))
	assert.False(t, s.Verify(body, "md5=abc"))
	assert.False(t, NewSigner([]byte("other")).Verify(body, header), "wrong secret")
}

func TestCanonicalBody_KeyOrderIndependent(t *testing.T) {
	a, err := CanonicalBody(map[string]any{"x": 1, "y": map[string]any{"b": 2, "a": 1}})
	require.NoError(t, err)
	b, err := CanonicalBody(map[string]any{"y": map[string]any{"a": 1, "b": 2}, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
