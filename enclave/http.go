package enclave

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"go.uber.org/atomic"
)

// HTTPStream talks JSON over HTTP to one replica. Each stream owns its own
// transport, so no TCP connection outlives the operation that dialed it.
//
// Over https the stream accepts any certificate on its first handshake and
// pins that key: every later connection must present the same key. Trust in
// the key comes from the attestation quote, which binds it.
type HTTPStream struct {
	replica   Replica
	creds     Credentials
	pin       *cryptoutils.KeyPin
	transport *http.Transport
	client    *http.Client
	closed    atomic.Bool
}

// HTTPDialer returns a dialer producing HTTPStreams. Every stream clones base
// (http.DefaultTransport when nil) and applies timeout to each request.
func HTTPDialer(base *http.Transport, timeout time.Duration, creds Credentials) Dialer[*HTTPStream] {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}

	return func(ctx context.Context, replica Replica) (*HTTPStream, error) {
		pin := &cryptoutils.KeyPin{}
		transport := base.Clone()
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.MinVersion = tls.VersionTLS12
		// Replica certificates are self-signed; the pin and the quote replace
		// chain verification.
		transport.TLSClientConfig.InsecureSkipVerify = true
		transport.TLSClientConfig.VerifyPeerCertificate = pin.VerifyPeerCertificate
		// Resumed sessions skip VerifyPeerCertificate.
		transport.TLSClientConfig.ClientSessionCache = nil

		return &HTTPStream{
			replica:   replica,
			creds:     creds,
			pin:       pin,
			transport: transport,
			client: &http.Client{
				Transport: transport,
				Timeout:   timeout,
			},
		}, nil
	}
}

func (s *HTTPStream) Endpoint() string {
	return s.replica.URL
}

func (s *HTTPStream) ChannelKey() []byte {
	return s.pin.Key()
}

func (s *HTTPStream) Do(ctx context.Context, method, path string, in, out any) error {
	if s.closed.Load() {
		return &interfaces.ConnectionError{Replica: s.replica.Name, Err: ErrStreamClosed}
	}
	return roundTrip(ctx, s.client.Do, s.replica, s.creds, method, path, in, out)
}

// Close releases the stream's idle connections. It is safe to call twice.
func (s *HTTPStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.transport.CloseIdleConnections()
	return nil
}
