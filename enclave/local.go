package enclave

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"go.uber.org/atomic"
)

// LocalStream serves requests with an in-process handler. It is used to run a
// replica quorum inside one process, for example in integration tests or an
// embedded deployment.
type LocalStream struct {
	replica Replica
	creds   Credentials
	handler http.Handler
	closed  atomic.Bool
}

// LocalDialer returns a dialer that routes each replica, by name, to its handler.
func LocalDialer(handlers map[string]http.Handler, creds Credentials) Dialer[*LocalStream] {
	return func(ctx context.Context, replica Replica) (*LocalStream, error) {
		handler, ok := handlers[replica.Name]
		if !ok {
			return nil, fmt.Errorf("no local handler for replica %s", replica.Name)
		}
		return &LocalStream{replica: replica, creds: creds, handler: handler}, nil
	}
}

func (s *LocalStream) Endpoint() string {
	return "local://" + s.replica.Name
}

// ChannelKey is nil: in-process handlers are bound to no TLS key.
func (s *LocalStream) ChannelKey() []byte {
	return nil
}

func (s *LocalStream) Do(ctx context.Context, method, path string, in, out any) error {
	if s.closed.Load() {
		return &interfaces.ConnectionError{Replica: s.replica.Name, Err: ErrStreamClosed}
	}
	return roundTrip(ctx, s.serve, s.replica, s.creds, method, path, in, out)
}

func (s *LocalStream) serve(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	if req.Body == nil {
		req.Body = http.NoBody
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func (s *LocalStream) Close() error {
	s.closed.Store(true)
	return nil
}
