package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

var (
	DCAPAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 1},
		StringID: "qemu-tdx",
	}

	DummyAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 404},
		StringID: "dummy",
	}
)

// ErrMeasurementMismatch is returned when a verified quote carries measurements
// outside the expected set.
var ErrMeasurementMismatch = errors.New("measurement mismatch")

type AttestationType struct {
	OID      asn1.ObjectIdentifier
	StringID string
}

func (t AttestationType) String() string {
	return t.StringID
}

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case DummyAttestation.StringID:
		return DummyAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

// ReportData binds an attestation quote to the client's handshake nonce, the
// replica identity the client expects to reach and the key of the channel the
// quote travels over (ChannelKey of the replica's TLS certificate, empty for
// unencrypted or in-process channels).
func ReportData(nonce [32]byte, identity string, channelKey []byte) [64]byte {
	var reportData [64]byte
	copy(reportData[:32], nonce[:])

	h := sha256.New()
	var identityLen [4]byte
	binary.BigEndian.PutUint32(identityLen[:], uint32(len(identity)))
	h.Write(identityLen[:])
	h.Write([]byte(identity))
	h.Write(channelKey)
	copy(reportData[32:], h.Sum(nil))
	return reportData
}

// AttestationProvider produces quotes over caller-chosen report data.
type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// AttestationVerifier checks a quote against the report data the client
// expects and returns the measurements it attests to.
type AttestationVerifier interface {
	AttestationType() AttestationType
	Verify(reportData [64]byte, quote []byte) (map[int]string, error)
}

func AttestationProviderFor(attestationType AttestationType, remoteAddress string) (AttestationProvider, error) {
	switch {
	case attestationType.OID.Equal(DummyAttestation.OID):
		return DummyAttestationProvider{}, nil
	case attestationType.OID.Equal(DCAPAttestation.OID) && remoteAddress != "":
		return &RemoteAttestationProvider{Address: remoteAddress}, nil
	case attestationType.OID.Equal(DCAPAttestation.OID):
		return DCAPAttestationProvider{}, nil
	default:
		return nil, errors.ErrUnsupported
	}
}

type RemoteAttestationProvider struct {
	Address string
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	url := fmt.Sprintf("%s/attest/%s", strings.TrimSuffix(p.Address, "/"), hex.EncodeToString(reportData[:]))
	resp, err := http.DefaultClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DummyAttestationProvider produces unverifiable quotes for local development.
type DummyAttestationProvider struct{}

func (DummyAttestationProvider) AttestationType() AttestationType {
	return DummyAttestation
}

func (DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return dummyQuote(reportData), nil
}

func dummyQuote(reportData [64]byte) []byte {
	return []byte("dummy-quote:" + hex.EncodeToString(reportData[:]))
}

// DummyVerifier accepts quotes produced by DummyAttestationProvider.
type DummyVerifier struct{}

func (DummyVerifier) AttestationType() AttestationType {
	return DummyAttestation
}

func (DummyVerifier) Verify(reportData [64]byte, quote []byte) (map[int]string, error) {
	if !bytes.Equal(quote, dummyQuote(reportData)) {
		return nil, fmt.Errorf("invalid dummy quote for report data %x", reportData[:8])
	}
	return map[int]string{}, nil
}

// DCAPVerifier verifies TDX quotes and, when Expected is set, requires every
// listed register to match.
type DCAPVerifier struct {
	Expected map[int]string
}

func (DCAPVerifier) AttestationType() AttestationType {
	return DCAPAttestation
}

func (v DCAPVerifier) Verify(reportData [64]byte, quote []byte) (map[int]string, error) {
	measurements, err := VerifyDCAPAttestation(reportData, quote)
	if err != nil {
		return nil, err
	}
	if err := MatchMeasurements(v.Expected, measurements); err != nil {
		return nil, err
	}
	return measurements, nil
}

// MatchMeasurements requires each expected register to be present with the
// same (case-insensitive) hex value.
func MatchMeasurements(expected, actual map[int]string) error {
	for register, want := range expected {
		got, ok := actual[register]
		if !ok {
			return fmt.Errorf("%w: register %d missing", ErrMeasurementMismatch, register)
		}
		if !strings.EqualFold(got, want) {
			return fmt.Errorf("%w: register %d is %s, expected %s", ErrMeasurementMismatch, register, got, want)
		}
	}
	return nil
}

// AttestationVerifierFor returns the verifier for attestationType.
func AttestationVerifierFor(attestationType AttestationType, expected map[int]string) (AttestationVerifier, error) {
	switch {
	case attestationType.OID.Equal(DummyAttestation.OID):
		return DummyVerifier{}, nil
	case attestationType.OID.Equal(DCAPAttestation.OID):
		return DCAPVerifier{Expected: expected}, nil
	default:
		return nil, errors.ErrUnsupported
	}
}

func VerifyDCAPAttestation(reportData [64]byte, report []byte) (map[int]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(report)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	return map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
		5: hex.EncodeToString(v4Quote.TdQuoteBody.MrConfigId),
		6: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwner),
		7: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwnerConfig),
	}, nil
}
