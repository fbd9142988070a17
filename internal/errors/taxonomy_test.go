package errors

import (
	stdErrors "errors"
	"testing"
)

func TestNewTaxonomyClassification(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"tls", NewTlsError("dial.tls", stdErrors.New("x509: cert expired")), IsTls},
		{"io", NewIoError("writer.send", stdErrors.New("connection reset")), IsIo},
		{"auth", NewAuthError("connect.result", "NetConnection.Connect.Rejected"), IsAuthError},
		{"publish_rejected", NewPublishRejected("publish.result", "stream key in use"), IsPublishRejected},
		{"protocol_desync", NewProtocolDesync("assembler.read", 1024, stdErrors.New("no sync byte")), IsProtocolDesync},
		{"encoder_failed", NewEncoderFailed("drain.poll", stdErrors.New("dequeue failed")), IsEncoderFailed},
		{"invalid_input", NewInvalidInput("url.parse", stdErrors.New("missing scheme")), IsInvalidInput},
		{"permission_denied", NewPermissionDenied("mic.open", stdErrors.New("denied by platform")), IsPermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !tc.check(tc.err) {
				t.Fatalf("expected %s to classify true", tc.name)
			}
			if tc.err.Error() == "" {
				t.Fatalf("expected non-empty error string")
			}
		})
	}
}

func TestTaxonomyProtocolMembership(t *testing.T) {
	protocolMembers := []error{
		NewTlsError("x", nil),
		NewIoError("x", nil),
		NewAuthError("x", "y"),
		NewPublishRejected("x", "y"),
		NewProtocolDesync("x", 0, nil),
	}
	for _, err := range protocolMembers {
		if !IsProtocolError(err) {
			t.Fatalf("expected %T to be classified as protocol error", err)
		}
	}

	nonProtocolMembers := []error{
		NewEncoderFailed("x", nil),
		NewInvalidInput("x", nil),
		NewPermissionDenied("x", nil),
	}
	for _, err := range nonProtocolMembers {
		if IsProtocolError(err) {
			t.Fatalf("expected %T NOT to be classified as protocol error", err)
		}
	}
}
