package broadcaster

import "testing"

func TestClassifyErrorHandlesKnown(t *testing.T) {
	if classifyError("already known") != errAlreadyKnown {
		t.Fatal("expected already known to classify as already-known")
	}
	if classifyError("known transaction") != errAlreadyKnown {
		t.Fatal("expected known transaction to classify as already-known")
	}
}

func TestClassifyErrorHandlesInvalid(t *testing.T) {
	if classifyError("invalid signature") != errInvalid {
		t.Fatal("expected invalid signature to classify as invalid")
	}
	if classifyError("fee payer signature invalid") != errInvalid {
		t.Fatal("expected fee payer message to classify as invalid")
	}
	if classifyError("nonce key invalid") != errInvalid {
		t.Fatal("expected nonce key message to classify as invalid")
	}
}

func TestClassifyErrorDefaultsRetry(t *testing.T) {
	if classifyError("timeout") != errRetry {
		t.Fatal("expected timeout to classify as retry")
	}
	if classifyError("temporary") != errRetry {
		t.Fatal("expected temporary to classify as retry")
	}
}
