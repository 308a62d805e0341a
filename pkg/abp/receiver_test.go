package abp

import "testing"

func TestReceiverDuplicateSuppression(t *testing.T) {
	r := NewReceiver(Params{MaxSeqMismatches: 2})

	if !r.Check(0) {
		t.Fatal("first message with bit 0 rejected")
	}
	r.Advance()

	// Retransmission of the same message: the sender missed our ACK.
	if r.Check(0) {
		t.Fatal("duplicate accepted")
	}
	if r.Mismatches() != 1 {
		t.Errorf("mismatches = %d, want 1", r.Mismatches())
	}

	if !r.Check(1) {
		t.Fatal("next message rejected")
	}
	if r.Mismatches() != 0 {
		t.Errorf("mismatches not cleared by a match")
	}
}

func TestReceiverExceeded(t *testing.T) {
	r := NewReceiver(Params{MaxSeqMismatches: 2})
	for i := 0; i < 3; i++ {
		r.Check(1)
	}
	if !r.Exceeded() {
		t.Error("3 mismatches with bound 2 not reported")
	}

	r.Reset()
	if r.Exceeded() || r.Expected() != 0 {
		t.Error("Reset did not restore the initial state")
	}
}
