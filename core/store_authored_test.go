package core

import (
	"testing"
	"time"
)

func authoredRecordAt(seq uint32) AuthoredRecord {
	entry := AppEntry{Payload: []byte{byte(seq)}, Visibility: Public}
	sig := SignedHeader{Header: HeaderCreate{
		common:     common{Seq: seq, Timestamp: time.Unix(int64(seq), 0).UTC()},
		EntryType:  "post",
		EntryHash:  HashEntry(entry),
		Visibility: Public,
	}}
	return AuthoredRecord{Signed: sig, EntryVal: entry}
}

func TestAuthoredStoreCommitScratchAppendsOnMatchingHead(t *testing.T) {
	s := NewAuthoredStore()
	head, length := s.Head()
	if length != 0 || !head.IsZero() {
		t.Fatalf("expected an empty store to report zero head/length")
	}

	rec := authoredRecordAt(1)
	newHead, newLen, err := s.CommitScratch(head, length, []AuthoredRecord{rec})
	if err != nil {
		t.Fatalf("CommitScratch: %v", err)
	}
	if newLen != 1 {
		t.Fatalf("newLen = %d, want 1", newLen)
	}
	if newHead.IsZero() {
		t.Fatalf("expected a non-zero head after committing a record")
	}
}

func TestAuthoredStoreCommitScratchRejectsStaleHead(t *testing.T) {
	s := NewAuthoredStore()
	head, length := s.Head()
	rec := authoredRecordAt(1)
	if _, _, err := s.CommitScratch(head, length, []AuthoredRecord{rec}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Reusing the stale (pre-commit) head/length must be rejected.
	_, _, err := s.CommitScratch(head, length, []AuthoredRecord{authoredRecordAt(2)})
	if err == nil {
		t.Fatalf("expected CommitScratch to reject a stale expected head")
	}
	if _, ok := err.(*HeadMoved); !ok {
		t.Fatalf("expected a *HeadMoved error, got %T: %v", err, err)
	}
}

func TestAuthoredStoreUnpublishedAndMarkPublished(t *testing.T) {
	s := NewAuthoredStore()
	rec := authoredRecordAt(1)
	head, length := s.Head()
	if _, _, err := s.CommitScratch(head, length, []AuthoredRecord{rec}); err != nil {
		t.Fatalf("CommitScratch: %v", err)
	}

	unpub := s.Unpublished()
	if len(unpub) != 1 {
		t.Fatalf("expected one unpublished record, got %d", len(unpub))
	}
	hh, _ := HashHeader(unpub[0].Signed.Header)
	if !s.MarkPublished(hh, true) {
		t.Fatalf("MarkPublished should find the record by header hash")
	}
	if len(s.Unpublished()) != 0 {
		t.Fatalf("expected no unpublished records after marking published")
	}
}

func TestAuthoredStoreSetOpsAndUndecomposed(t *testing.T) {
	s := NewAuthoredStore()
	rec := authoredRecordAt(1)
	head, length := s.Head()
	if _, _, err := s.CommitScratch(head, length, []AuthoredRecord{rec}); err != nil {
		t.Fatalf("CommitScratch: %v", err)
	}

	undecomposed := s.Undecomposed()
	if len(undecomposed) != 1 {
		t.Fatalf("expected one undecomposed record")
	}
	hh, _ := HashHeader(undecomposed[0].Signed.Header)
	ops, err := ProduceDhtOps(undecomposed[0].Signed, undecomposed[0].EntryVal)
	if err != nil {
		t.Fatalf("ProduceDhtOps: %v", err)
	}
	var lights []DhtOpLight
	for _, op := range ops {
		lights = append(lights, Light(op))
	}
	if !s.SetOps(hh, lights) {
		t.Fatalf("SetOps should find the record by header hash")
	}
	if len(s.Undecomposed()) != 0 {
		t.Fatalf("expected no undecomposed records once ops are set")
	}
}

func TestAuthoredStoreAddReceipt(t *testing.T) {
	s := NewAuthoredStore()
	rec := authoredRecordAt(1)
	head, length := s.Head()
	if _, _, err := s.CommitScratch(head, length, []AuthoredRecord{rec}); err != nil {
		t.Fatalf("CommitScratch: %v", err)
	}
	hh, _ := HashHeader(s.All()[0].Signed.Header)
	if !s.AddReceipt(hh, ValidationReceipt{Validator: hh}) {
		t.Fatalf("AddReceipt should find the record by header hash")
	}
	if len(s.All()[0].Receipts) != 1 {
		t.Fatalf("expected one receipt to be recorded")
	}
}
