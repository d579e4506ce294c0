package core

import "time"

// DhtOpType discriminates the nine op variants a committed record fans out
// to. The table in spec.md §3 lists nine rows; this module implements all
// nine (see DESIGN.md for the "seven variants" vs. nine-row discrepancy in
// the distilled spec, resolved in favor of the table since §4.4's fanout
// rules name all nine individually).
type DhtOpType int

const (
	DhtOpStoreElement DhtOpType = iota
	DhtOpStoreEntry
	DhtOpRegisterAgentActivity
	DhtOpRegisterUpdatedContent
	DhtOpRegisterUpdatedElement
	DhtOpRegisterDeletedBy
	DhtOpRegisterDeletedEntryHeader
	DhtOpRegisterAddLink
	DhtOpRegisterRemoveLink
)

func (t DhtOpType) String() string {
	switch t {
	case DhtOpStoreElement:
		return "StoreElement"
	case DhtOpStoreEntry:
		return "StoreEntry"
	case DhtOpRegisterAgentActivity:
		return "RegisterAgentActivity"
	case DhtOpRegisterUpdatedContent:
		return "RegisterUpdatedContent"
	case DhtOpRegisterUpdatedElement:
		return "RegisterUpdatedElement"
	case DhtOpRegisterDeletedBy:
		return "RegisterDeletedBy"
	case DhtOpRegisterDeletedEntryHeader:
		return "RegisterDeletedEntryHeader"
	case DhtOpRegisterAddLink:
		return "RegisterAddLink"
	case DhtOpRegisterRemoveLink:
		return "RegisterRemoveLink"
	default:
		return "Unknown"
	}
}

// typePriority fixes the total order used by OpOrder so that, e.g., a
// StoreElement always integrates before a RegisterAddLink authored in the
// same batch (§3 "ChainOp order").
func (t DhtOpType) typePriority() int { return int(t) }

// OpOrder totally orders ops for integration: first by type priority, then
// by timestamp, so every authority integrates the same batch in the same
// order regardless of arrival order.
type OpOrder struct {
	TypePriority int
	Timestamp    time.Time
}

// Less reports whether o sorts before other under OpOrder's total order.
func (o OpOrder) Less(other OpOrder) bool {
	if o.TypePriority != other.TypePriority {
		return o.TypePriority < other.TypePriority
	}
	return o.Timestamp.Before(other.Timestamp)
}

// DhtOp is a typed piece of gossip derived from a committed source-chain
// record, addressed to the DHT location its Basis() resolves to.
type DhtOp interface {
	OpType() DhtOpType
	Basis() Hash
	SignedHeader() SignedHeader
	// OpEntry returns the embedded entry, or nil if this op carries none
	// (private entries are stripped per §4.4; headers of entry-less types
	// never carry one).
	OpEntry() Entry
	Order() OpOrder
}

type opCommon struct {
	Sig    SignedHeader
	Entry_ Entry
}

func (c opCommon) SignedHeader() SignedHeader { return c.Sig }
func (c opCommon) OpEntry() Entry             { return c.Entry_ }

func orderOf(h Header, t DhtOpType) OpOrder {
	return OpOrder{TypePriority: t.typePriority(), Timestamp: h.GetTimestamp()}
}

// OpStoreElement carries the full record (header, and entry if public or
// required) at the authority for the header's own hash.
type OpStoreElement struct{ opCommon }

func (o OpStoreElement) OpType() DhtOpType { return DhtOpStoreElement }
func (o OpStoreElement) Basis() Hash {
	h, _ := HashHeader(o.Sig.Header)
	return h
}
func (o OpStoreElement) Order() OpOrder { return orderOf(o.Sig.Header, DhtOpStoreElement) }

// OpStoreEntry carries a public entry plus the header(s) that reference it,
// addressed by the entry's own hash.
type OpStoreEntry struct {
	opCommon
	EntryHash Hash
}

func (o OpStoreEntry) OpType() DhtOpType { return DhtOpStoreEntry }
func (o OpStoreEntry) Basis() Hash       { return o.EntryHash }
func (o OpStoreEntry) Order() OpOrder    { return orderOf(o.Sig.Header, DhtOpStoreEntry) }

// OpRegisterAgentActivity indexes chain activity by author, addressed at
// the author's own agent key.
type OpRegisterAgentActivity struct{ opCommon }

func (o OpRegisterAgentActivity) OpType() DhtOpType { return DhtOpRegisterAgentActivity }
func (o OpRegisterAgentActivity) Basis() Hash        { return o.Sig.Header.GetAuthor() }
func (o OpRegisterAgentActivity) Order() OpOrder {
	return orderOf(o.Sig.Header, DhtOpRegisterAgentActivity)
}

// OpRegisterUpdatedContent indexes an Update by the original entry hash.
type OpRegisterUpdatedContent struct {
	opCommon
	OriginalEntryHash Hash
}

func (o OpRegisterUpdatedContent) OpType() DhtOpType { return DhtOpRegisterUpdatedContent }
func (o OpRegisterUpdatedContent) Basis() Hash        { return o.OriginalEntryHash }
func (o OpRegisterUpdatedContent) Order() OpOrder {
	return orderOf(o.Sig.Header, DhtOpRegisterUpdatedContent)
}

// OpRegisterUpdatedElement indexes an Update by the original header hash.
type OpRegisterUpdatedElement struct {
	opCommon
	OriginalHeaderHash Hash
}

func (o OpRegisterUpdatedElement) OpType() DhtOpType { return DhtOpRegisterUpdatedElement }
func (o OpRegisterUpdatedElement) Basis() Hash        { return o.OriginalHeaderHash }
func (o OpRegisterUpdatedElement) Order() OpOrder {
	return orderOf(o.Sig.Header, DhtOpRegisterUpdatedElement)
}

// OpRegisterDeletedBy indexes a Delete by the header it deletes.
type OpRegisterDeletedBy struct {
	opCommon
	DeletedHeaderHash Hash
}

func (o OpRegisterDeletedBy) OpType() DhtOpType { return DhtOpRegisterDeletedBy }
func (o OpRegisterDeletedBy) Basis() Hash        { return o.DeletedHeaderHash }
func (o OpRegisterDeletedBy) Order() OpOrder     { return orderOf(o.Sig.Header, DhtOpRegisterDeletedBy) }

// OpRegisterDeletedEntryHeader indexes a Delete by the entry it deletes.
type OpRegisterDeletedEntryHeader struct {
	opCommon
	DeletedEntryHash Hash
}

func (o OpRegisterDeletedEntryHeader) OpType() DhtOpType { return DhtOpRegisterDeletedEntryHeader }
func (o OpRegisterDeletedEntryHeader) Basis() Hash        { return o.DeletedEntryHash }
func (o OpRegisterDeletedEntryHeader) Order() OpOrder {
	return orderOf(o.Sig.Header, DhtOpRegisterDeletedEntryHeader)
}

// OpRegisterAddLink indexes a CreateLink by its base.
type OpRegisterAddLink struct {
	opCommon
	LinkBase Hash
}

func (o OpRegisterAddLink) OpType() DhtOpType { return DhtOpRegisterAddLink }
func (o OpRegisterAddLink) Basis() Hash        { return o.LinkBase }
func (o OpRegisterAddLink) Order() OpOrder     { return orderOf(o.Sig.Header, DhtOpRegisterAddLink) }

// OpRegisterRemoveLink indexes a DeleteLink by its base.
type OpRegisterRemoveLink struct {
	opCommon
	LinkBase Hash
}

func (o OpRegisterRemoveLink) OpType() DhtOpType { return DhtOpRegisterRemoveLink }
func (o OpRegisterRemoveLink) Basis() Hash        { return o.LinkBase }
func (o OpRegisterRemoveLink) Order() OpOrder {
	return orderOf(o.Sig.Header, DhtOpRegisterRemoveLink)
}

// DhtOpLight is the same op minus its embedded header/entry, used in
// indices that only need to know what exists and where.
type DhtOpLight struct {
	Type       DhtOpType
	BasisHash  Hash
	HeaderHash Hash
	// OpHash is the op's identity: a content hash over its type, basis, and
	// header. A single committed record fans out to several DhtOps that all
	// embed the same SignedHeader (§4.4), so HeaderHash alone cannot tell
	// them apart — OpHash is what every index keys and dedupes by.
	OpHash Hash
	Order  OpOrder
}

// OpHash computes an op's identity hash. Because sibling ops produced by
// ProduceDhtOps from one record share a single SignedHeader, identity has
// to fold in the op's type and basis as well, not just HashHeader(header).
func OpHash(op DhtOp) Hash {
	hh, _ := HashHeader(op.SignedHeader().Header)
	basis := op.Basis()
	buf := make([]byte, 0, 1+len(hh.Bytes())+len(basis.Bytes()))
	buf = append(buf, byte(op.OpType()))
	buf = append(buf, hh.Bytes()...)
	buf = append(buf, basis.Bytes()...)
	return ComputeHash(HashTypeDhtOp, buf)
}

// Light strips a DhtOp's embedded header/entry for index storage.
func Light(op DhtOp) DhtOpLight {
	hh, _ := HashHeader(op.SignedHeader().Header)
	return DhtOpLight{
		Type:       op.OpType(),
		BasisHash:  op.Basis(),
		HeaderHash: hh,
		OpHash:     OpHash(op),
		Order:      op.Order(),
	}
}

// ValidationStatus is the terminal verdict system/app validation assigns an
// op. Rejection is terminal but not erasure: the op is still stored and
// served (§4.6); consumers filter by status.
type ValidationStatus int

const (
	ValidationPending ValidationStatus = iota
	ValidationValid
	ValidationRejected
)

func (s ValidationStatus) String() string {
	switch s {
	case ValidationValid:
		return "Valid"
	case ValidationRejected:
		return "Rejected"
	default:
		return "Pending"
	}
}

// ValidationReceipt is a validating authority's signed acknowledgement that
// it validated an op, over (op_hash, validation_status). AuthoredStore keeps
// them per record (AddReceipt); the publish workflow does not count them and
// marks a record published after one successful Publish call (§5,
// supplemented from original_source/.../validation_receipt_consumer.rs).
type ValidationReceipt struct {
	OpHash    Hash
	Validator AgentPubKey
	Status    ValidationStatus
	Signature []byte
}

// ProduceDhtOps decomposes one newly committed record into the DhtOps it
// fans out as, per §4.4. Private App entries are stripped from
// StoreElement/StoreEntry/RegisterUpdated* — their headers still fan out,
// the entry bytes do not.
func ProduceDhtOps(sig SignedHeader, entry Entry) ([]DhtOp, error) {
	var ops []DhtOp

	publicEntry := entry
	if entry != nil && entry.VisibilityOf() == Private {
		publicEntry = nil
	}

	ops = append(ops, OpStoreElement{opCommon{Sig: sig, Entry_: publicEntry}})
	ops = append(ops, OpRegisterAgentActivity{opCommon{Sig: sig}})

	switch h := sig.Header.(type) {
	case HeaderCreate:
		if h.Visibility == Public && entry != nil {
			ops = append(ops, OpStoreEntry{opCommon{Sig: sig, Entry_: entry}, h.EntryHash})
		}
	case HeaderUpdate:
		if h.Visibility == Public && entry != nil {
			ops = append(ops, OpStoreEntry{opCommon{Sig: sig, Entry_: entry}, h.EntryHash})
		}
		ops = append(ops, OpRegisterUpdatedContent{opCommon{Sig: sig, Entry_: publicEntry}, h.OriginalEntry})
		ops = append(ops, OpRegisterUpdatedElement{opCommon{Sig: sig, Entry_: publicEntry}, h.OriginalHeader})
	case HeaderDelete:
		ops = append(ops, OpRegisterDeletedBy{opCommon{Sig: sig}, h.DeletesHeader})
		ops = append(ops, OpRegisterDeletedEntryHeader{opCommon{Sig: sig}, h.DeletesEntry})
	case HeaderCreateLink:
		ops = append(ops, OpRegisterAddLink{opCommon{Sig: sig}, h.Base})
	case HeaderDeleteLink:
		ops = append(ops, OpRegisterRemoveLink{opCommon{Sig: sig}, h.Base})
	}

	return ops, nil
}
