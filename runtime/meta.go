package runtime

import "collabkit/clock"

// MetadataRequest is what a primitive attaches to an outgoing op: which
// extra metadata fields the receiving side will need. SenderID and
// SenderCounter are always included; everything else costs wire size and
// must be asked for.
type MetadataRequest struct {
	// VCKeys are vector clock entries to include even if the sender's
	// CRDTs never read them during the local echo.
	VCKeys []string
	// WallClockTime requests milliseconds-since-epoch of the send.
	WallClockTime bool
	// Lamport requests the sender's Lamport timestamp.
	Lamport bool
}

// UpdateMeta is handed to a primitive with every applied op, local echo
// and remote delivery alike.
//
// Vector clock entries the sender never read are not on the wire; VC
// returns zero for them and primitives must treat that zero as possibly
// incorrect. Reading VC during a local echo records the key so it is
// included in the outgoing transaction.
type UpdateMeta struct {
	SenderID      string
	SenderCounter uint64
	// IsLocalEcho is true when this apply is the sender observing its
	// own op synchronously inside the transaction.
	IsLocalEcho bool
	// WallClockTime is 0 unless the sender requested it.
	WallClockTime int64
	// Lamport is 0 unless the sender requested it.
	Lamport uint64

	vc   map[string]uint64
	used map[string]struct{}
}

// VC returns the sender's vector clock entry for id as known at send
// time. Absent entries read as zero, which for remote deliveries may be
// an omission rather than a true zero.
func (m *UpdateMeta) VC(id string) uint64 {
	if m.used != nil && id != m.SenderID {
		m.used[id] = struct{}{}
	}
	return m.vc[id]
}

// LoadMeta accompanies LoadState so a primitive can resolve conflicts
// between its in-memory state and the loaded bytes. LocalVC is the
// applied clock before the load's merge; RemoteVC is the clock stored in
// the blob.
type LoadMeta struct {
	LocalVC  clock.Vector
	RemoteVC clock.Vector
}
