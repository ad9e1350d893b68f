package crdt

// Clock owns a replica's (ssn, sum, sid, seq) state for one document.
// It is advanced on every local emission and witnessed on every remote
// receipt, whether or not the remote operation could be applied.
//
// The clock is not safe for concurrent use; the replica controller
// serialises access alongside the RGA.
type Clock struct {
	SSN uint64
	SID uint64
	Seq uint64
	Sum uint64
}

// NewClock starts a session clock for the given site.
func NewClock(sid, ssn uint64) *Clock {
	return &Clock{SSN: ssn, SID: sid}
}

// Tick allocates the identifier for the next local operation,
// advancing both the emission counter and the Lamport scalar.
func (c *Clock) Tick() S4Vector {
	c.Seq++
	c.Sum++
	return S4Vector{SSN: c.SSN, Sum: c.Sum, SID: c.SID, Seq: c.Seq}
}

// Witness merges a remote Lamport scalar: sum = max(sum, remote) + 1.
func (c *Clock) Witness(remoteSum uint64) {
	if remoteSum > c.Sum {
		c.Sum = remoteSum
	}
	c.Sum++
}

// Now snapshots the clock's current position without advancing it.
func (c *Clock) Now() S4Vector {
	return S4Vector{SSN: c.SSN, Sum: c.Sum, SID: c.SID, Seq: c.Seq}
}
