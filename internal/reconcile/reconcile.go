// Package reconcile classifies source records against the identity index.
package reconcile

import (
	"github.com/JohanCodinha/ghnotion/internal/record"
)

// Lookup is the read-only view of the identity index the reconciler needs.
type Lookup interface {
	Lookup(key record.ExternalKey) (record.MirrorHandle, bool)
}

// Update pairs a source record with the mirror page it already has.
type Update struct {
	Handle record.MirrorHandle
	Record record.Record
}

// Plan is the set of mirror operations for one kind.
// Creates and Updates partition the input of Classify exactly.
type Plan struct {
	Creates []record.Record
	Updates []Update
}

// Len returns the total number of planned operations.
func (p Plan) Len() int { return len(p.Creates) + len(p.Updates) }

// CreateOps returns the creates as operations, in input order.
func (p Plan) CreateOps() []record.Operation {
	ops := make([]record.Operation, 0, len(p.Creates))
	for _, r := range p.Creates {
		ops = append(ops, record.Create(r))
	}
	return ops
}

// UpdateOps returns the updates as operations, in input order.
func (p Plan) UpdateOps() []record.Operation {
	ops := make([]record.Operation, 0, len(p.Updates))
	for _, u := range p.Updates {
		ops = append(ops, record.Update(u.Handle, u.Record))
	}
	return ops
}

// Operations returns creates followed by updates.
func (p Plan) Operations() []record.Operation {
	return append(p.CreateOps(), p.UpdateOps()...)
}

// Classify marks every record present in idx as an update of its page and
// every other record as a create. Input order is preserved within each list.
func Classify(idx Lookup, records []record.Record) Plan {
	var plan Plan
	for _, r := range records {
		if h, ok := idx.Lookup(r.Key); ok {
			plan.Updates = append(plan.Updates, Update{Handle: h, Record: r})
			continue
		}
		plan.Creates = append(plan.Creates, r)
	}
	return plan
}
