// Package engine applies case blocks to the case graph.
//
// The engine is pure with respect to storage: it reads cases through
// repo.CaseStore and returns a Mutation describing every case and transaction
// to write. The caller commits the Mutation atomically together with the form
// that produced it, so a failed submission leaves no partial case writes.
//
// APPLICATION ORDER:
//
// Blocks are applied in the order they were extracted from the form. Within a
// block, actions run create, update, index, close, attachment. Dynamic
// properties are last-write-wins in that order.
//
// TRANSACTIONS:
//
// Each form produces one transaction per case it touches. A transaction keeps
// the actions it applied, so any case can be rebuilt from its non-revoked
// transactions without reparsing form XML. Rebuild is the same fold Apply
// performs, which is what makes archive followed by unarchive restore a case
// exactly.
//
// INDEX INTEGRITY:
//
// Every index target must exist in the submitting domain, either already
// stored or created by the same form. A target in another domain counts as
// missing.
package engine
