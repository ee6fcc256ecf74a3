// Package model defines the persisted entities of the form/case core: forms and
// their operation history, cases with their index graph, the case transactions
// binding the two, and the per-domain policy consulted while processing.
//
// Small enumerations (form state, transaction type, index relationship) are stored
// as integers and rendered as strings at the boundary.
package model
