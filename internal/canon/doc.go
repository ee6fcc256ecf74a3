// Package canon produces canonical JSON for structured form content and derives
// content-addressed identifiers from it.
//
// Two submissions whose XML differs only in insignificant whitespace, attribute order
// or Unicode normalization form convert to the same structured mapping and therefore
// hash to the same ContentHash. This is what separates a duplicate submission from an
// edit.
package canon
