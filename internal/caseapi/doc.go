// Package caseapi translates JSON case updates into case-block form
// submissions.
//
// A request carries one update (an object) or a bulk list of updates. Each
// update creates a case or changes an existing one, addressed by case_id or
// external_id. Cases created in the same request can be referenced by their
// temporary_id or external_id before they exist.
//
// The whole request is rendered as ONE form holding one case block per update
// and submitted through the processor, so a request either applies completely
// or not at all.
package caseapi
