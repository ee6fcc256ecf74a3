// Package harness runs YAML scenarios against a fresh in-memory processor.
//
// A scenario is a list of steps (submissions, archive transitions, case API
// calls) followed by assertions over the resulting form and case state:
//
//	name: extension_cascade
//	description: "Closing a host closes its extension"
//	domain: clinic
//	policy:
//	  extension_cases: true
//	steps:
//	  - submit:
//	      file: forms/create_host.xml
//	    expect:
//	      outcome: created
//	  - archive: f1
//	    expect:
//	      state: archived
//	  - case_api:
//	      case_type: patient
//	      case_name: Ana
//	      owner_id: o1
//	assertions:
//	  - type: case_state
//	    case: E
//	    expect: { closed: true, properties.status: "done" }
//	  - type: transactions
//	    case: E
//	    types: ["form|case_create|case_index", "form|case_close"]
//
// # Assertion Types
//
//   - case_state: case fields match (case_type, owner_id, name, external_id,
//     opened_by, closed, deleted, closed_by, properties.<name>, indices.<id>)
//   - case_absent: the case was never written
//   - form_state: form fields match (state, xmlns, user_id, orig_id,
//     deprecated_form_id, problem, history); problem matches by substring
//   - transactions: the case's transaction types in server order, or their count
//   - trace_count: how many steps produced an outcome
//
// # Determinism
//
// Every run uses a fixed clock stepping one second per reading and
// sequence-numbered transaction, record and case ids, so the step trace of a
// scenario is byte-identical across runs and can be compared against a
// golden snapshot.
package harness
