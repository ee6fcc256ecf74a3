// Package docstore is the document backend for forms and cases, built on Badger.
//
// Each form and case is one JSON document. Secondary keys make the lookups the
// pipeline needs cheap prefix scans:
//
//	f/<domain>/<form_id>                                   form document
//	fs/<domain>/<state>/<received_on>/<form_id>            forms by state
//	c/<domain>/<case_id>                                   case document (with indices)
//	cx/<domain>/<external_id>/<case_id>                    cases by external id
//	ci/<domain>/<referenced_id>/<case_id>/<identifier>     live index rows by target
//	t/<domain>/<case_id>/<server_date>/<tx_id>             transactions of a case
//	tf/<domain>/<form_id>/<server_date>/<tx_id>            transactions of a form
//	ti/<tx_id>                                             transaction primary key
//	u/<created_on>/<id>, ui/<id>                           unfinished submissions
//
// Key parts are joined with a NUL byte rather than "/". Every CommitBatch is one
// badger read-write transaction.
package docstore
