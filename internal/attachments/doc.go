// Package attachments stores the binary blobs a form owns.
//
// Blobs are content addressed: the backend key of a blob is derived from its
// bytes, so identical payloads are stored once. A form refers to its blobs by
// name through small metadata records:
//
//	blob/<hash>                          raw bytes
//	meta/<form_id>/<name>                JSON AttachmentRef
//	ref/<hash>/<form_id>/<name>          empty marker, one per referencing (form, name)
//	stage/<stage_id>/<name>              JSON AttachmentRef of a staged file
//	ref/<hash>/~stage/<stage_id>/<name>  marker holding a staged blob
//
// A blob is removed when its last ref marker goes away. Submissions Stage
// their files before the commit and Unstage them once the form's own links
// exist, so a blob is never unreferenced between upload and commit. Linking
// the same ref under another form id shares the blob, which is how a
// deprecated form keeps reading its attachments after its id is reassigned.
package attachments
