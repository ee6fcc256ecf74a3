package httpapi

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/roach88/formcore/internal/attachments"
	"github.com/roach88/formcore/internal/processor"
	"github.com/roach88/formcore/internal/xmlconv"
)

const (
	// submissionPart is the multipart field carrying the form XML.
	submissionPart = "xml_submission_file"

	// FormIDHeader carries the instance id of every processed submission.
	FormIDHeader = "X-FormCore-FormID"

	openRosaNamespace = "http://openrosa.org/http/response"
	successMessage    = "   √   "

	// multipartMemory is how much of a multipart body is buffered in memory
	// before spilling to temporary files.
	multipartMemory = 32 << 20
)

// Response natures understood by OpenRosa clients.
const (
	natureSuccess           = "submit_success"
	natureSubmitError       = "submit_error"
	natureProcessingFailure = "processing_failure"
)

// submissionResponse is the JSON rendering of a processed submission.
type submissionResponse struct {
	FormID   string   `json:"form_id,omitempty"`
	Outcome  string   `json:"outcome"`
	Cases    []string `json:"cases,omitempty"`
	Created  []string `json:"created,omitempty"`
	Cascaded []string `json:"cascaded,omitempty"`
	Code     string   `json:"code,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (s *Server) receive(practice bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		domain := c.Param("domain")
		xml, files, err := s.readSubmission(c)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.respondSubmission(c, http.StatusRequestEntityTooLarge, submissionResponse{
					Outcome: string(processor.OutcomeError),
					Code:    string(processor.CodeAttachmentTooLarge),
					Error:   err.Error(),
				}, natureSubmitError)
				return
			}
			s.respondSubmission(c, http.StatusBadRequest, submissionResponse{
				Outcome: string(processor.OutcomeError),
				Error:   err.Error(),
			}, natureSubmitError)
			return
		}

		policy := s.deps.Policies(domain)
		if practice || policy.DemoOnly {
			user, _ := processor.SubmittingUser(xml)
			if s.opts.DemoUserID == "" || user != s.opts.DemoUserID {
				s.logger.Warn("rejected non-demo submission", "domain", domain, "user_id", user)
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only the demo user may submit here"})
				return
			}
		}

		res, err := s.deps.Processor.Submit(c.Request.Context(), processor.Submission{
			Domain:      domain,
			XML:         xml,
			Attachments: files,
			Policy:      policy,
		})
		if err != nil {
			status := http.StatusInternalServerError
			msg := fmt.Sprintf("There was an error processing the form: %v", err)
			if processor.IsLocked(err) {
				status = http.StatusLocked
				msg = "Form is already being processed. Please try again."
			}
			s.respondSubmission(c, status, submissionResponse{
				Outcome: string(processor.OutcomeError),
				Code:    string(processor.CodeOf(err)),
				Error:   msg,
			}, natureSubmitError)
			return
		}

		body := submissionResponse{
			FormID:   res.FormID(),
			Outcome:  string(res.Outcome),
			Cases:    res.CaseIDs(),
			Created:  res.Created,
			Cascaded: res.Cascaded,
		}
		if res.Outcome != processor.OutcomeError {
			s.respondSubmission(c, http.StatusCreated, body, natureSuccess)
			return
		}

		body.Code = string(res.Error.Code)
		body.Error = res.Error.Problem()
		status := http.StatusUnprocessableEntity
		if res.Error.Code == processor.CodeAttachmentTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		s.respondSubmission(c, status, body, natureProcessingFailure)
	}
}

// readSubmission extracts the form XML and any attachments from the request.
// Multipart attachments are named by their form field, so a field may carry
// only one file.
func (s *Server) readSubmission(c *gin.Context) ([]byte, []attachments.File, error) {
	if s.opts.MaxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)
	}

	if c.ContentType() != gin.MIMEMultipartPOSTForm {
		xml, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, nil, err
		}
		if len(xml) == 0 {
			return nil, nil, errors.New("request body is empty")
		}
		return xml, nil, nil
	}

	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		return nil, nil, err
	}
	var (
		xml   []byte
		files []attachments.File
	)
	form := c.Request.MultipartForm.File
	for _, field := range slices.Sorted(maps.Keys(form)) {
		headers := form[field]
		switch len(headers) {
		case 0:
			continue
		case 1:
		default:
			return nil, nil, fmt.Errorf("field %s carries %d files, attachments need one field each", field, len(headers))
		}
		h := headers[0]
		f, err := h.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", field, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", field, err)
		}
		if field == submissionPart {
			xml = data
			continue
		}
		files = append(files, attachments.File{
			Name:        field,
			ContentType: h.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	if xml == nil {
		return nil, nil, fmt.Errorf("missing %s part", submissionPart)
	}
	return xml, files, nil
}

// respondSubmission writes body as JSON when the client asks for it and as
// an OpenRosa response otherwise.
func (s *Server) respondSubmission(c *gin.Context, status int, body submissionResponse, nature string) {
	if body.FormID != "" {
		c.Header(FormIDHeader, body.FormID)
	}
	if c.NegotiateFormat(gin.MIMEXML, gin.MIMEJSON) == gin.MIMEJSON {
		c.JSON(status, body)
		return
	}

	msg := body.Error
	if nature == natureSuccess {
		msg = successMessage
	}
	out, err := xmlconv.ToXML(xmlconv.Mapping{
		xmlconv.TypeKey: "OpenRosaResponse",
		"@xmlns":        openRosaNamespace,
		"message": xmlconv.Mapping{
			"@nature":       nature,
			xmlconv.TextKey: msg,
		},
	})
	if err != nil {
		s.logger.Error("render openrosa response", "error", err)
		c.JSON(status, body)
		return
	}
	c.Data(status, "text/xml; charset=utf-8", out)
}
