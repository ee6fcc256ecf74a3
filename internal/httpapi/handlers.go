package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/formcore/internal/attachments"
	"github.com/roach88/formcore/internal/caseapi"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/processor"
	"github.com/roach88/formcore/internal/repo"
)

// UserHeader names the user an API call acts as.
const UserHeader = "X-User-ID"

// formView is the JSON rendering of a stored form.
type formView struct {
	FormID           string                         `json:"form_id"`
	Domain           string                         `json:"domain"`
	XMLNS            string                         `json:"xmlns"`
	State            string                         `json:"state"`
	ReceivedOn       time.Time                      `json:"received_on"`
	ServerModifiedOn time.Time                      `json:"server_modified_on"`
	UserID           string                         `json:"user_id,omitempty"`
	DeviceID         string                         `json:"device_id,omitempty"`
	DeprecatedFormID string                         `json:"deprecated_form_id,omitempty"`
	OrigID           string                         `json:"orig_id,omitempty"`
	Problem          string                         `json:"problem,omitempty"`
	History          []model.FormOperation          `json:"history,omitempty"`
	Attachments      map[string]model.AttachmentRef `json:"attachments,omitempty"`
	Form             map[string]any                 `json:"form"`
}

func newFormView(f *model.Form) formView {
	return formView{
		FormID:           f.FormID,
		Domain:           f.Domain,
		XMLNS:            f.XMLNS,
		State:            f.State.String(),
		ReceivedOn:       f.ReceivedOn,
		ServerModifiedOn: f.ServerModifiedOn,
		UserID:           f.UserID,
		DeviceID:         f.DeviceID,
		DeprecatedFormID: f.DeprecatedFormID,
		OrigID:           f.OrigID,
		Problem:          f.Problem,
		History:          f.History,
		Attachments:      f.Attachments,
		Form:             f.Data,
	}
}

func (s *Server) createCases() gin.HandlerFunc {
	return s.caseCall(func(c *gin.Context, req caseapi.Request) (*caseapi.Response, error) {
		return s.deps.Cases.Handle(c.Request.Context(), req)
	}, http.StatusCreated)
}

func (s *Server) updateCase() gin.HandlerFunc {
	return s.caseCall(func(c *gin.Context, req caseapi.Request) (*caseapi.Response, error) {
		return s.deps.Cases.Update(c.Request.Context(), req, c.Param("case_id"))
	}, http.StatusOK)
}

func (s *Server) upsertCase() gin.HandlerFunc {
	return s.caseCall(func(c *gin.Context, req caseapi.Request) (*caseapi.Response, error) {
		return s.deps.Cases.Upsert(c.Request.Context(), req, c.Param("external_id"))
	}, http.StatusOK)
}

// caseCall reads the JSON body and maps the service's errors to statuses.
func (s *Server) caseCall(call func(*gin.Context, caseapi.Request) (*caseapi.Response, error), okStatus int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.MaxBodyBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}

		resp, err := call(c, caseapi.Request{
			Domain:   c.Param("domain"),
			UserID:   c.GetHeader(UserHeader),
			DeviceID: c.Request.UserAgent(),
			Body:     body,
		})
		if err != nil {
			if ue, ok := caseapi.AsUserError(err); ok {
				c.JSON(ue.Status, ue)
				return
			}
			s.respondError(c, err)
			return
		}
		c.Header(FormIDHeader, resp.FormID)
		c.JSON(okStatus, resp)
	}
}

func (s *Server) getForm() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := s.deps.Processor.Form(c.Request.Context(), c.Param("domain"), c.Param("id"))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, newFormView(f))
	}
}

func (s *Server) getAttachment() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		f, err := s.deps.Processor.Form(ctx, c.Param("domain"), c.Param("id"))
		if err != nil {
			s.respondError(c, err)
			return
		}
		ref, ok := f.Attachments[c.Param("name")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
			return
		}
		data, err := s.deps.Processor.Attachment(ctx, f.FormID, ref.Name)
		if err != nil {
			s.respondError(c, err)
			return
		}
		contentType := ref.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Data(http.StatusOK, contentType, data)
	}
}

func (s *Server) getCase() gin.HandlerFunc {
	return func(c *gin.Context) {
		cs, err := s.deps.Processor.Case(c.Request.Context(), c.Param("domain"), c.Param("id"))
		if err == nil && cs.Deleted {
			err = repo.ErrCaseNotFound
		}
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, caseapi.NewView(cs))
	}
}

func (s *Server) transition(archive bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		op := s.deps.Processor.Unarchive
		if archive {
			op = s.deps.Processor.Archive
		}
		f, err := op(c.Request.Context(), c.Param("domain"), c.Param("id"), c.GetHeader(UserHeader))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, newFormView(f))
	}
}

// respondError maps lookup and processing errors to a status.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repo.ErrFormNotFound), errors.Is(err, repo.ErrCaseNotFound), errors.Is(err, attachments.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, processor.ErrInvalidState):
		status = http.StatusConflict
	case processor.IsLocked(err):
		status = http.StatusLocked
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", c.FullPath(), "domain", c.Param("domain"), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": string(processor.CodeOf(err))})
}
