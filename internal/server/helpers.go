package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gofiber/fiber/v2"

	"learnora/internal/models"
)

// statusFor maps an error code onto the HTTP status of the local API.
func statusFor(err error) int {
	switch models.ErrorCode(err) {
	case models.CodeValidation:
		return fiber.StatusBadRequest
	case models.CodeUnauthorized:
		return fiber.StatusForbidden
	case models.CodeNotFound:
		return fiber.StatusNotFound
	case models.CodeStaleReference:
		return fiber.StatusConflict
	case models.CodeNetwork, models.CodeServer, models.CodeMalformedResponse:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func respondWithError(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, statusFor(err), err)
}

// parseSubmission reads content and attachments from a JSON, urlencoded or
// multipart body. Files go in "images" (repeatable) and "video".
func parseSubmission(c *fiber.Ctx) (models.Submission, error) {
	var req struct {
		Content string `json:"content" form:"content"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return models.Submission{}, models.NewValidationError("Invalid request body")
		}
	}
	sub := models.Submission{Content: req.Content}

	if !strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		return sub, nil
	}
	form, err := c.MultipartForm()
	if err != nil {
		return models.Submission{}, models.NewValidationError("Invalid multipart form")
	}
	for _, fh := range form.File["images"] {
		a, err := readAttachment(fh)
		if err != nil {
			return models.Submission{}, err
		}
		sub.Images = append(sub.Images, a)
	}
	if videos := form.File["video"]; len(videos) > 0 {
		a, err := readAttachment(videos[0])
		if err != nil {
			return models.Submission{}, err
		}
		sub.Video = &a
	}
	return sub, nil
}

func readAttachment(fh *multipart.FileHeader) (models.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return models.Attachment{}, models.NewValidationError(fmt.Sprintf("cannot open %s", fh.Filename))
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return models.Attachment{}, models.NewInternalError(errors.Join(fmt.Errorf("read %s", fh.Filename), err))
	}
	return models.Attachment{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}
