package models

import "strings"

// Attachment is a media file sent with a create or update request.
type Attachment struct {
	Filename    string `validate:"required"`
	ContentType string `validate:"omitempty"`
	Data        []byte `validate:"min=1"`
}

// Submission is the user input of a create or update.
type Submission struct {
	Content string
	Images  []Attachment `validate:"dive"`
	Video   *Attachment  `validate:"omitempty"`
}

// Empty reports a submission with blank content and no media.
func (s Submission) Empty() bool {
	return strings.TrimSpace(s.Content) == "" && len(s.Images) == 0 && s.Video == nil
}
