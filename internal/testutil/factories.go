// Package testutil provides shared test doubles and fixtures.
package testutil

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"learnora/internal/models"
)

// BackendTimeLayout is the zone-less timestamp format the backend emits.
const BackendTimeLayout = "2006-01-02T15:04:05"

// NewPostPayload builds a realistic backend post. Overrides run last.
func NewPostPayload(overrides ...func(*models.PostPayload)) models.PostPayload {
	first, last := gofakeit.FirstName(), gofakeit.LastName()
	created := gofakeit.DateRange(time.Now().AddDate(0, -3, 0), time.Now()).UTC()
	p := models.PostPayload{
		ID:            gofakeit.UUID(),
		UserID:        gofakeit.UUID(),
		UserName:      first + " " + last,
		UserFirstName: first,
		UserLastName:  last,
		Content:       gofakeit.Sentence(12),
		CreatedAt:     created.Format(BackendTimeLayout),
		Likes:         gofakeit.Number(0, 50),
	}
	for _, override := range overrides {
		override(&p)
	}
	return p
}

// NewPost builds a domain post. Overrides run last.
func NewPost(overrides ...func(*models.Post)) models.Post {
	p := NewPostPayload().ToPost()
	for _, override := range overrides {
		override(&p)
	}
	return p
}

// PostAt returns a post with a fixed id, creation offset and like count, handy for
// ordering assertions.
func PostAt(id string, base time.Time, offset time.Duration, likes int) models.Post {
	return NewPost(func(p *models.Post) {
		p.ID = id
		p.CreatedAt = base.Add(offset)
		p.Reactions.Count = likes
	})
}

// NewSession builds a non-admin session.
func NewSession(overrides ...func(*models.Session)) *models.Session {
	s := &models.Session{
		UserID:    gofakeit.UUID(),
		Username:  gofakeit.Username(),
		FirstName: gofakeit.FirstName(),
		LastName:  gofakeit.LastName(),
		Email:     gofakeit.Email(),
		Role:      "ROLE_USER",
		Token:     gofakeit.LetterN(32),
	}
	for _, override := range overrides {
		override(s)
	}
	return s
}

// NewImage builds a small image attachment.
func NewImage(name string) models.Attachment {
	return models.Attachment{
		Filename:    name,
		ContentType: "image/png",
		Data:        []byte(fmt.Sprintf("\x89PNG\r\n\x1a\n%s", gofakeit.LetterN(16))),
	}
}
