package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"learnora/internal/media"
	"learnora/internal/models"
	"learnora/internal/observability"
	"learnora/internal/scheduler"
)

// FeedItem is one post of the derived feed with its resolved media.
type FeedItem struct {
	models.Post
	Media     media.PostMedia `json:"media"`
	State     scheduler.State `json:"poll_state,omitempty"`
	CanEdit   bool            `json:"can_edit"`
	CanDelete bool            `json:"can_delete"`
	CanReport bool            `json:"can_report"`
}

// FeedResponse is the body of GET /feed.
type FeedResponse struct {
	Filter   models.FeedFilterState `json:"filter"`
	Revision uint64                 `json:"revision"`
	Posts    []FeedItem             `json:"posts"`
}

// Health handles GET /health
func (s *Server) Health(c *fiber.Ctx) error {
	userID := ""
	if sess := s.service.Session(); sess != nil {
		userID = sess.UserID
	}
	return c.JSON(fiber.Map{
		"status":  "ok",
		"posts":   s.service.Store().Len(),
		"watched": len(s.scheduler.Watched()),
		"handles": s.resolver.Handles().Len(),
		"flags":   s.flags.Snapshot(userID),
	})
}

// GetFeed handles GET /feed?q=&sort=
// Query parameters update the view's filter state; omitted ones keep the current value.
func (s *Server) GetFeed(c *fiber.Ctx) error {
	state := s.view.State()
	changed := false
	if q, ok := queryValue(c, "q"); ok {
		state.SearchQuery = q
		changed = true
	}
	if sort, ok := queryValue(c, "sort"); ok {
		state.Sort = models.ParseSortOption(sort)
		changed = true
	}
	if changed {
		s.view.SetState(state)
	}

	posts := s.view.Posts()
	items := make([]FeedItem, 0, len(posts))
	for _, p := range posts {
		pm := s.resolver.ResolvePost(c.UserContext(), p)
		pm.Video = blobPath(pm.Video)
		for i, img := range pm.Images {
			pm.Images[i] = blobPath(img)
		}
		st, _ := s.scheduler.State(p.ID)
		items = append(items, FeedItem{
			Post:      p,
			Media:     pm,
			State:     st,
			CanEdit:   s.service.CanEdit(p),
			CanDelete: s.service.CanDelete(p),
			CanReport: s.service.CanReport(p),
		})
	}

	return c.JSON(FeedResponse{Filter: s.view.State(), Revision: s.view.Revision(), Posts: items})
}

// CreatePost handles POST /posts
func (s *Server) CreatePost(c *fiber.Ctx) error {
	sub, err := parseSubmission(c)
	if err != nil {
		return respondWithError(c, err)
	}
	post, err := s.service.Create(c.UserContext(), sub)
	if err != nil {
		return respondWithError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

// UpdatePost handles PUT /posts/:id
func (s *Server) UpdatePost(c *fiber.Ctx) error {
	ctx := observability.WithPostID(c.UserContext(), c.Params("id"))
	sub, err := parseSubmission(c)
	if err != nil {
		return respondWithError(c, err)
	}
	post, err := s.service.Update(ctx, c.Params("id"), sub)
	if err != nil {
		return respondWithError(c, err)
	}
	return c.JSON(post)
}

// DeletePost handles DELETE /posts/:id
func (s *Server) DeletePost(c *fiber.Ctx) error {
	ctx := observability.WithPostID(c.UserContext(), c.Params("id"))
	if err := s.service.Delete(ctx, c.Params("id")); err != nil {
		return respondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ReactionChanged handles POST /posts/:id/reactions
func (s *Server) ReactionChanged(c *fiber.Ctx) error {
	ctx := observability.WithPostID(c.UserContext(), c.Params("id"))
	if err := s.service.ReactionChanged(ctx, c.Params("id")); err != nil {
		return respondWithError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// OpenComments handles POST /posts/:id/comments/open
func (s *Server) OpenComments(c *fiber.Ctx) error {
	return s.setCommentsOpen(c, true)
}

// CloseComments handles POST /posts/:id/comments/close
func (s *Server) CloseComments(c *fiber.Ctx) error {
	return s.setCommentsOpen(c, false)
}

func (s *Server) setCommentsOpen(c *fiber.Ctx, open bool) error {
	id := c.Params("id")
	if _, ok := s.service.Store().Get(id); !ok {
		return respondWithError(c, models.NewNotFoundError("Post", id))
	}
	if open {
		s.scheduler.OpenComments(id)
	} else {
		s.scheduler.CloseComments(id)
	}
	st, _ := s.scheduler.State(id)
	return c.JSON(fiber.Map{"id": id, "poll_state": st})
}

// Refresh handles POST /refresh
func (s *Server) Refresh(c *fiber.Ctx) error {
	if err := s.service.Refresh(c.UserContext()); err != nil {
		return respondWithError(c, err)
	}
	return c.JSON(fiber.Map{"posts": s.service.Store().Len(), "revision": s.service.Store().Revision()})
}

// GetBlob handles GET /blobs/:handle
func (s *Server) GetBlob(c *fiber.Ctx) error {
	handle := c.Params("handle")
	data, contentType, err := s.resolver.Handles().Open(handle)
	switch {
	case errors.Is(err, media.ErrHandleRevoked):
		return models.RespondWithError(c, fiber.StatusGone, err)
	case err != nil:
		return models.RespondWithError(c, fiber.StatusNotFound, err)
	}
	if contentType != "" {
		c.Set(fiber.HeaderContentType, contentType)
	}
	return c.Send(data)
}

func queryValue(c *fiber.Ctx, key string) (string, bool) {
	if !c.Context().QueryArgs().Has(key) {
		return "", false
	}
	return c.Query(key), true
}

func blobPath(ref string) string {
	if media.IsHandle(ref) {
		return "/blobs/" + ref
	}
	return ref
}
