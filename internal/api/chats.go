package api

import (
	"errors"
	"net/http"

	"github.com/gitNoodler/wankr-sub000/internal/archive"
	"github.com/gitNoodler/wankr-sub000/internal/chat"
)

// ArchiveResponse reports what the pipeline did with one chat.
type ArchiveResponse struct {
	ID        string `json:"id"`
	Discarded bool   `json:"discarded,omitempty"`
	Archived  bool   `json:"archived,omitempty"`
	Exchanges int    `json:"exchanges"`
}

// AddResponse is returned by POST /v1/users/{user}/chats.
type AddResponse struct {
	Saved    bool             `json:"saved"`
	Overflow *ArchiveResponse `json:"overflow,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	chats := s.store.Load(r.PathValue("user"))
	if chats == nil {
		chats = []chat.Chat{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chats, s.logger)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	c, err := decodeChat(w, r, "")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	overflow, err := s.store.Add(user, c)
	if err != nil {
		s.logger.Error("add chat failed", "user", user, "chat", c.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to save chat")
		return
	}

	resp := AddResponse{Saved: true}
	if overflow != nil {
		res, err := s.archiveOverflow(r, user, overflow)
		if err != nil {
			s.overflowFailed(w, user, overflow, err)
			return
		}
		resp.Overflow = archiveResponse(overflow.ID, res)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// archiveOverflow routes a chat evicted by the active cap into the
// pipeline.
func (s *Server) archiveOverflow(r *http.Request, user string, overflow *chat.Chat) (*archive.Result, error) {
	s.logger.Info("active set full, archiving overflow", "user", user, "chat", overflow.ID)
	return s.archiver.Process(r.Context(), *overflow, false, user, s.credential(r))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	c, err := decodeChat(w, r, r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := s.store.Update(user, c)
	if err != nil {
		s.logger.Error("update chat failed", "user", user, "chat", c.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to update chat")
		return
	}
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "chat not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"updated": true}, s.logger)
}

// handleArchive keeps the chat recallable in the active set and sends
// it through the pipeline.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	c, err := decodeChat(w, r, r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	overflow, err := s.store.Add(user, c)
	if err != nil {
		s.logger.Error("add chat failed", "user", user, "chat", c.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to save chat")
		return
	}
	// The chat itself is archived below; only a different overflow
	// needs its own pass.
	if overflow != nil && overflow.ID != c.ID {
		if _, err := s.archiveOverflow(r, user, overflow); err != nil {
			s.overflowFailed(w, user, overflow, err)
			return
		}
	}

	// Archive what the store holds: an upsert keeps the original
	// CreatedAt, and a new chat without one is stamped by Add.
	stored := &c
	if overflow != nil && overflow.ID == c.ID {
		stored = overflow
	} else if got := s.store.Get(user, c.ID); got != nil {
		stored = got
	}
	s.process(w, r, user, *stored, false)
}

// handleDelete removes the chat from the active set and archives the
// removed copy as a deletion.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	user, id := r.PathValue("user"), r.PathValue("id")

	removed, err := s.store.Remove(user, id)
	if err != nil {
		s.logger.Error("remove chat failed", "user", user, "chat", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to remove chat")
		return
	}
	if removed == nil {
		s.errorResponse(w, http.StatusNotFound, "chat not found")
		return
	}
	s.process(w, r, user, *removed, true)
}

func (s *Server) process(w http.ResponseWriter, r *http.Request, user string, c chat.Chat, isDelete bool) {
	res, err := s.archiver.Process(r.Context(), c, isDelete, user, s.credential(r))
	if err != nil {
		s.processFailed(w, user, c.ID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, archiveResponse(c.ID, res), s.logger)
}

func (s *Server) processFailed(w http.ResponseWriter, user, id string, err error) {
	s.logger.Error("archive failed", "user", user, "chat", id, "error", err)
	msg := "failed to save chat"
	if errors.Is(err, archive.ErrPermanentWrite) {
		msg = "failed to archive chat"
	}
	s.errorResponse(w, http.StatusInternalServerError, msg)
}

// overflowFailed reports a failure to archive a chat evicted by the
// active cap. The request's own chat is already saved; the evicted one
// is out of the active set and, on a permanent-write failure, stored
// nowhere.
func (s *Server) overflowFailed(w http.ResponseWriter, user string, overflow *chat.Chat, err error) {
	if errors.Is(err, archive.ErrPermanentWrite) {
		s.logger.Error("evicted chat lost: archive failed after removal from active set",
			"user", user, "chat", overflow.ID, "name", overflow.Name,
			"messages", len(overflow.Messages), "error", err)
	} else {
		s.logger.Error("archive of evicted chat failed", "user", user, "chat", overflow.ID, "error", err)
	}
	s.errorResponse(w, http.StatusInternalServerError, "chat saved, but archiving evicted chat "+overflow.ID+" failed")
}

func archiveResponse(id string, res *archive.Result) *ArchiveResponse {
	return &ArchiveResponse{
		ID:        id,
		Discarded: res.Discarded,
		Archived:  !res.Discarded,
		Exchanges: res.Exchanges,
	}
}
