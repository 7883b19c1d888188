package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/aeolun/musserver/pkg/registry"
)

// announceSender is the sender name on operator notices
const announceSender = "@Server"

const maxAnnounceBody = 64 << 10

// Announce sends subject and content to every user of movie as an
// @AllUsers broadcast. An empty movie announces to every live movie.
// It returns the number of sessions reached.
func (s *Server) Announce(movie, subject string, content []byte) (int, error) {
	var movies []string
	if movie == "" {
		for _, m := range s.registry.Movies() {
			movies = append(movies, m.Name)
		}
	} else {
		movies = []string{movie}
	}

	total := 0
	for _, name := range movies {
		n, err := s.BroadcastToMovie(name, protocol.TypeGroupBroadcast, &protocol.GroupBroadcastMessage{
			Group:   registry.AllUsersGroup,
			Sender:  announceSender,
			Subject: subject,
			Content: content,
		})
		if err != nil {
			// A movie that emptied since the listing is not an error
			if movie == "" && errors.Is(err, registry.ErrNotFound) {
				continue
			}
			return total, err
		}
		s.audit.record("announce", nil, name, "", subject)
		total += n
	}
	return total, nil
}

// AnnounceHandler serves POST /announce?movie=...&subject=... on the
// internal port. The request body is the notice content.
func (s *Server) AnnounceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAnnounceBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	query := r.URL.Query()
	n, err := s.Announce(query.Get("movie"), query.Get("subject"), body)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	log.Printf("Announced %q to %d sessions", query.Get("subject"), n)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"delivered": n})
}

// KickHandler serves POST /kick?movie=...&user=...&reason=... on the
// internal port
func (s *Server) KickHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if err := s.Kick(query.Get("movie"), query.Get("user"), query.Get("reason")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
