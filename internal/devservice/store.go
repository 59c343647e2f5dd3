package devservice

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// AudioStore keeps generated replies in memory and serves them under
// /audio/<id>.wav. The oldest entries are evicted past the limit.
type AudioStore struct {
	mu    sync.Mutex
	clips map[string][]byte
	order []string
	limit int
}

// NewAudioStore keeps at most limit clips
func NewAudioStore(limit int) *AudioStore {
	if limit <= 0 {
		limit = 64
	}
	return &AudioStore{clips: make(map[string][]byte), limit: limit}
}

// Put stores a WAV clip and returns its path
func (s *AudioStore) Put(wav []byte) string {
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clips[id] = wav
	s.order = append(s.order, id)
	for len(s.order) > s.limit {
		delete(s.clips, s.order[0])
		s.order = s.order[1:]
	}
	return "/audio/" + id + ".wav"
}

// Len returns the number of stored clips
func (s *AudioStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clips)
}

func (s *AudioStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/audio/"), ".wav")

	s.mu.Lock()
	wav, ok := s.clips[id]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(wav)
}
