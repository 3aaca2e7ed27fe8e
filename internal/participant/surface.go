package participant

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/proximity-chat/internal/call"
)

// LogSurface stands in for a video grid: it logs streams as they come and
// go and remembers which remotes are on screen.
type LogSurface struct {
	mu    sync.Mutex
	seq   uint64
	slots map[string]uint64
}

// NewLogSurface returns a surface with nothing on screen.
func NewLogSurface() *LogSurface {
	return &LogSurface{slots: make(map[string]uint64)}
}

// Attach shows stream for remote. A later Attach for the same remote takes
// the slot over, and the earlier detach then leaves it alone.
func (s *LogSurface) Attach(remote string, stream call.Stream) func() {
	s.mu.Lock()
	s.seq++
	slot := s.seq
	s.slots[remote] = slot
	s.mu.Unlock()
	log.Info().Str("module", "surface").Str("remote", remote).Str("stream", stream.ID()).Msg("stream attached")

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.slots[remote] == slot {
				delete(s.slots, remote)
			}
			s.mu.Unlock()
			log.Info().Str("module", "surface").Str("remote", remote).Msg("stream detached")
		})
	}
}

// Showing lists the remotes whose streams are attached, sorted.
func (s *LogSurface) Showing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.slots))
	for id := range s.slots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
