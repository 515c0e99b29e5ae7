package transport

import (
	"context"
	"sync/atomic"
)

// RequestTranslation asks for an on-demand translation of tutor text. The
// request is layered beside the framing protocol, not on it: it goes to the
// translation service, and only the newest outstanding request may touch
// visible state. Repeated requests for identical text are served from the
// session-local memo. Failures fall back to showing the original text.
func (s *Session) RequestTranslation(ctx context.Context, text string) {
	if text == "" {
		return
	}
	reqID := atomic.AddUint64(&s.translationSeq, 1)

	s.mu.Lock()
	cached, hit := s.translationCache[text]
	tornDown := s.tornDown
	s.mu.Unlock()
	if tornDown {
		return
	}
	if hit {
		s.deliverTranslation(reqID, text, cached)
		return
	}
	if s.translator == nil {
		s.deliverTranslation(reqID, text, text)
		return
	}

	go func() {
		translated, err := s.translator.Translate(ctx, text, s.opts.TargetLanguage)
		if err != nil || translated == "" {
			if err != nil {
				s.log.Warn().Err(err).Msg("translation failed, showing original text")
			}
			s.deliverTranslation(reqID, text, text)
			return
		}
		s.mu.Lock()
		s.translationCache[text] = translated
		s.mu.Unlock()
		s.deliverTranslation(reqID, text, translated)
	}()
}

// deliverTranslation applies a response only if no newer request has
// superseded it and the session is still alive.
func (s *Session) deliverTranslation(reqID uint64, original, translated string) {
	if atomic.LoadUint64(&s.translationSeq) != reqID {
		return
	}
	s.mu.Lock()
	tornDown := s.tornDown
	s.mu.Unlock()
	if tornDown {
		return
	}
	if s.events.OnTranslation != nil {
		s.events.OnTranslation(original, translated)
	}
}
