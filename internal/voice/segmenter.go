package voice

import "strings"

// replySegmenter cuts a streaming reply into speakable chunks at clause
// boundaries. The first chunk is allowed to be very short so synthesis
// starts while the model is still generating the rest of the reply.
type replySegmenter struct {
	buffer          string
	emittedAnyChunk bool
}

const (
	segmentFirstChunkMin = 4
	segmentNextChunkMin  = 18
	segmentCutWindow     = 48
)

func newReplySegmenter() *replySegmenter {
	return &replySegmenter{}
}

func (s *replySegmenter) Push(delta string) []string {
	if strings.TrimSpace(delta) == "" {
		return nil
	}
	s.buffer += delta
	return s.flush(false)
}

func (s *replySegmenter) Finalize() []string {
	return s.flush(true)
}

func (s *replySegmenter) flush(force bool) []string {
	var out []string
	for {
		minChars := segmentNextChunkMin
		if !s.emittedAnyChunk {
			minChars = segmentFirstChunkMin
		}
		segment, rest, ok := nextReplySegment(s.buffer, minChars, force)
		if !ok {
			break
		}
		s.buffer = rest
		segment = normalizeSegment(segment)
		if segment == "" {
			continue
		}
		s.emittedAnyChunk = true
		out = append(out, segment)
	}
	return out
}

func nextReplySegment(input string, minChars int, force bool) (segment, rest string, ok bool) {
	if input == "" {
		return "", "", false
	}
	if len(input) < minChars {
		if force {
			return input, "", true
		}
		return "", input, false
	}

	if idx := sentenceBoundary(input, minChars); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}
	if idx := clauseBoundary(input, minChars); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}
	if force {
		return input, "", true
	}

	cut := wordBoundary(input, minChars, segmentCutWindow)
	if cut <= 0 {
		return "", input, false
	}
	return input[:cut], input[cut:], true
}

func sentenceBoundary(input string, minChars int) int {
	for i := minChars - 1; i < len(input); i++ {
		switch input[i] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	return -1
}

func clauseBoundary(input string, minChars int) int {
	for i := minChars - 1; i < len(input); i++ {
		switch input[i] {
		case ',', ';', ':':
			return i
		}
	}
	return -1
}

// wordBoundary finds a whitespace cut inside the window past minChars, so a
// long unpunctuated run still gets chunked without splitting a word.
func wordBoundary(input string, minChars, window int) int {
	if len(input) <= minChars+window {
		return 0
	}
	limit := minChars + window
	for i := minChars; i < limit; i++ {
		switch input[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	return 0
}

func normalizeSegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return strings.Join(strings.Fields(raw), " ")
}
