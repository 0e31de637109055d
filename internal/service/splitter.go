package service

import "strings"

const (
	metaOpen  = "<dm-meta>"
	metaClose = "</dm-meta>"
)

// metaSplitter separates streamed narration from the trailing structured
// metadata block. Narration is released as it arrives; the metadata block is
// withheld even when its opening tag is split across stream fragments.
type metaSplitter struct {
	pending   string
	narration strings.Builder
	meta      strings.Builder
	inMeta    bool
}

func newMetaSplitter() *metaSplitter {
	return &metaSplitter{}
}

// Feed consumes one stream fragment and returns the narration text that is
// safe to forward immediately. Text that could be the start of the metadata
// tag is held back until disambiguated.
func (s *metaSplitter) Feed(delta string) string {
	if s.inMeta {
		s.meta.WriteString(delta)
		return ""
	}

	s.pending += delta
	if i := strings.Index(s.pending, metaOpen); i >= 0 {
		visible := s.pending[:i]
		s.meta.WriteString(s.pending[i+len(metaOpen):])
		s.pending = ""
		s.inMeta = true
		s.narration.WriteString(visible)
		return visible
	}

	hold := tagPrefixLen(s.pending)
	visible := s.pending[:len(s.pending)-hold]
	s.pending = s.pending[len(s.pending)-hold:]
	s.narration.WriteString(visible)
	return visible
}

// Finish flushes any held-back narration and returns it together with the
// raw metadata JSON (empty when the model emitted no metadata block).
func (s *metaSplitter) Finish() (tail string, rawMeta string) {
	if s.inMeta {
		rawMeta = s.meta.String()
		if i := strings.Index(rawMeta, metaClose); i >= 0 {
			rawMeta = rawMeta[:i]
		}
		return "", strings.TrimSpace(rawMeta)
	}

	tail = s.pending
	s.pending = ""
	s.narration.WriteString(tail)
	return tail, ""
}

// Narration returns all narration text released so far.
func (s *metaSplitter) Narration() string {
	return s.narration.String()
}

// tagPrefixLen returns the length of the longest suffix of text that is a
// proper prefix of the metadata opening tag.
func tagPrefixLen(text string) int {
	max := len(metaOpen) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, metaOpen[:n]) {
			return n
		}
	}
	return 0
}
