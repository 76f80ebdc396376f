package stt

import (
	"encoding/json"
	"fmt"
)

// verboseWord covers both the OpenAI ("word") and Lemonfox ("text") spelling.
type verboseWord struct {
	Word  string   `json:"word"`
	Text  string   `json:"text"`
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
}

type verboseSegment struct {
	Start *float64      `json:"start"`
	End   *float64      `json:"end"`
	Text  string        `json:"text"`
	Words []verboseWord `json:"words"`
}

type verboseResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
	Words    []verboseWord    `json:"words"`
}

// DecodeVerboseJSON decodes a verbose_json transcription body as produced by
// OpenAI-compatible endpoints and the whisper.cpp server. OpenAI reports
// words at the top level while Lemonfox and whisper.cpp nest them per
// segment; both are normalised to words inside segments.
func DecodeVerboseJSON(raw []byte) (*Response, error) {
	var v verboseResponse
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("stt: decode verbose_json: %w", err)
	}

	out := &Response{Text: v.Text, Language: v.Language, Duration: v.Duration}
	nested := false
	for _, s := range v.Segments {
		seg := Segment{Start: deref(s.Start, 0), Text: s.Text}
		seg.End = deref(s.End, seg.Start)
		for _, w := range s.Words {
			seg.Words = append(seg.Words, convertWord(w))
		}
		nested = nested || len(seg.Words) > 0
		out.Segments = append(out.Segments, seg)
	}

	if nested || len(v.Words) == 0 {
		return out, nil
	}
	if len(out.Segments) == 0 {
		first, last := v.Words[0], v.Words[len(v.Words)-1]
		out.Segments = []Segment{{
			Start: deref(first.Start, 0),
			End:   deref(last.End, v.Duration),
			Text:  v.Text,
		}}
	}
	for _, w := range v.Words {
		word := convertWord(w)
		i := segmentFor(out.Segments, word.Start)
		out.Segments[i].Words = append(out.Segments[i].Words, word)
	}
	return out, nil
}

// segmentFor returns the index of the last segment starting at or before t,
// or 0 when t precedes every segment.
func segmentFor(segs []Segment, t float64) int {
	idx := 0
	for i, s := range segs {
		if s.Start <= t+1e-6 {
			idx = i
		}
	}
	return idx
}

func convertWord(w verboseWord) Word {
	text := w.Word
	if text == "" {
		text = w.Text
	}
	out := Word{Text: text}
	if w.Start != nil && w.End != nil {
		out.Start, out.End, out.HasTiming = *w.Start, *w.End, true
	}
	return out
}

func deref(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}
