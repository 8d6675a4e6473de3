package segment

import (
	"strings"
	"testing"
)

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		name     string
		markdown string
		want     string
	}{
		{"bold", "**伤害**：190", "伤害：190"},
		{"list item", "- **伤害**：190", "伤害：190"},
		{"heading", "## 技能介绍", "技能介绍"},
		{"italic and code", "use *this* and `that`", "use this and that"},
		{"link keeps text", "see [the docs](https://example.com) now", "see the docs now"},
		{"image dropped", "![logo](a.png) 你好", "你好"},
		{"code block dropped", "before\n\n```\ncode here\n```\n\nafter", "before after"},
		{"blockquote", "> 引用的话", "引用的话"},
		{"plain", "只是普通的一句话。", "只是普通的一句话。"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripMarkdown(tt.markdown); got != tt.want {
				t.Errorf("StripMarkdown(%q) = %q, want %q", tt.markdown, got, tt.want)
			}
		})
	}
}

func texts(sentences []Sentence) []string {
	out := make([]string, len(sentences))
	for i, s := range sentences {
		out[i] = s.Text
	}
	return out
}

func TestSegmenter_StreamedChunks(t *testing.T) {
	s := New(0)

	var got []Sentence
	for _, chunk := range []string{"你好", "！今天", "天气不错。我们", "去公园吧", "？"} {
		got = append(got, s.Push(chunk)...)
	}
	got = append(got, s.Flush()...)

	want := []string{"你好！", "今天天气不错。", "我们去公园吧？"}
	if strings.Join(texts(got), "|") != strings.Join(want, "|") {
		t.Fatalf("Expected %v, got %v", want, texts(got))
	}
	if !got[0].IsFirst || got[1].IsFirst || got[2].IsFirst {
		t.Errorf("Only the first sentence should be flagged: %+v", got)
	}
}

func TestSegmenter_Boundaries(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"latin period needs space", "Version 1.5 is out. Try it", []string{"Version 1.5 is out.", "Try it"}},
		{"semicolons", "第一；第二;third", []string{"第一；", "第二;", "third"}},
		{"newline", "line one\nline two", []string{"line one", "line two"}},
		{"ordered list marker", "1. 第一步\n2. 第二步", []string{"第一步", "第二步"}},
		{"markdown stripped", "- **伤害**：190\n- **射程**：5", []string{"伤害：190", "射程：5"}},
		{"fenced code skipped", "看代码：\n```go\nfmt.Println(\"hi\")\n```\n好了。", []string{"看代码：", "好了。"}},
		{"blank lines skipped", "\n\n  \n你好", []string{"你好"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, DefaultMaxRunes)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Split(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestSegmenter_TrailingPeriodWaits(t *testing.T) {
	s := New(0)
	if got := s.Push("Wait for it."); len(got) != 0 {
		t.Fatalf("Expected the period to wait for the next rune, got %v", texts(got))
	}
	got := s.Push(" Next")
	if len(got) != 1 || got[0].Text != "Wait for it." {
		t.Errorf("Unexpected %v", texts(got))
	}
}

func TestSegmenter_Reset(t *testing.T) {
	s := New(0)
	s.Push("第一句。")
	s.Push("未完成")
	s.Reset()

	got := s.Push("新的一轮。")
	if len(got) != 1 || got[0].Text != "新的一轮。" || !got[0].IsFirst {
		t.Errorf("Expected a fresh first sentence, got %+v", got)
	}
}

func TestSplitLong(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"short", "短句", 10, []string{"短句"}},
		{"at commas", "一二三，四五六，七八九", 8, []string{"一二三，四五六，", "七八九"}},
		{"hard cut", "一二三四五六七八九十", 4, []string{"一二三四", "五六七八", "九十"}},
		{"mixed", "ab,cdefghij", 4, []string{"ab,", "cdef", "ghij"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitLong(tt.text, tt.max)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("SplitLong(%q, %d) = %q, want %q", tt.text, tt.max, got, tt.want)
			}
			for _, part := range got {
				if n := len([]rune(part)); n > tt.max {
					t.Errorf("part %q has %d runes, over %d", part, n, tt.max)
				}
			}
		})
	}
}

func TestSegmenter_LongSentence(t *testing.T) {
	long := strings.Repeat("字", 1200) + "。"
	got := Split(long, DefaultMaxRunes)
	if len(got) != 3 {
		t.Fatalf("Expected 3 parts, got %d", len(got))
	}
	for _, part := range got {
		if n := len([]rune(part)); n > DefaultMaxRunes {
			t.Errorf("part has %d runes", n)
		}
	}
}
