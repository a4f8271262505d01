package embedding

import (
	"reflect"
	"testing"
)

func TestSimpleTokenizer_Tokenize(t *testing.T) {
	tok := &SimpleTokenizer{}
	ids, attn, types := tok.Tokenize("Stainless steel bottle", 10)
	if len(ids) != 10 || len(attn) != 10 || len(types) != 10 {
		t.Fatalf("lengths: %d %d %d", len(ids), len(attn), len(types))
	}
	if ids[0] != 101 {
		t.Errorf("expected CLS 101, got %d", ids[0])
	}
	if ids[4] != 102 {
		t.Errorf("expected SEP at 4, got %d", ids[4])
	}
	if attn[4] != 1 || attn[5] != 0 {
		t.Errorf("attention mask = %v", attn)
	}
}

func TestSimpleTokenizer_Truncates(t *testing.T) {
	tok := &SimpleTokenizer{}
	ids, attn, _ := tok.Tokenize("a b c d e f g h i j k l", 5)
	if ids[4] != 102 {
		t.Errorf("expected SEP in last position, got %v", ids)
	}
	for i, a := range attn {
		if a != 1 {
			t.Errorf("attn[%d]=%d", i, a)
		}
	}
}

func TestSplitWords(t *testing.T) {
	words := SplitWords("  a  b \t c\n ")
	if len(words) != 3 {
		t.Errorf("expected 3 words, got %v", words)
	}
	if SplitWords("") != nil {
		t.Error("empty string should return nil")
	}
}

func TestTerms(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Product: Widget-Pro 2000", []string{"product", "widget", "pro", "2000"}},
		{"  ", nil},
		{"₹1,299", []string{"1", "299"}},
	}
	for _, tt := range tests {
		if got := Terms(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Terms(%q)=%v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHashString(t *testing.T) {
	if HashString("abc") == HashString("abd") {
		t.Error("different strings should usually hash differently")
	}
	if HashString("abc") != HashString("abc") {
		t.Error("hash should be deterministic")
	}
	if HashString("a very long string that would overflow a naive polynomial hash") < 0 {
		t.Error("hash must be non-negative")
	}
}
