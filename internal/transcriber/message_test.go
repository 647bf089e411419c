package transcriber

import (
	"reflect"
	"testing"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		translating bool
		want        string
		ok          bool
	}{
		{"final transcript", `{"type":"transcript","data":{"is_final":true,"utterance":{"text":" Salut "}}}`, false, "Salut", true},
		{"partial transcript", `{"type":"transcript","data":{"is_final":false,"utterance":{"text":"Sal"}}}`, false, "", false},
		{"final transcript while translating", `{"type":"transcript","data":{"is_final":true,"utterance":{"text":"Salut"}}}`, true, "", false},
		{"translation", `{"type":"translation","data":{"translated_utterance":{"text":"Hi "}}}`, true, "Hi", true},
		{"translation without flag", `{"type":"translation","data":{"translated_utterance":{"text":"Hi"}}}`, false, "Hi", true},
		{"empty utterance", `{"type":"transcript","data":{"is_final":true,"utterance":{"text":""}}}`, false, "", false},
		{"no data", `{"type":"transcript"}`, false, "", false},
		{"other type", `{"type":"audio_chunk","data":{"is_final":true}}`, false, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := ParseMessage([]byte(tt.raw))
			if !ok {
				t.Fatalf("ParseMessage(%s) failed", tt.raw)
			}
			got, ok := ExtractText(msg, tt.translating)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ExtractText = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseMessageRejects(t *testing.T) {
	for _, raw := range []string{``, `garbage`, `[]`, `{"data":{}}`, `"transcript"`} {
		if _, ok := ParseMessage([]byte(raw)); ok {
			t.Errorf("ParseMessage(%q) accepted", raw)
		}
	}
}

func TestParseVocabulary(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"one", []string{"one"}},
		{"a,b;c", []string{"a", "b", "c"}},
		{" a ,, ; b ;", []string{"a", "b"}},
		{"New York; San Francisco", []string{"New York", "San Francisco"}},
	}
	for _, tt := range tests {
		if got := ParseVocabulary(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseVocabulary(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
