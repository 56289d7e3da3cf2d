package cachepath

import "testing"

func TestMatch(t *testing.T) {
	tcs := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"a*b", "aXXXb", true},
		{"a*b", "ab", true},
		{"a*b", "a", false},
		{"user:?", "user:1", true},
		{"user:?", "user:12", false},
		{"[abc]", "b", true},
		{"[abc]", "d", false},
		{"[^abc]", "d", true},
		{"[a-z]*", "hello", true},
		{"[a-z]*", "Hello", false},
		{"exact", "exact", true},
		{"exact", "exacty", false},
	}
	for _, tc := range tcs {
		t.Run(tc.pattern+"/"+tc.key, func(t *testing.T) {
			if got := Match([]byte(tc.pattern), []byte(tc.key)); got != tc.want {
				t.Fatalf("Match(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
			}
		})
	}
}
