package util

import "testing"

func TestPionLoggerPrefixesScope(t *testing.T) {
	testCases := []struct {
		scope string
		msg   string
		want  string
	}{
		{"ice", "gathering done", "[pion/ice] gathering done"},
		{"dtls", "", "[pion/dtls] "},
	}

	for _, tc := range testCases {
		t.Run(tc.scope, func(t *testing.T) {
			logger, ok := PionLoggerFactory{}.NewLogger(tc.scope).(*pionLogger)
			if !ok {
				t.Fatal("NewLogger did not return a *pionLogger")
			}
			if got := logger.prefix(tc.msg); got != tc.want {
				t.Errorf("prefix(%q) = %q, want %q", tc.msg, got, tc.want)
			}
		})
	}
}
