package genai

import (
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func TestProviderClientCarriesTimeout(t *testing.T) {
	c := httpClientFor(Config{Timeout: 5 * time.Second})
	if c.Timeout != 5*time.Second {
		t.Fatalf("timeout = %v, want 5s", c.Timeout)
	}
	c = httpClientFor(Config{})
	if c.Timeout != defaultRequestTimeout {
		t.Fatalf("unset config timeout = %v, want default %v", c.Timeout, defaultRequestTimeout)
	}
}

func TestRetryableProviderError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, true},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, false},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, false},
		{"plain error", errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		if got := retryableProviderError(tc.err); got != tc.want {
			t.Fatalf("%s: retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
