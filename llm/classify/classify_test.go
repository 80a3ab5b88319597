package classify

import "testing"

// 验证状态码到 retryable/penalize/category 三元组的映射(spec §4.7)。
func TestClassify(t *testing.T) {
	cases := []struct {
		name              string
		status            int
		body              string
		providerRetryable map[int]bool
		wantRetryable     bool
		wantPenalize      bool
		wantCategory      Category
	}{
		{
			name:          "transport error has no status",
			status:        0,
			wantRetryable: true,
			wantPenalize:  true,
			wantCategory:  CategoryTransportError,
		},
		{
			name:          "default retryable 429",
			status:        429,
			wantRetryable: true,
			wantPenalize:  true,
			wantCategory:  CategoryRetryableStatus,
		},
		{
			name:          "default retryable 5xx",
			status:        503,
			wantRetryable: true,
			wantPenalize:  true,
			wantCategory:  CategoryRetryableStatus,
		},
		{
			name:              "provider override marks 400 retryable",
			status:            400,
			providerRetryable: map[int]bool{400: true},
			wantRetryable:     true,
			wantPenalize:      true,
			wantCategory:      CategoryRetryableStatus,
		},
		{
			name:          "capability mismatch on tool support",
			status:        400,
			body:          "This model does not support tools in this request",
			wantRetryable: true,
			wantPenalize:  false,
			wantCategory:  CategoryCapabilityMismatch,
		},
		{
			name:          "capability mismatch on vision",
			status:        422,
			body:          "vision input is not enabled for this model",
			wantRetryable: true,
			wantPenalize:  false,
			wantCategory:  CategoryCapabilityMismatch,
		},
		{
			name:          "plain 400 without capability hint is fatal",
			status:        400,
			body:          "missing required field: messages",
			wantRetryable: false,
			wantPenalize:  true,
			wantCategory:  CategoryFatal,
		},
		{
			name:          "401 is fatal",
			status:        401,
			body:          "invalid API key",
			wantRetryable: false,
			wantPenalize:  true,
			wantCategory:  CategoryFatal,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.status, tc.body, tc.providerRetryable)
			if got.Retryable != tc.wantRetryable || got.Penalize != tc.wantPenalize || got.Category != tc.wantCategory {
				t.Fatalf("Classify(%d, %q) = %+v, want retryable=%v penalize=%v category=%v",
					tc.status, tc.body, got, tc.wantRetryable, tc.wantPenalize, tc.wantCategory)
			}
		})
	}
}

func TestIsClaudeFallbackCandidate(t *testing.T) {
	if !IsClaudeFallbackCandidate(404, "/v1/messages", "invalid url") {
		t.Fatal("expected fallback candidate for 404 on /v1/messages with invalid url body")
	}
	if IsClaudeFallbackCandidate(404, "/v1/chat/completions", "invalid url") {
		t.Fatal("fallback must only trigger on the Claude messages path")
	}
	if IsClaudeFallbackCandidate(500, "/v1/messages", "invalid url") {
		t.Fatal("fallback must only trigger on 404/405")
	}
}
