package assembler

import (
	"strings"
	"testing"
)

func TestModelEstimatorCountsTokens(t *testing.T) {
	est, err := ModelEstimator("gpt-4o")
	if err != nil {
		t.Skipf("skip: encoding unavailable: %v", err)
	}
	short, long := est("remind me"), est(strings.Repeat("remind me tomorrow at nine. ", 20))
	if short <= 0 || long <= short {
		t.Fatalf("short=%d long=%d", short, long)
	}
	again, _ := ModelEstimator("gpt-4o")
	if again("remind me") != short {
		t.Fatal("cached encoding counts differently")
	}
}

func TestEstimatorForUnknownModel(t *testing.T) {
	if _, err := ModelEstimator("gemini-2.5-flash"); err == nil {
		t.Fatal("gemini models have no tiktoken encoding")
	}
	est := EstimatorFor("gemini-2.5-flash")
	if est == nil || est("hello") <= 0 {
		t.Fatal("no fallback estimator")
	}
}
