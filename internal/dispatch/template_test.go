package dispatch

import "testing"

func TestRenderPromptHappyPath(t *testing.T) {
	out, err := renderPrompt(defaultTemplate, promptData{
		Role:    "backend",
		TaskID:  "T1",
		Title:   "wire up the payments webhook",
		Context: "[billing/webhook-notes] use HMAC verification",
	})
	if err != nil {
		t.Fatalf("renderPrompt: %v", err)
	}
	if out == "" {
		t.Error("expected non-empty rendered prompt")
	}
}

func TestRenderPromptUnknownPlaceholderFailsClosed(t *testing.T) {
	_, err := renderPrompt("hello {{.NotAField}}", promptData{Role: "backend"})
	if err == nil {
		t.Error("a template referencing an unknown field should fail closed")
	}
}
