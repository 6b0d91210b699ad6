package reconcile

import (
	"errors"
	"testing"
)

func TestParseRunpod(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Completion
	}{
		{
			name: "in progress",
			body: `{"id":"rp_1","status":"IN_PROGRESS"}`,
			want: Completion{ProviderJobID: "rp_1", RawStatus: "IN_PROGRESS", Outcome: OutcomeProgress},
		},
		{
			name: "completed with path",
			body: `{"id":"rp_1","status":"COMPLETED","output":{"files":["/outputs/att-1/result.png"]}}`,
			want: Completion{ProviderJobID: "rp_1", RawStatus: "COMPLETED", Outcome: OutcomeSucceeded, ArtifactPath: "outputs/att-1/result.png", ArtifactName: "/outputs/att-1/result.png"},
		},
		{
			name: "completed with url",
			body: `{"id":"rp_1","status":"COMPLETED","output":{"files":["https://cdn.example.com/r.webp"]}}`,
			want: Completion{ProviderJobID: "rp_1", RawStatus: "COMPLETED", Outcome: OutcomeSucceeded, ArtifactURL: "https://cdn.example.com/r.webp", ArtifactName: "https://cdn.example.com/r.webp"},
		},
		{
			name: "inline data wins over files",
			body: `{"id":"rp_1","status":"COMPLETED","output":{"files":["a.png"],"files_with_data":[{"path":"b.jpg","data":"AAAA"}]}}`,
			want: Completion{ProviderJobID: "rp_1", RawStatus: "COMPLETED", Outcome: OutcomeSucceeded, InlineData: "AAAA", ArtifactName: "b.jpg"},
		},
		{
			name: "empty inline data falls back to files",
			body: `{"id":"rp_1","status":"COMPLETED","output":{"files":["outputs/att-1/result.png"],"files_with_data":[{"path":"b.jpg","data":""}]}}`,
			want: Completion{ProviderJobID: "rp_1", RawStatus: "COMPLETED", Outcome: OutcomeSucceeded, ArtifactPath: "outputs/att-1/result.png", ArtifactName: "outputs/att-1/result.png"},
		},
		{
			name: "empty inline data without files",
			body: `{"id":"rp_1","status":"COMPLETED","output":{"files_with_data":[{"path":"b.jpg","data":""}]}}`,
			want: Completion{ProviderJobID: "rp_1", RawStatus: "COMPLETED", Outcome: OutcomeSucceeded},
		},
		{
			name: "completed without files",
			body: `{"id":"rp_1","status":"COMPLETED","output":{"files":[]}}`,
			want: Completion{ProviderJobID: "rp_1", RawStatus: "COMPLETED", Outcome: OutcomeSucceeded},
		},
		{
			name: "failed",
			body: `{"id":"rp_1","status":"FAILED","error":"CUDA out of memory"}`,
			want: Completion{ProviderJobID: "rp_1", RawStatus: "FAILED", Outcome: OutcomeFailed, Error: "CUDA out of memory"},
		},
		{
			name: "timed out",
			body: `{"id":"rp_1","status":"TIMED_OUT"}`,
			want: Completion{ProviderJobID: "rp_1", RawStatus: "TIMED_OUT", Outcome: OutcomeFailed, Error: "runpod reported TIMED_OUT"},
		},
		{
			name: "cancelled",
			body: `{"id":"rp_1","status":"CANCELLED"}`,
			want: Completion{ProviderJobID: "rp_1", RawStatus: "CANCELLED", Outcome: OutcomeCanceled},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse("runpod", "att-1", []byte(tc.body))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			tc.want.Provider = "runpod"
			tc.want.PathAttemptID = "att-1"
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestParseReplicateOutputShapes(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		url    string
		inline string
	}{
		{name: "string", body: `{"id":"pred_1","status":"succeeded","output":"https://cdn/x.jpg"}`, url: "https://cdn/x.jpg"},
		{name: "list", body: `{"id":"pred_1","status":"succeeded","output":["https://cdn/a.png","https://cdn/b.png"]}`, url: "https://cdn/a.png"},
		{name: "object", body: `{"id":"pred_1","status":"succeeded","output":{"url":"https://cdn/o.webp"}}`, url: "https://cdn/o.webp"},
		{name: "list of objects", body: `{"id":"pred_1","status":"succeeded","output":[{"url":"https://cdn/l.gif"}]}`, url: "https://cdn/l.gif"},
		{name: "data uri", body: `{"id":"pred_1","status":"succeeded","output":"data:image/png;base64,AAAA"}`, inline: "data:image/png;base64,AAAA"},
		{name: "null", body: `{"id":"pred_1","status":"succeeded","output":null}`},
		{name: "empty list", body: `{"id":"pred_1","status":"succeeded","output":[]}`},
		{name: "list of numbers", body: `{"id":"pred_1","status":"succeeded","output":[42]}`},
		{name: "object without url", body: `{"id":"pred_1","status":"succeeded","output":{"foo":1}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse("replicate", "att-1", []byte(tc.body))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Outcome != OutcomeSucceeded || got.ArtifactURL != tc.url || got.InlineData != tc.inline {
				t.Fatalf("unexpected completion %+v", got)
			}
			if got.HasArtifact() != (tc.url != "" || tc.inline != "") {
				t.Fatalf("HasArtifact mismatch for %+v", got)
			}
		})
	}
}

func TestParseReplicateTerminalFailures(t *testing.T) {
	failed, err := Parse("replicate", "att-1", []byte(`{"id":"pred_1","status":"failed","error":"NSFW content detected"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if failed.Outcome != OutcomeFailed || failed.Error != "NSFW content detected" {
		t.Fatalf("unexpected failure %+v", failed)
	}

	canceled, err := Parse("replicate", "att-1", []byte(`{"id":"pred_1","status":"canceled"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if canceled.Outcome != OutcomeCanceled {
		t.Fatalf("unexpected outcome %s", canceled.Outcome)
	}

	progress, err := Parse("replicate", "att-1", []byte(`{"id":"pred_1","status":"processing","output":null}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if progress.Outcome != OutcomeProgress {
		t.Fatalf("unexpected outcome %s", progress.Outcome)
	}
}

func TestParseRejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		provider string
		body     string
	}{
		{"replicate", `not json`},
		{"replicate", `{"status":"succeeded"}`},
		{"replicate", `{"id":"pred_1","status":"done"}`},
		{"replicate", `{"id":"pred_1","status":"succeeded","output":42}`},
		{"runpod", `{"id":"rp_1","status":"completed"}`},
		{"runpod", `{"id":"","status":"COMPLETED"}`},
		{"runpod", `{"id":"rp_1","status":"COMPLETED","output":{"files":[1]}}`},
		{"runpod", `{"id":"rp_1","status":"COMPLETED","output":{"files_with_data":[{"path":"a.png"}]}}`},
		{"local", `{"id":"x","status":"succeeded"}`},
	}
	for _, tc := range cases {
		if _, err := Parse(tc.provider, "att-1", []byte(tc.body)); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload for %s %s, got %v", tc.provider, tc.body, err)
		}
	}
}
